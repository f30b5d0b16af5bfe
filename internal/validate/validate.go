// Package validate decides which candidate records may be published.
//
// Validate is pure: it reads the candidate and the injected clock and nothing
// else. Accept is the only way to obtain a Record, so anything holding a Record
// has passed every rule below.
package validate

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/listing-ingest/internal/record"
)

// Reason is a machine-readable rule failure code.
type Reason string

// Reason codes.
const (
	ReasonRequired    Reason = "required"
	ReasonOutOfRange  Reason = "out_of_range"
	ReasonTooShort    Reason = "too_short"
	ReasonTooLong     Reason = "too_long"
	ReasonInPast      Reason = "in_past"
	ReasonInvalidDate Reason = "invalid_date"
	ReasonInvalidEnum Reason = "invalid_enum"
	ReasonInvalidURL  Reason = "invalid_url"
	ReasonUnsupported Reason = "unsupported"
)

// Patent statuses accepted on technology records.
var PatentStatuses = []string{"patented", "pending", "provisional", "none", "unknown"}

// Classifications accepted on every record.
var Classifications = []string{"unclassified", "cui", "public"}

// FieldError names one failed rule.
type FieldError struct {
	Field  string `json:"field"`
	Reason Reason `json:"reason"`
}

func (e FieldError) String() string {
	return e.Field + ":" + string(e.Reason)
}

// Result is the verdict for one candidate.
type Result struct {
	Valid  bool
	Errors []FieldError
}

// Has reports whether field failed with reason.
func (r Result) Has(field string, reason Reason) bool {
	for _, e := range r.Errors {
		if e.Field == field && e.Reason == reason {
			return true
		}
	}
	return false
}

// Err returns nil for a valid result and an *Error otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &Error{Errors: r.Errors}
}

// Error carries the failed rules of a rejected candidate.
type Error struct {
	Errors []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.String())
	}
	return "invalid record: " + strings.Join(parts, ", ")
}

// Rules holds the thresholds applied by a Validator.
type Rules struct {
	MinDescription  int     `mapstructure:"min_description"`
	MaxDescription  int     `mapstructure:"max_description"`
	MaxTitle        int     `mapstructure:"max_title"`
	MaxAmount       float64 `mapstructure:"max_amount"`
	MinDeadlineDays int     `mapstructure:"min_deadline_days"`
}

// DefaultRules returns the thresholds used when a source sets none.
func DefaultRules() Rules {
	return Rules{
		MinDescription:  50,
		MaxDescription:  20000,
		MaxTitle:        500,
		MaxAmount:       1e9,
		MinDeadlineDays: 1,
	}
}

// Clock supplies the validation time.
type Clock interface {
	Now() time.Time
}

// IDGenerator supplies record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Validator applies Rules to candidates.
type Validator struct {
	rules Rules
	clock Clock
	ids   IDGenerator
}

// New builds a Validator. Zero-valued thresholds fall back to DefaultRules.
func New(rules Rules, clock Clock, ids IDGenerator) *Validator {
	def := DefaultRules()
	if rules.MinDescription <= 0 {
		rules.MinDescription = def.MinDescription
	}
	if rules.MaxDescription <= 0 {
		rules.MaxDescription = def.MaxDescription
	}
	if rules.MaxTitle <= 0 {
		rules.MaxTitle = def.MaxTitle
	}
	if rules.MaxAmount <= 0 {
		rules.MaxAmount = def.MaxAmount
	}
	if rules.MinDeadlineDays <= 0 {
		rules.MinDeadlineDays = def.MinDeadlineDays
	}
	return &Validator{rules: rules, clock: clock, ids: ids}
}

// Rules returns the thresholds in effect.
func (v *Validator) Rules() Rules { return v.rules }

// Validate checks c against every rule for its kind.
func (v *Validator) Validate(c record.Candidate) Result {
	var errs []FieldError
	add := func(field string, reason Reason) {
		errs = append(errs, FieldError{Field: field, Reason: reason})
	}

	switch cand := c.(type) {
	case *record.TechnologyCandidate:
		if cand == nil {
			add("record", ReasonRequired)
			break
		}
		v.checkCommon(cand.Title, cand.Description, cand.SourceURL, cand.DetailURL, cand.Classification, add)
		if strings.TrimSpace(cand.University) == "" {
			add("university", ReasonRequired)
		}
		if cand.TRLRaw != "" || cand.TRL != 0 {
			if cand.TRL < 1 || cand.TRL > 9 {
				add("trl", ReasonOutOfRange)
			}
		}
		if cand.PatentStatus != "" && !slices.Contains(PatentStatuses, cand.PatentStatus) {
			add("patent_status", ReasonInvalidEnum)
		}
		if cand.FilingDateRaw != "" && cand.FilingDate == nil {
			add("filing_date", ReasonInvalidDate)
		}
	case *record.GrantCandidate:
		if cand == nil {
			add("record", ReasonRequired)
			break
		}
		v.checkCommon(cand.Title, cand.Description, cand.SourceURL, cand.DetailURL, cand.Classification, add)
		if strings.TrimSpace(cand.Agency) == "" {
			add("agency", ReasonRequired)
		}
		if cand.AmountRaw != "" || cand.Amount != 0 {
			if cand.Amount <= 0 || cand.Amount > v.rules.MaxAmount {
				add("amount", ReasonOutOfRange)
			}
		}
		switch {
		case cand.Deadline != nil:
			cutoff := v.now().AddDate(0, 0, v.rules.MinDeadlineDays)
			if cand.Deadline.Before(cutoff) {
				add("deadline", ReasonInPast)
			}
		case cand.DeadlineRaw != "":
			add("deadline", ReasonInvalidDate)
		}
	default:
		add("record", ReasonUnsupported)
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func (v *Validator) checkCommon(title, description, sourceURL, detailURL, classification string, add func(string, Reason)) {
	switch n := utf8.RuneCountInString(strings.TrimSpace(title)); {
	case n == 0:
		add("title", ReasonRequired)
	case n > v.rules.MaxTitle:
		add("title", ReasonTooLong)
	}
	switch n := utf8.RuneCountInString(strings.TrimSpace(description)); {
	case n == 0:
		add("description", ReasonRequired)
	case n < v.rules.MinDescription:
		add("description", ReasonTooShort)
	case n > v.rules.MaxDescription:
		add("description", ReasonTooLong)
	}
	switch {
	case strings.TrimSpace(sourceURL) == "":
		add("source_url", ReasonRequired)
	case !absoluteHTTP(sourceURL):
		add("source_url", ReasonInvalidURL)
	}
	if detailURL != "" && !absoluteHTTP(detailURL) {
		add("detail_url", ReasonInvalidURL)
	}
	if classification != "" && !slices.Contains(Classifications, classification) {
		add("classification", ReasonInvalidEnum)
	}
}

func (v *Validator) now() time.Time {
	if v.clock == nil {
		return time.Now().UTC()
	}
	return v.clock.Now()
}

// Record is a candidate that passed validation, wrapped for publishing.
type Record struct {
	env record.Envelope
}

// ID returns the record identifier.
func (r Record) ID() string { return r.env.ID }

// Kind returns the record kind.
func (r Record) Kind() record.Kind { return r.env.Kind }

// Source returns the name of the source that produced the record.
func (r Record) Source() string { return r.env.Source }

// ValidatedAt returns when the record passed validation.
func (r Record) ValidatedAt() time.Time { return r.env.ValidatedAt }

// Envelope returns the wire form of the record.
func (r Record) Envelope() record.Envelope { return r.env.Clone() }

// IsZero reports whether r was never accepted.
func (r Record) IsZero() bool { return r.env.ID == "" }

// Accept validates c and, when it passes, returns it as a Record attributed to
// source. The Record is zero whenever the Result is invalid.
func (v *Validator) Accept(source string, c record.Candidate) (Record, Result, error) {
	res := v.Validate(c)
	if !res.Valid {
		return Record{}, res, nil
	}
	if v.ids == nil {
		return Record{}, res, fmt.Errorf("accept record: no id generator")
	}
	id, err := v.ids.NewID()
	if err != nil {
		return Record{}, res, fmt.Errorf("accept record: %w", err)
	}
	// Drop the monotonic reading so a decoded envelope compares equal.
	validatedAt := v.now().UTC().Round(0)
	env, err := record.Wrap(id, source, validatedAt, c)
	if err != nil {
		return Record{}, res, fmt.Errorf("accept record: %w", err)
	}
	return Record{env: env}, res, nil
}

func absoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
