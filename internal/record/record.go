// Package record defines the listing types that flow from extraction to the event stream.
package record

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind identifies the shape of a record or the layout of a source.
type Kind string

// Record and source kinds.
const (
	KindTechnology      Kind = "technology"
	KindGrant           Kind = "grant"
	KindUniversityIndex Kind = "university_index"
)

// ParseKind maps configuration text onto a Kind.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindTechnology, KindGrant, KindUniversityIndex:
		return k, nil
	default:
		return "", fmt.Errorf("unknown kind %q", raw)
	}
}

// RecordKind returns the record shape produced by a source kind. University index
// pages list technologies, so they produce technology records.
func (k Kind) RecordKind() Kind {
	if k == KindUniversityIndex {
		return KindTechnology
	}
	return k
}

// Candidate is an extracted listing that has not been validated yet.
type Candidate interface {
	Kind() Kind
	Origin() string
	Heading() string
}

// TechnologyCandidate is a technology-transfer listing as it was found on the page.
type TechnologyCandidate struct {
	SourceURL      string     `json:"source_url"`
	DetailURL      string     `json:"detail_url"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	University     string     `json:"university"`
	TRL            int        `json:"trl"`
	TRLRaw         string     `json:"trl_raw"`
	PatentStatus   string     `json:"patent_status"`
	FilingDate     *time.Time `json:"filing_date"`
	FilingDateRaw  string     `json:"filing_date_raw"`
	Classification string     `json:"classification"`
	Keywords       []string   `json:"keywords"`
	Inventors      []string   `json:"inventors"`
}

// Kind implements Candidate.
func (c *TechnologyCandidate) Kind() Kind { return KindTechnology }

// Origin implements Candidate.
func (c *TechnologyCandidate) Origin() string { return c.SourceURL }

// Heading implements Candidate.
func (c *TechnologyCandidate) Heading() string { return c.Title }

// GrantCandidate is a funding opportunity as it was found on the page.
type GrantCandidate struct {
	SourceURL         string     `json:"source_url"`
	DetailURL         string     `json:"detail_url"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Agency            string     `json:"agency"`
	OpportunityNumber string     `json:"opportunity_number"`
	Amount            float64    `json:"amount"`
	AmountRaw         string     `json:"amount_raw"`
	Currency          string     `json:"currency"`
	Deadline          *time.Time `json:"deadline"`
	DeadlineRaw       string     `json:"deadline_raw"`
	Classification    string     `json:"classification"`
	Categories        []string   `json:"categories"`
	Eligibility       []string   `json:"eligibility"`
}

// Kind implements Candidate.
func (c *GrantCandidate) Kind() Kind { return KindGrant }

// Origin implements Candidate.
func (c *GrantCandidate) Origin() string { return c.SourceURL }

// Heading implements Candidate.
func (c *GrantCandidate) Heading() string { return c.Title }

// Envelope is the payload written to the event stream for every validated record.
type Envelope struct {
	ID          string               `json:"id"`
	Kind        Kind                 `json:"kind"`
	Source      string               `json:"source"`
	ValidatedAt time.Time            `json:"validated_at"`
	Technology  *TechnologyCandidate `json:"technology,omitempty"`
	Grant       *GrantCandidate      `json:"grant,omitempty"`
}

// Candidate returns the wrapped listing.
func (e Envelope) Candidate() Candidate {
	switch e.Kind {
	case KindTechnology:
		if e.Technology != nil {
			return e.Technology
		}
	case KindGrant:
		if e.Grant != nil {
			return e.Grant
		}
	}
	return nil
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope produced by Marshal.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Candidate() == nil {
		return Envelope{}, fmt.Errorf("decode envelope: missing %q body", env.Kind)
	}
	return env, nil
}

// Wrap builds an envelope around a candidate. Only the validator should call it.
func Wrap(id, source string, validatedAt time.Time, c Candidate) (Envelope, error) {
	env := Envelope{
		ID:          id,
		Source:      source,
		ValidatedAt: validatedAt,
	}
	switch v := c.(type) {
	case *TechnologyCandidate:
		env.Kind = KindTechnology
		env.Technology = v.Clone()
	case *GrantCandidate:
		env.Kind = KindGrant
		env.Grant = v.Clone()
	default:
		return Envelope{}, fmt.Errorf("unsupported candidate %T", c)
	}
	return env, nil
}

// Clone returns a copy of e that shares no memory with it.
func (e Envelope) Clone() Envelope {
	e.Technology = e.Technology.Clone()
	e.Grant = e.Grant.Clone()
	return e
}

// Clone returns a deep copy of c.
func (c *TechnologyCandidate) Clone() *TechnologyCandidate {
	if c == nil {
		return nil
	}
	cp := *c
	cp.FilingDate = cloneTime(c.FilingDate)
	cp.Keywords = slices.Clone(c.Keywords)
	cp.Inventors = slices.Clone(c.Inventors)
	return &cp
}

// Clone returns a deep copy of c.
func (c *GrantCandidate) Clone() *GrantCandidate {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Deadline = cloneTime(c.Deadline)
	cp.Categories = slices.Clone(c.Categories)
	cp.Eligibility = slices.Clone(c.Eligibility)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
