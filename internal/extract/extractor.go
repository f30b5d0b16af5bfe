// Package extract maps parsed listing pages onto candidate records using
// per-source CSS selectors.
package extract

import (
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-ingest/internal/parse"
	"github.com/JakeFAU/listing-ingest/internal/record"
	"github.com/JakeFAU/listing-ingest/internal/sanitize"
)

// Extractor turns a document into a sequence of candidates.
type Extractor interface {
	Extract(doc *parse.Document) *Sequence
}

// TechnologyExtractor reads technology-transfer listings.
type TechnologyExtractor struct {
	sel TechnologySelectors
}

// NewTechnologyExtractor validates sel and returns an extractor bound to it.
func NewTechnologyExtractor(sel TechnologySelectors) (*TechnologyExtractor, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return &TechnologyExtractor{sel: sel}, nil
}

// Extract implements Extractor.
func (e *TechnologyExtractor) Extract(doc *parse.Document) *Sequence {
	source, base := origin(doc)
	return newSequence(doc.Find(e.sel.Listing), func(node *goquery.Selection) record.Candidate {
		c := &record.TechnologyCandidate{
			SourceURL:      source,
			DetailURL:      linkAt(node, e.sel.DetailLink, base),
			Title:          textAt(node, e.sel.Title),
			Description:    textAt(node, e.sel.Description),
			University:     textAt(node, e.sel.University),
			PatentStatus:   NormalizePatentStatus(textAt(node, e.sel.PatentStatus)),
			Classification: NormalizeClassification(textAt(node, e.sel.Classification)),
			Keywords:       listAt(node, e.sel.Keywords),
			Inventors:      listAt(node, e.sel.Inventors),
		}
		fillTRL(c, textAt(node, e.sel.TRL))
		if raw := textAt(node, e.sel.FilingDate); raw != "" {
			c.FilingDateRaw = raw
			if t, ok := ParseDate(raw); ok {
				c.FilingDate = &t
			}
		}
		return c
	})
}

// GrantExtractor reads funding opportunity listings.
type GrantExtractor struct {
	sel GrantSelectors
}

// NewGrantExtractor validates sel and returns an extractor bound to it.
func NewGrantExtractor(sel GrantSelectors) (*GrantExtractor, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return &GrantExtractor{sel: sel}, nil
}

// Extract implements Extractor.
func (e *GrantExtractor) Extract(doc *parse.Document) *Sequence {
	source, base := origin(doc)
	return newSequence(doc.Find(e.sel.Listing), func(node *goquery.Selection) record.Candidate {
		c := &record.GrantCandidate{
			SourceURL:         source,
			DetailURL:         linkAt(node, e.sel.DetailLink, base),
			Title:             textAt(node, e.sel.Title),
			Description:       textAt(node, e.sel.Description),
			Agency:            textAt(node, e.sel.Agency),
			OpportunityNumber: textAt(node, e.sel.OpportunityNumber),
			Classification:    NormalizeClassification(textAt(node, e.sel.Classification)),
			Categories:        listAt(node, e.sel.Categories),
			Eligibility:       listAt(node, e.sel.Eligibility),
		}
		if raw := textAt(node, e.sel.Amount); raw != "" {
			c.AmountRaw = raw
			if amount, currency, ok := ParseMoney(raw); ok {
				c.Amount = amount
				c.Currency = currency
			}
		}
		if raw := textAt(node, e.sel.Deadline); raw != "" {
			c.DeadlineRaw = raw
			if t, ok := ParseDate(raw); ok {
				c.Deadline = &t
			}
		}
		return c
	})
}

// UniversityIndexExtractor reads one university's technology index. Every
// listing is attributed to the configured university.
type UniversityIndexExtractor struct {
	sel UniversityIndexSelectors
}

// NewUniversityIndexExtractor validates sel and returns an extractor bound to it.
func NewUniversityIndexExtractor(sel UniversityIndexSelectors) (*UniversityIndexExtractor, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return &UniversityIndexExtractor{sel: sel}, nil
}

// Extract implements Extractor.
func (e *UniversityIndexExtractor) Extract(doc *parse.Document) *Sequence {
	source, base := origin(doc)
	university := sanitize.HTML(e.sel.University)
	return newSequence(doc.Find(e.sel.Listing), func(node *goquery.Selection) record.Candidate {
		c := &record.TechnologyCandidate{
			SourceURL:      source,
			DetailURL:      linkAt(node, e.sel.DetailLink, base),
			Title:          textAt(node, e.sel.Title),
			Description:    textAt(node, e.sel.Description),
			University:     university,
			PatentStatus:   NormalizePatentStatus(textAt(node, e.sel.PatentStatus)),
			Classification: NormalizeClassification(""),
			Keywords:       listAt(node, e.sel.Keywords),
		}
		fillTRL(c, textAt(node, e.sel.TRL))
		return c
	})
}

func fillTRL(c *record.TechnologyCandidate, raw string) {
	if raw == "" {
		return
	}
	c.TRLRaw = raw
	if n, ok := ParseTRL(raw); ok {
		c.TRL = n
	}
}

func origin(doc *parse.Document) (string, *url.URL) {
	source := doc.Source()
	base, err := url.Parse(source)
	if err != nil || source == "" {
		return source, nil
	}
	return source, base
}
