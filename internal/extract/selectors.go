package extract

import (
	"fmt"
	"strings"
)

// MissingSelectorError lists the required selectors a configuration left empty.
type MissingSelectorError struct {
	Kind   string
	Fields []string
}

func (e *MissingSelectorError) Error() string {
	return fmt.Sprintf("%s selectors missing required fields: %s", e.Kind, strings.Join(e.Fields, ", "))
}

// TechnologySelectors maps technology listing fields onto CSS selectors.
// Listing, Title, Description and University are required.
type TechnologySelectors struct {
	Listing        string `mapstructure:"listing"`
	Title          string `mapstructure:"title"`
	Description    string `mapstructure:"description"`
	University     string `mapstructure:"university"`
	DetailLink     string `mapstructure:"detail_link"`
	TRL            string `mapstructure:"trl"`
	PatentStatus   string `mapstructure:"patent_status"`
	FilingDate     string `mapstructure:"filing_date"`
	Classification string `mapstructure:"classification"`
	Keywords       string `mapstructure:"keywords"`
	Inventors      string `mapstructure:"inventors"`
}

// Validate reports the required selectors that are empty.
func (s TechnologySelectors) Validate() error {
	return requireFields("technology", map[string]string{
		"listing":     s.Listing,
		"title":       s.Title,
		"description": s.Description,
		"university":  s.University,
	})
}

// GrantSelectors maps grant listing fields onto CSS selectors.
// Listing, Title, Description and Agency are required.
type GrantSelectors struct {
	Listing           string `mapstructure:"listing"`
	Title             string `mapstructure:"title"`
	Description       string `mapstructure:"description"`
	Agency            string `mapstructure:"agency"`
	DetailLink        string `mapstructure:"detail_link"`
	OpportunityNumber string `mapstructure:"opportunity_number"`
	Amount            string `mapstructure:"amount"`
	Deadline          string `mapstructure:"deadline"`
	Classification    string `mapstructure:"classification"`
	Categories        string `mapstructure:"categories"`
	Eligibility       string `mapstructure:"eligibility"`
}

// Validate reports the required selectors that are empty.
func (s GrantSelectors) Validate() error {
	return requireFields("grant", map[string]string{
		"listing":     s.Listing,
		"title":       s.Title,
		"description": s.Description,
		"agency":      s.Agency,
	})
}

// UniversityIndexSelectors describes a single university's technology index page.
// The university name is fixed per source, so it is configured as text rather
// than selected. Listing, Title, Description and University are required.
type UniversityIndexSelectors struct {
	University   string `mapstructure:"university"`
	Listing      string `mapstructure:"listing"`
	Title        string `mapstructure:"title"`
	Description  string `mapstructure:"description"`
	DetailLink   string `mapstructure:"detail_link"`
	TRL          string `mapstructure:"trl"`
	PatentStatus string `mapstructure:"patent_status"`
	Keywords     string `mapstructure:"keywords"`
}

// Validate reports the required selectors that are empty.
func (s UniversityIndexSelectors) Validate() error {
	return requireFields("university_index", map[string]string{
		"university":  s.University,
		"listing":     s.Listing,
		"title":       s.Title,
		"description": s.Description,
	})
}

func requireFields(kind string, fields map[string]string) error {
	var missing []string
	for _, name := range []string{"university", "listing", "title", "description", "agency"} {
		value, ok := fields[name]
		if ok && strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSelectorError{Kind: kind, Fields: missing}
}
