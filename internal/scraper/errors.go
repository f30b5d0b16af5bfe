package scraper

import "fmt"

// ConfigurationError rejects options before anything is constructed.
type ConfigurationError struct {
	Kind  string
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("scraper config: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("scraper config (%s): %s: %v", e.Kind, e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(kind, field string, err error) *ConfigurationError {
	return &ConfigurationError{Kind: kind, Field: field, Err: err}
}
