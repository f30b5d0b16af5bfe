package extract

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-ingest/internal/sanitize"
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan. 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
}

// ParseDate reads a calendar date in one of the common listing formats. A
// leading label such as "Deadline:" is ignored. The result is midnight UTC
// unless the text carries its own time.
func ParseDate(raw string) (time.Time, bool) {
	text := stripLabel(raw)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Currencies lists the ISO codes ParseMoney recognizes.
var Currencies = []string{"USD", "EUR", "GBP", "CAD", "AUD"}

var (
	moneyPattern = regexp.MustCompile(`(?i)([$€£])?\s*(\d[\d,]*(?:\.\d+)?)\s*(billion|million|thousand|bn|[kmb])?\b`)
	currencyCode = regexp.MustCompile(`\b(USD|EUR|GBP|CAD|AUD)\b`)
)

// ParseMoney reads an amount such as "$1,250,000", "1.5M" or "250K". Ranges
// resolve to their upper bound. The currency is taken from a symbol or an ISO
// code and is empty when the text names neither.
func ParseMoney(raw string) (float64, string, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return 0, "", false
	}
	currency := ""
	if m := currencyCode.FindStringSubmatch(strings.ToUpper(text)); m != nil {
		currency = m[1]
	}
	var (
		best  float64
		found bool
	)
	for _, m := range moneyPattern.FindAllStringSubmatch(text, -1) {
		value, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(m[3]) {
		case "k", "thousand":
			value *= 1e3
		case "m", "million":
			value *= 1e6
		case "b", "bn", "billion":
			value *= 1e9
		}
		if currency == "" {
			currency = symbolCurrency(m[1])
		}
		if !found || value > best {
			best = value
			found = true
		}
	}
	return best, currency, found
}

func symbolCurrency(symbol string) string {
	switch symbol {
	case "$":
		return "USD"
	case "€":
		return "EUR"
	case "£":
		return "GBP"
	}
	return ""
}

var trlPattern = regexp.MustCompile(`(?i)^(?:trl)?\s*[:#-]?\s*(\d{1,3})\b`)

// ParseTRL reads a technology readiness level written as "TRL 4", "TRL: 4" or "4".
// Values outside [1,9] are returned as read; range checking belongs to validation.
func ParseTRL(raw string) (int, bool) {
	m := trlPattern.FindStringSubmatch(stripLabel(raw))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// NormalizePatentStatus maps free text onto the patent status vocabulary.
// Unrecognized text is returned lower-cased so validation can reject it.
func NormalizePatentStatus(raw string) string {
	text := strings.ToLower(stripLabel(raw))
	switch {
	case text == "" || text == "unknown" || text == "n/a":
		return "unknown"
	case strings.Contains(text, "provisional"):
		return "provisional"
	case strings.Contains(text, "pending"), strings.Contains(text, "filed"), strings.Contains(text, "applied"):
		return "pending"
	case text == "none", strings.Contains(text, "not patented"), strings.Contains(text, "no patent"), strings.Contains(text, "unpatented"):
		return "none"
	case strings.Contains(text, "patented"), strings.Contains(text, "issued"), strings.Contains(text, "granted"), strings.Contains(text, "patent"):
		return "patented"
	}
	return text
}

// NormalizeClassification maps free text onto the classification vocabulary.
// Empty text means unclassified.
func NormalizeClassification(raw string) string {
	text := strings.ToLower(stripLabel(raw))
	switch {
	case text == "":
		return "unclassified"
	case text == "cui", strings.Contains(text, "controlled unclassified"):
		return "cui"
	case strings.Contains(text, "public"), strings.Contains(text, "unrestricted"):
		return "public"
	case strings.Contains(text, "unclassified"):
		return "unclassified"
	}
	return text
}

// stripLabel drops a short "Label:" prefix and surrounding space.
func stripLabel(raw string) string {
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, ":"); i > 0 && i <= 24 && !strings.ContainsAny(text[:i], "0123456789") {
		// Keep RFC3339 times and "TRL: 4" style values intact.
		if !strings.EqualFold(strings.TrimSpace(text[:i]), "trl") {
			text = strings.TrimSpace(text[i+1:])
		}
	}
	return text
}

// textAt returns the sanitized text of the first match of selector within node.
// The inner HTML is sanitized so escaped characters are decoded exactly once.
func textAt(node *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	fragment, err := node.Find(selector).First().Html()
	if err != nil {
		return ""
	}
	return sanitize.HTML(fragment)
}

// listAt returns sanitized list items. Multiple matches or li children are
// items on their own; a single text node is split on , ; and |.
func listAt(node *goquery.Selection, selector string) []string {
	if selector == "" {
		return nil
	}
	matches := node.Find(selector)
	if matches.Length() == 0 {
		return nil
	}
	var items []string
	if matches.Length() == 1 {
		if lis := matches.Find("li"); lis.Length() > 0 {
			matches = lis
		} else {
			return sanitize.List(strings.FieldsFunc(matches.Text(), func(r rune) bool {
				return r == ',' || r == ';' || r == '|'
			}))
		}
	}
	matches.Each(func(_ int, s *goquery.Selection) {
		items = append(items, s.Text())
	})
	return sanitize.List(items)
}

// linkAt resolves the href of the first match of selector against base.
func linkAt(node *goquery.Selection, selector string, base *url.URL) string {
	if selector == "" {
		return ""
	}
	href, ok := node.Find(selector).First().Attr("href")
	if !ok {
		return ""
	}
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil || href == "" {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
