// Package sanitize cleans free text scraped from third-party markup.
package sanitize

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxRunes caps a sanitized field.
const DefaultMaxRunes = 20000

var strict = bluemonday.StrictPolicy()

// HTML strips markup from an HTML fragment, decodes its entities once and
// normalizes the resulting text.
func HTML(fragment string) string {
	return HTMLN(fragment, DefaultMaxRunes)
}

// HTMLN is HTML with an explicit rune limit.
func HTMLN(fragment string, maxRunes int) string {
	if fragment == "" {
		return ""
	}
	return TextN(html.UnescapeString(strict.Sanitize(fragment)), maxRunes)
}

// Text normalizes already decoded text: non-printable characters are dropped
// and whitespace collapses. Angle brackets and ampersands are kept literally.
func Text(plain string) string {
	return TextN(plain, DefaultMaxRunes)
}

// TextN is Text with an explicit rune limit. A non-positive limit disables truncation.
func TextN(plain string, maxRunes int) string {
	if plain == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(plain))
	pendingSpace := false
	written := 0
	for _, r := range plain {
		if unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if !Allowed(r) {
			continue
		}
		if maxRunes > 0 && written >= maxRunes {
			break
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
			written++
		}
		pendingSpace = false
		b.WriteRune(r)
		written++
	}
	return b.String()
}

// Allowed reports whether r belongs to the printable allow-list.
func Allowed(r rune) bool {
	if r == utf8.RuneError {
		return false
	}
	switch {
	case unicode.IsLetter(r), unicode.IsMark(r), unicode.IsNumber(r):
		return true
	case unicode.IsPunct(r), unicode.IsSymbol(r):
		return true
	default:
		return false
	}
}

// List sanitizes every item and drops the ones that end up empty. It returns nil
// rather than an empty slice so encoded records stay stable.
func List(items []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		clean := Text(item)
		if clean == "" {
			continue
		}
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	return out
}
