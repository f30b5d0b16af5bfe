package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	t.Parallel()

	want := time.Date(2027, time.March, 3, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{"2027-03-03", "03/03/2027", "3/3/2027", "March 3, 2027", "Mar 3, 2027", "3 March 2027", "Due: 2027-03-03"} {
		got, ok := ParseDate(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}

	got, ok := ParseDate("2027-03-03T15:04:05Z")
	require.True(t, ok)
	require.Equal(t, time.Date(2027, time.March, 3, 15, 4, 5, 0, time.UTC), got)

	for _, raw := range []string{"", "soon", "2027-13-45", "February 30, 2027"} {
		_, ok := ParseDate(raw)
		require.False(t, ok, raw)
	}
}

func TestParseMoney(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw      string
		amount   float64
		currency string
		ok       bool
	}{
		{"$1,250,000", 1250000, "USD", true},
		{"1.5M", 1500000, "", true},
		{"250K", 250000, "", true},
		{"€2 million", 2000000, "EUR", true},
		{"$50,000 - $200,000", 200000, "USD", true},
		{"EUR 10,000", 10000, "EUR", true},
		{"varies", 0, "", false},
		{"", 0, "", false},
	}
	for _, tt := range tests {
		amount, currency, ok := ParseMoney(tt.raw)
		require.Equal(t, tt.ok, ok, tt.raw)
		require.InDelta(t, tt.amount, amount, 0.0001, tt.raw)
		require.Equal(t, tt.currency, currency, tt.raw)
	}
}

func TestParseTRL(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]int{"TRL 4": 4, "trl:7": 7, "9": 9, "TRL 12": 12, "Readiness: TRL 2": 2} {
		got, ok := ParseTRL(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}
	_, ok := ParseTRL("early")
	require.False(t, ok)
}

func TestNormalizeEnums(t *testing.T) {
	t.Parallel()

	patents := map[string]string{
		"":                        "unknown",
		"Patent Pending":          "pending",
		"Provisional application": "provisional",
		"US Patent 9,123,456":     "patented",
		"Issued":                  "patented",
		"Not patented":            "none",
		"trade secret":            "trade secret",
	}
	for raw, want := range patents {
		require.Equal(t, want, NormalizePatentStatus(raw), raw)
	}

	classes := map[string]string{
		"":                        "unclassified",
		"CUI":                     "cui",
		"Controlled Unclassified": "cui",
		"Public release":          "public",
		"Unclassified":            "unclassified",
		"secret":                  "secret",
	}
	for raw, want := range classes {
		require.Equal(t, want, NormalizeClassification(raw), raw)
	}
}
