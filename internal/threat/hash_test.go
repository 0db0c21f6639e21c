package threat

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSemanticHashDeterministic(t *testing.T) {
	locs := []Location{{Lat: 48.8566, Lng: 2.3522}}
	a := SemanticHash("HIGH", "CIVIL_UNREST", "protest at city hall", []string{"protest", "downtown"}, locs)
	b := SemanticHash("HIGH", "CIVIL_UNREST", "protest at city hall", []string{"protest", "downtown"}, locs)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestSemanticHashKeywordOrderIrrelevant(t *testing.T) {
	locs := []Location{{Lat: 1, Lng: 2}}
	a := SemanticHash("LOW", "CYBER", "summary", []string{"alpha", "beta"}, locs)
	b := SemanticHash("LOW", "CYBER", "summary", []string{"Beta", " alpha "}, locs)
	assert.Equal(t, a, b)
}

func TestSemanticHashLocationRounding(t *testing.T) {
	// Coordinates agreeing to two decimal places hash identically.
	a := SemanticHash("LOW", "CYBER", "s", nil, []Location{{Lat: 10.12345, Lng: 20.12345}})
	b := SemanticHash("LOW", "CYBER", "s", nil, []Location{{Lat: 10.12001, Lng: 20.12499}})
	assert.Equal(t, a, b)

	c := SemanticHash("LOW", "CYBER", "s", nil, []Location{{Lat: 10.13, Lng: 20.12}})
	assert.NotEqual(t, a, c)
}

func TestSemanticHashSummaryTruncation(t *testing.T) {
	long := strings.Repeat("x", 100)
	a := SemanticHash("LOW", "CYBER", long+" extra tail one", nil, nil)
	b := SemanticHash("LOW", "CYBER", long+" different tail", nil, nil)
	assert.Equal(t, a, b)
}

func TestSemanticHashSummaryWindowCountsRunes(t *testing.T) {
	// 60 two-byte runes: 120 bytes but only 60 characters, so text past
	// byte 100 still distinguishes the summaries.
	prefix := strings.Repeat("ü", 60)
	a := SemanticHash("LOW", "CYBER", prefix+" first variant", nil, nil)
	b := SemanticHash("LOW", "CYBER", prefix+" other variant", nil, nil)
	assert.NotEqual(t, a, b)

	long := strings.Repeat("ü", 100)
	c := SemanticHash("LOW", "CYBER", long+" tail one", nil, nil)
	d := SemanticHash("LOW", "CYBER", long+" tail two", nil, nil)
	assert.Equal(t, c, d)
}

func TestTruncateRunesNeverSplitsSequences(t *testing.T) {
	s := strings.Repeat("é", 90)
	got := truncateRunes(s, 80)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 80), got)
	assert.Equal(t, "short", truncateRunes("short", 80))
}

func TestSemanticHashDistinguishesLevelAndType(t *testing.T) {
	base := SemanticHash("LOW", "CYBER", "s", nil, nil)
	assert.NotEqual(t, base, SemanticHash("HIGH", "CYBER", "s", nil, nil))
	assert.NotEqual(t, base, SemanticHash("LOW", "VIOLENCE", "s", nil, nil))
}
