package threat

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// SemanticHash computes the 16-hex-character duplicate-detection digest over
// a threat's identifying fields: level, type, the first 100 characters of
// the summary, the sorted keyword set, and locations rounded to two decimal
// places. The serialization order is fixed so the digest is deterministic
// across processes.
func SemanticHash(level, threatType, summary string, keywords []string, locations []Location) string {
	summary = truncateRunes(summary, 100)

	kws := make([]string, 0, len(keywords))
	for _, k := range keywords {
		kws = append(kws, strings.ToLower(strings.TrimSpace(k)))
	}
	sort.Strings(kws)

	locs := make([]string, 0, len(locations))
	for _, l := range locations {
		locs = append(locs, fmt.Sprintf("%.2f,%.2f", l.Lat, l.Lng))
	}
	sort.Strings(locs)

	var b strings.Builder
	b.WriteString(level)
	b.WriteByte('|')
	b.WriteString(threatType)
	b.WriteByte('|')
	b.WriteString(summary)
	b.WriteByte('|')
	b.WriteString(strings.Join(kws, ","))
	b.WriteByte('|')
	b.WriteString(strings.Join(locs, ";"))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// truncateRunes caps s at n runes, never splitting a multi-byte sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
