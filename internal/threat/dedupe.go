package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// Dedup actions.
type Action string

const (
	ActionNew       Action = "new_threat"
	ActionUpdate    Action = "update_existing"
	ActionDuplicate Action = "duplicate"
)

// ExistingThreat is the slim view of a stored threat the dedup ladder
// compares against.
type ExistingThreat struct {
	ID           string
	Level        string
	Type         string
	Summary      string
	Keywords     []string
	Locations    []Location
	SemanticHash string
	UpdateCount  int
	UpdatedAt    time.Time
}

// Decision is the outcome of the dedup ladder for one analysis.
type Decision struct {
	Action     Action          `json:"action"`
	ThreatID   string          `json:"threat_id,omitempty"`
	ThreatData json.RawMessage `json:"threat_data,omitempty"`
	UpdateData json.RawMessage `json:"update_data,omitempty"`
	Reasoning  string          `json:"reasoning"`
	Confidence float64         `json:"confidence"`
}

// Deduper runs the three-stage decision ladder: fast path, rule-based
// pre-filter, contextual LLM arbitration.
type Deduper struct {
	llm   *Client
	model func(ctx context.Context) string
	log   *slog.Logger
}

// NewDeduper builds the deduper. model resolves the arbitration model name
// at call time from the settings cache.
func NewDeduper(llm *Client, model func(ctx context.Context) string, log *slog.Logger) *Deduper {
	return &Deduper{llm: llm, model: model, log: log.With("component", "dedup")}
}

// Decide runs the ladder for one validated analysis against the recent
// threats for the area. Usage from the arbitration call, when one happens,
// is returned for accounting.
func (d *Deduper) Decide(ctx context.Context, analysis *Analysis, existing []ExistingThreat) (*Decision, *Usage, error) {
	// Fast path: nothing to compare against.
	if len(existing) == 0 {
		return &Decision{
			Action:     ActionNew,
			Reasoning:  "no recent threats in area",
			Confidence: 1,
		}, nil, nil
	}

	// Rule-based pre-filter: cheap signals that mark a clear duplicate.
	if hit := d.prefilter(analysis, existing); hit != nil {
		return hit, nil, nil
	}

	// Contextual arbitration.
	return d.arbitrate(ctx, analysis, existing)
}

// prefilter returns a duplicate decision when any rule matches, nil
// otherwise.
func (d *Deduper) prefilter(a *Analysis, existing []ExistingThreat) *Decision {
	hash := SemanticHash(a.ThreatLevel, a.ThreatType, a.Summary, a.Keywords, a.Locations)
	prefix := summaryPrefix(a.Summary)

	for _, t := range existing {
		if t.Level == a.ThreatLevel && t.Type == a.ThreatType && t.SemanticHash == hash {
			return duplicateOf(t.ID, "identical semantic hash")
		}

		existingPrefix := summaryPrefix(t.Summary)
		if prefix == existingPrefix && prefix != "" {
			return duplicateOf(t.ID, "identical summary prefix")
		}
		if len(prefix) >= 30 && len(existingPrefix) >= 30 &&
			(strings.Contains(prefix, existingPrefix) || strings.Contains(existingPrefix, prefix)) {
			return duplicateOf(t.ID, "mutually contained summary prefix")
		}

		shared := sharedKeywords(a.Keywords, t.Keywords)
		need := 2
		if len(a.Keywords) < 2 || len(t.Keywords) < 2 {
			need = 1
		}
		if shared >= need && shared > 0 {
			return duplicateOf(t.ID, fmt.Sprintf("%d shared keywords", shared))
		}

		if anyLocationWithinKM(a.Locations, t.Locations, 1.0) {
			return duplicateOf(t.ID, "location within 1 km of existing threat")
		}
	}
	return nil
}

func duplicateOf(id, reason string) *Decision {
	return &Decision{Action: ActionDuplicate, ThreatID: id, Reasoning: reason, Confidence: 0.95}
}

// arbitrate asks the dedup model for a decision. Any parse or validation
// failure falls back to new_threat with confidence 0.5 rather than losing
// the analysis.
func (d *Deduper) arbitrate(ctx context.Context, a *Analysis, existing []ExistingThreat) (*Decision, *Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, DedupTimeout)
	defer cancel()

	resp, err := d.llm.CreateResponse(ctx, &Request{
		Model: d.model(ctx),
		Input: []InputMessage{
			{Role: "system", Content: dedupSystemPrompt},
			{Role: "user", Content: buildDedupUserPrompt(a, existing)},
		},
	})
	if err != nil {
		return nil, nil, err
	}

	decision, perr := parseDecision(resp.Text())
	if perr != nil {
		d.log.Warn("arbitration response unusable, defaulting to new_threat", "error", perr)
		return &Decision{
			Action:     ActionNew,
			Reasoning:  "arbitration response unusable",
			Confidence: 0.5,
		}, &resp.Usage, nil
	}
	return decision, &resp.Usage, nil
}

// parseDecision decodes and validates the strict arbitration object.
func parseDecision(text string) (*Decision, error) {
	text = strings.TrimSpace(text)
	// Models occasionally wrap JSON in a fenced block.
	if i := strings.Index(text, "{"); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "}"); i >= 0 {
		text = text[:i+1]
	}

	var dec Decision
	if err := json.Unmarshal([]byte(text), &dec); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	switch dec.Action {
	case ActionNew:
		if len(dec.ThreatData) == 0 {
			return nil, fmt.Errorf("new_threat decision missing threat_data")
		}
	case ActionUpdate:
		if dec.ThreatID == "" {
			return nil, fmt.Errorf("update_existing decision missing threat_id")
		}
		if len(dec.UpdateData) == 0 {
			return nil, fmt.Errorf("update_existing decision missing update_data")
		}
	case ActionDuplicate:
	default:
		return nil, fmt.Errorf("invalid action %q", dec.Action)
	}
	return &dec, nil
}

// ============================================================================
// RULE HELPERS
// ============================================================================

// summaryPrefix normalizes a summary for comparison: first 80 characters,
// lowercased, whitespace collapsed.
func summaryPrefix(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return truncateRunes(s, 80)
}

func sharedKeywords(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[strings.ToLower(strings.TrimSpace(k))] = true
	}
	n := 0
	for _, k := range b {
		if set[strings.ToLower(strings.TrimSpace(k))] {
			n++
		}
	}
	return n
}

func anyLocationWithinKM(a, b []Location, km float64) bool {
	for _, la := range a {
		for _, lb := range b {
			if haversineKM(la.Lat, la.Lng, lb.Lat, lb.Lng) <= km {
				return true
			}
		}
	}
	return false
}

// haversineKM is the great-circle distance between two points.
func haversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKM = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}
