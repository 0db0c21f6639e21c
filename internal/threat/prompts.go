package threat

import (
	"fmt"
	"strings"
	"time"
)

// searchSystemPrompt instructs the model to return only specific,
// actionable incidents as a JSON array matching the Analysis schema.
const searchSystemPrompt = `You are a threat intelligence analyst supporting field teams. Search real-time sources for the requested area and report ONLY specific, actionable incidents happening now or imminently.

Return a JSON array. Each element must be an object with exactly these fields:
- "threat_level": one of "LOW", "MEDIUM", "HIGH", "CRITICAL"
- "threat_type": one of "VIOLENCE", "TERRORISM", "NATURAL_DISASTER", "CIVIL_UNREST", "INFRASTRUCTURE", "CYBER", "HEALTH_EMERGENCY"
- "confidence_score": number between 0 and 1
- "summary": one or two sentences describing the specific incident
- "locations": array of {"lat", "lng", "name", "confidence", "source", "radius_km", "area_description"}
- "keywords": array of short lowercase strings
- "reasoning": why this qualifies as a threat
- "citations": array of source URLs

Rules:
- Report concrete incidents only. No general advisories, no historical events, no speculation.
- If nothing qualifies, return an empty array [].
- Never invent coordinates; omit the locations entry if the position is unknown.
- Output the JSON array and nothing else.`

// buildSearchUserPrompt frames the area, optional focus, and the search
// window for the model.
func buildSearchUserPrompt(area, focus string, from, to time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search for current threats in: %s\n", area)
	if focus != "" {
		fmt.Fprintf(&b, "Focus on: %s\n", focus)
	}
	fmt.Fprintf(&b, "Time window: %s to %s (UTC)\n",
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	b.WriteString("Report only incidents within this window and area.")
	return b.String()
}

// dedupSystemPrompt drives the contextual arbitration stage. The model must
// return a single strict JSON object describing its decision.
const dedupSystemPrompt = `You decide whether a newly detected threat duplicates an existing one, updates it with new information, or is genuinely new.

Respond with ONE JSON object and nothing else:
{
  "action": "new_threat" | "update_existing" | "duplicate",
  "threat_id": "<required when action is update_existing or duplicate>",
  "threat_data": { ... full threat fields, required when action is new_threat ... },
  "update_data": { ... only the fields that changed, required when action is update_existing ... },
  "reasoning": "<one sentence>",
  "confidence": <number between 0 and 1>
}

Guidance:
- "duplicate": same incident already recorded, nothing new learned.
- "update_existing": same incident but the new report adds or corrects details (casualties, spread, containment, precise position).
- "new_threat": a distinct incident, even if nearby or similar in kind.`

// buildDedupUserPrompt serializes the candidate analysis and a slimmed view
// of the existing threats: at most ten, summaries truncated to 150
// characters, citations omitted.
func buildDedupUserPrompt(candidate *Analysis, existing []ExistingThreat) string {
	var b strings.Builder
	b.WriteString("NEW ANALYSIS:\n")
	fmt.Fprintf(&b, "level=%s type=%s confidence=%.2f\n", candidate.ThreatLevel, candidate.ThreatType, candidate.ConfidenceScore)
	fmt.Fprintf(&b, "summary: %s\n", candidate.Summary)
	fmt.Fprintf(&b, "keywords: %s\n", strings.Join(candidate.Keywords, ", "))
	for _, l := range candidate.Locations {
		fmt.Fprintf(&b, "location: %.4f,%.4f %s\n", l.Lat, l.Lng, l.Name)
	}

	b.WriteString("\nEXISTING THREATS:\n")
	n := len(existing)
	if n > 10 {
		n = 10
	}
	for _, t := range existing[:n] {
		summary := t.Summary
		if len(summary) > 150 {
			summary = summary[:150]
		}
		fmt.Fprintf(&b, "- id=%s level=%s type=%s updated=%s\n  %s\n",
			t.ID, t.Level, t.Type, t.UpdatedAt.UTC().Format(time.RFC3339), summary)
	}
	return b.String()
}

// suggestSourcesPrompt asks for news domains worth allowlisting for an
// area.
const suggestSourcesPrompt = `Suggest up to 5 reputable news domains that provide timely local coverage for the given area. Respond with a JSON array of bare hostnames (e.g. ["example.com"]) and nothing else.`
