// Package threat drives the scheduled search-and-deduplicate pipeline: it
// queries an external LLM with real-time search tools, validates the
// returned analyses, decides new/update/duplicate against recent stored
// threats, and commits the results.
package threat

import (
	"fmt"
	"math"
)

// Threat severity levels, ordered.
const (
	LevelLow      = "LOW"
	LevelMedium   = "MEDIUM"
	LevelHigh     = "HIGH"
	LevelCritical = "CRITICAL"
)

var levelRank = map[string]int{
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
}

// Threat categories.
var validTypes = map[string]bool{
	"VIOLENCE":         true,
	"TERRORISM":        true,
	"NATURAL_DISASTER": true,
	"CIVIL_UNREST":     true,
	"INFRASTRUCTURE":   true,
	"CYBER":            true,
	"HEALTH_EMERGENCY": true,
}

// Location is a georeferenced point attached to an analysis.
type Location struct {
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	Name            string  `json:"name,omitempty"`
	Confidence      float64 `json:"confidence"`
	Source          string  `json:"source"`
	RadiusKM        float64 `json:"radius_km,omitempty"`
	AreaDescription string  `json:"area_description,omitempty"`
}

// Analysis is one incident as returned by the search model.
type Analysis struct {
	ThreatLevel     string     `json:"threat_level"`
	ThreatType      string     `json:"threat_type"`
	ConfidenceScore float64    `json:"confidence_score"`
	Summary         string     `json:"summary"`
	Locations       []Location `json:"locations"`
	Keywords        []string   `json:"keywords"`
	Reasoning       string     `json:"reasoning,omitempty"`
	Citations       []string   `json:"citations"`
}

// Validate rejects analyses with missing required fields, out-of-range
// confidence, invalid enums, or non-finite coordinates.
func (a *Analysis) Validate() error {
	if _, ok := levelRank[a.ThreatLevel]; !ok {
		return fmt.Errorf("invalid threat_level %q", a.ThreatLevel)
	}
	if !validTypes[a.ThreatType] {
		return fmt.Errorf("invalid threat_type %q", a.ThreatType)
	}
	if a.ConfidenceScore < 0 || a.ConfidenceScore > 1 || math.IsNaN(a.ConfidenceScore) {
		return fmt.Errorf("confidence_score %v out of range", a.ConfidenceScore)
	}
	if a.Summary == "" {
		return fmt.Errorf("summary is required")
	}
	for i, loc := range a.Locations {
		if !isFinite(loc.Lat) || !isFinite(loc.Lng) {
			return fmt.Errorf("location %d has non-finite coordinates", i)
		}
		if loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
			return fmt.Errorf("location %d out of range", i)
		}
	}
	return nil
}

// MeetsMaterializationBar reports whether the analysis should become a map
// entity: level at least MEDIUM and at least one location.
func MeetsMaterializationBar(level string, locationCount int) bool {
	return levelRank[level] >= levelRank[LevelMedium] && locationCount > 0
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
