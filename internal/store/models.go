package store

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// ============================================================================
// DATA MODELS — one struct per table, db tags match the schema in
// migrations.go. JSON columns go through sqlx/types.JSONText so callers can
// round-trip arbitrary payloads without per-row marshaling code.
// ============================================================================

// User is an operator or field-team account.
type User struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Email        *string   `db:"email" json:"email,omitempty"`
	PasswordHash string    `db:"password_hash" json:"-"`
	IsAdmin      bool      `db:"is_admin" json:"isAdmin"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Team groups users for location/annotation/message sharing.
type Team struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// TeamMember is a (user, team) membership pair. A membership exists iff the
// user may read/write that team's data.
type TeamMember struct {
	UserID    string    `db:"user_id" json:"userId"`
	TeamID    string    `db:"team_id" json:"teamId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Location is an append-only position sample.
type Location struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	TeamID    string    `db:"team_id" json:"teamId"`
	Latitude  float64   `db:"latitude" json:"latitude"`
	Longitude float64   `db:"longitude" json:"longitude"`
	Altitude  *float64  `db:"altitude" json:"altitude,omitempty"`
	Accuracy  *float64  `db:"accuracy" json:"accuracy,omitempty"`
	Timestamp int64     `db:"client_timestamp" json:"timestamp"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Annotation is an upsertable map entity owned by a user within a team.
// Data is an opaque JSON object capped at 50 KB serialized.
type Annotation struct {
	ID        string         `db:"id" json:"id"`
	UserID    string         `db:"user_id" json:"userId"`
	TeamID    string         `db:"team_id" json:"teamId"`
	Type      string         `db:"type" json:"type"`
	Data      types.JSONText `db:"data" json:"data"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

// Message is an append-only team chat entry.
type Message struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	TeamID    string    `db:"team_id" json:"teamId"`
	Type      string    `db:"type" json:"messageType"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Setting is a persisted config entry keyed by the enumerated settings keys.
type Setting struct {
	Key       string         `db:"key" json:"key"`
	Value     types.JSONText `db:"value" json:"value"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

// Monitor is a periodic threat-search definition.
type Monitor struct {
	ID              string         `db:"id" json:"id"`
	Area            string         `db:"area" json:"area"`
	Focus           *string        `db:"focus" json:"focus,omitempty"`
	AllowedDomains  pq.StringArray `db:"allowed_domains" json:"allowedDomains"`
	IntervalSeconds int            `db:"interval_seconds" json:"intervalSeconds"`
	Active          bool           `db:"active" json:"active"`
	LastSearched    *time.Time     `db:"last_searched" json:"lastSearched,omitempty"`
	CreatedBy       string         `db:"created_by" json:"createdBy"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// Threat is a deduplicated incident produced by the pipeline.
type Threat struct {
	ID            string         `db:"id" json:"id"`
	Level         string         `db:"level" json:"level"`
	Type          string         `db:"type" json:"type"`
	Confidence    float64        `db:"confidence" json:"confidence"`
	Summary       string         `db:"summary" json:"summary"`
	Locations     types.JSONText `db:"locations" json:"locations"`
	Keywords      pq.StringArray `db:"keywords" json:"keywords"`
	Citations     types.JSONText `db:"citations" json:"citations"`
	Area          string         `db:"area" json:"area"`
	SemanticHash  string         `db:"semantic_hash" json:"semanticHash"`
	UpdateCount   int            `db:"update_count" json:"updateCount"`
	UpdateHistory types.JSONText `db:"update_history" json:"updateHistory"`
	Status        string         `db:"status" json:"status"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updatedAt"`
}

// Threat admin review statuses.
const (
	ThreatStatusPending   = "pending"
	ThreatStatusReviewed  = "reviewed"
	ThreatStatusApproved  = "approved"
	ThreatStatusDismissed = "dismissed"
)

// ThreatAnnotation is a realized threat materialized for operator display.
type ThreatAnnotation struct {
	ID          string    `db:"id" json:"id"`
	ThreatID    string    `db:"threat_id" json:"threatId"`
	Latitude    float64   `db:"latitude" json:"latitude"`
	Longitude   float64   `db:"longitude" json:"longitude"`
	Level       string    `db:"level" json:"level"`
	Type        string    `db:"type" json:"type"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	ExpiresAt   time.Time `db:"expires_at" json:"expiresAt"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// RunLog is the audit record of one monitor tick.
type RunLog struct {
	ID           string         `db:"id" json:"id"`
	MonitorID    string         `db:"monitor_id" json:"monitorId"`
	SystemPrompt string         `db:"system_prompt" json:"systemPrompt"`
	UserPrompt   string         `db:"user_prompt" json:"userPrompt"`
	RawResponse  string         `db:"raw_response" json:"rawResponse"`
	ThreatsFound int            `db:"threats_found" json:"threatsFound"`
	Citations    types.JSONText `db:"citations" json:"citations,omitempty"`
	RequestBody  types.JSONText `db:"request_body" json:"requestBody,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
}

// UsageEntry records token counts and estimated cost for one AI call.
type UsageEntry struct {
	ID           string    `db:"id" json:"id"`
	Model        string    `db:"model" json:"model"`
	InputTokens  int       `db:"input_tokens" json:"inputTokens"`
	OutputTokens int       `db:"output_tokens" json:"outputTokens"`
	TotalTokens  int       `db:"total_tokens" json:"totalTokens"`
	CostUSD      float64   `db:"cost_usd" json:"costUsd"`
	CallType     string    `db:"call_type" json:"callType"`
	MonitorID    *string   `db:"monitor_id" json:"monitorId,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// AI call types recorded in usage entries.
const (
	CallTypeSearch         = "search"
	CallTypeDeduplication  = "deduplication"
	CallTypeTest           = "test"
	CallTypeSuggestSources = "suggest_sources"
)
