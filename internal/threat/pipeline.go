package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tacmap/backend/internal/metrics"
	"github.com/tacmap/backend/internal/settings"
	"github.com/tacmap/backend/internal/store"
)

// Fallback models when the settings table has none configured.
const (
	defaultSearchModel = "grok-4"
	defaultDedupModel  = "grok-3-mini"
)

const maxAllowedDomains = 5

// Broadcaster is the slice of the gateway the pipeline needs: pushing
// detection events to admin channels.
type Broadcaster interface {
	BroadcastToAdmins(event string, payload any)
}

// Pipeline executes one monitor tick end to end: search, validate, dedup,
// commit, materialize, account.
type Pipeline struct {
	store    *store.Store
	settings *settings.Cache
	llm      *Client
	deduper  *Deduper
	bc       Broadcaster
	pricing  *PricingTable
	log      *slog.Logger
	now      func() time.Time
}

// New wires the pipeline. The deduper shares the LLM client and resolves its
// model from the same settings cache.
func New(st *store.Store, cache *settings.Cache, llm *Client, bc Broadcaster, pricing *PricingTable, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		store:    st,
		settings: cache,
		llm:      llm,
		bc:       bc,
		pricing:  pricing,
		log:      log.With("component", "pipeline"),
		now:      time.Now,
	}
	p.deduper = NewDeduper(llm, p.dedupModel, log)
	return p
}

func (p *Pipeline) searchModel(ctx context.Context) string {
	m, err := p.settings.GetString(ctx, settings.KeySearchModel)
	if err != nil || m == "" {
		return defaultSearchModel
	}
	return m
}

func (p *Pipeline) dedupModel(ctx context.Context) string {
	m, err := p.settings.GetString(ctx, settings.KeyDedupModel)
	if err != nil || m == "" {
		return defaultDedupModel
	}
	return m
}

// RunTick performs one full search-and-commit cycle for the monitor.
func (p *Pipeline) RunTick(ctx context.Context, m *store.Monitor) error {
	started := p.now().UTC()
	log := p.log.With("monitor_id", m.ID, "area", m.Area)

	from, to := p.window(m, started)

	req, resp, err := p.search(ctx, m, from, to)
	if err != nil {
		return fmt.Errorf("search for monitor %s: %w", m.ID, err)
	}
	p.recordUsage(ctx, resp, store.CallTypeSearch, &m.ID)

	analyses := p.parseAnalyses(resp.Text(), log)
	enrichCitations(analyses, resp.Citations)

	existing, err := p.existingForArea(ctx, m.Area)
	if err != nil {
		return err
	}

	committed := 0
	for i := range analyses {
		a := &analyses[i]
		decision, usage, err := p.deduper.Decide(ctx, a, existing)
		if err != nil {
			log.Error("dedup failed, skipping analysis", "error", err)
			continue
		}
		if usage != nil {
			p.recordUsageCounts(ctx, p.dedupModel(ctx), usage, store.CallTypeDeduplication, &m.ID, 0)
		}
		metrics.ThreatDecisions.WithLabelValues(string(decision.Action)).Inc()

		t, err := p.commit(ctx, m, a, decision, log)
		if err != nil {
			log.Error("commit failed", "action", decision.Action, "error", err)
			continue
		}
		if t != nil {
			committed++
			existing = append(existing, existingFromStored(t))
			p.materialize(ctx, t, string(decision.Action), log)
		}
	}

	p.writeRunLog(ctx, m, req, resp, len(analyses))

	if err := p.store.TouchMonitorSearched(ctx, m.ID, p.now()); err != nil {
		log.Warn("last_searched update failed", "error", err)
	}
	log.Info("tick complete",
		"analyses", len(analyses), "committed", committed,
		"duration", p.now().UTC().Sub(started).Round(time.Millisecond))
	return nil
}

// window computes the search interval: [last_searched - 5 min, now], or the
// past hour for a monitor that has never run.
func (p *Pipeline) window(m *store.Monitor, now time.Time) (time.Time, time.Time) {
	if m.LastSearched != nil {
		return m.LastSearched.Add(-5 * time.Minute), now
	}
	return now.Add(-time.Hour), now
}

// search issues the LLM search call, retrying once without the structured
// output constraint when the model rejects it.
func (p *Pipeline) search(ctx context.Context, m *store.Monitor, from, to time.Time) (*Request, *Response, error) {
	ctx, cancel := context.WithTimeout(ctx, SearchTimeout)
	defer cancel()

	focus := ""
	if m.Focus != nil {
		focus = *m.Focus
	}

	tools := []Tool{{
		Type:     toolSocialStream,
		FromDate: from.UTC().Format("2006-01-02"),
		ToDate:   to.UTC().Format("2006-01-02"),
	}}
	if len(m.AllowedDomains) > 0 {
		domains := m.AllowedDomains
		if len(domains) > maxAllowedDomains {
			domains = domains[:maxAllowedDomains]
		}
		tools = append(tools, Tool{Type: toolWebSearch, AllowedDomains: domains})
	}

	req := &Request{
		Model: p.searchModel(ctx),
		Input: []InputMessage{
			{Role: "system", Content: searchSystemPrompt},
			{Role: "user", Content: buildSearchUserPrompt(m.Area, focus, from, to)},
		},
		Tools:      tools,
		ToolChoice: "auto",
		Text:       analysisArrayFormat(),
	}

	resp, err := p.llm.CreateResponse(ctx, req)
	if err == ErrSchemaUnsupported {
		p.log.Warn("model rejected structured output, retrying without", "model", req.Model)
		req.Text = nil
		resp, err = p.llm.CreateResponse(ctx, req)
	}
	if err != nil {
		return req, nil, err
	}
	return req, resp, nil
}

// parseAnalyses decodes the JSON array and drops entries that fail
// validation, logging each rejection.
func (p *Pipeline) parseAnalyses(text string, log *slog.Logger) []Analysis {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "["); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "]"); i >= 0 {
		text = text[:i+1]
	}

	var raw []Analysis
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		log.Warn("search response is not a JSON array", "error", err)
		return nil
	}

	valid := raw[:0]
	for i := range raw {
		if err := raw[i].Validate(); err != nil {
			log.Warn("analysis rejected", "error", err)
			continue
		}
		valid = append(valid, raw[i])
	}
	return valid
}

// enrichCitations prefers the provider's canonical citation list when
// present and guarantees a non-nil list either way.
func enrichCitations(analyses []Analysis, canonical []string) {
	for i := range analyses {
		if len(canonical) > 0 {
			analyses[i].Citations = canonical
		}
		if analyses[i].Citations == nil {
			analyses[i].Citations = []string{}
		}
	}
}

func (p *Pipeline) existingForArea(ctx context.Context, area string) ([]ExistingThreat, error) {
	rows, err := p.store.RecentThreatsByArea(ctx, area, 24)
	if err != nil {
		return nil, err
	}
	out := make([]ExistingThreat, 0, len(rows))
	for i := range rows {
		out = append(out, existingFromStored(&rows[i]))
	}
	return out, nil
}

func existingFromStored(t *store.Threat) ExistingThreat {
	var locs []Location
	_ = json.Unmarshal(t.Locations, &locs)
	return ExistingThreat{
		ID:           t.ID,
		Level:        t.Level,
		Type:         t.Type,
		Summary:      t.Summary,
		Keywords:     []string(t.Keywords),
		Locations:    locs,
		SemanticHash: t.SemanticHash,
		UpdateCount:  t.UpdateCount,
		UpdatedAt:    t.UpdatedAt,
	}
}

// ============================================================================
// COMMIT PATHS
// ============================================================================

// threatPatch is the shape of arbitration overrides and update_data. Only
// the fields present in the JSON are applied.
type threatPatch struct {
	ThreatLevel     *string    `json:"threat_level"`
	ThreatType      *string    `json:"threat_type"`
	ConfidenceScore *float64   `json:"confidence_score"`
	Summary         *string    `json:"summary"`
	Locations       []Location `json:"locations"`
	Keywords        []string   `json:"keywords"`
	Citations       []string   `json:"citations"`
	NewInformation  *string    `json:"new_information"`
}

// historyEntry is one element of a threat's update history.
type historyEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Reasoning      string    `json:"reasoning"`
	Changes        []string  `json:"changes"`
	NewInformation string    `json:"new_information,omitempty"`
}

// commit applies the dedup decision. Returns the stored threat for the
// new/update paths, nil for duplicates.
func (p *Pipeline) commit(ctx context.Context, m *store.Monitor, a *Analysis, dec *Decision, log *slog.Logger) (*store.Threat, error) {
	switch dec.Action {
	case ActionNew:
		return p.commitNew(ctx, m, a, dec, log)
	case ActionUpdate:
		return p.commitUpdate(ctx, dec, log)
	case ActionDuplicate:
		log.Info("duplicate threat skipped", "threat_id", dec.ThreatID, "reasoning", dec.Reasoning)
		return nil, nil
	default:
		return nil, fmt.Errorf("unhandled action %q", dec.Action)
	}
}

// commitNew inserts the analysis, merged with any arbitration overrides.
// Overrides apply field-by-field; original citations and locations survive
// when the override omits them.
func (p *Pipeline) commitNew(ctx context.Context, m *store.Monitor, a *Analysis, dec *Decision, log *slog.Logger) (*store.Threat, error) {
	merged := *a
	if len(dec.ThreatData) > 0 {
		if err := json.Unmarshal(dec.ThreatData, &merged); err != nil {
			log.Warn("threat_data override unusable, keeping original analysis", "error", err)
			merged = *a
		}
	}

	locs, _ := json.Marshal(merged.Locations)
	cites, _ := json.Marshal(merged.Citations)
	t := &store.Threat{
		Level:        merged.ThreatLevel,
		Type:         merged.ThreatType,
		Confidence:   merged.ConfidenceScore,
		Summary:      merged.Summary,
		Locations:    locs,
		Keywords:     merged.Keywords,
		Citations:    cites,
		Area:         m.Area,
		SemanticHash: SemanticHash(merged.ThreatLevel, merged.ThreatType, merged.Summary, merged.Keywords, merged.Locations),
	}
	if err := p.store.InsertThreat(ctx, t); err != nil {
		return nil, err
	}

	log.Info("new threat detected", "threat_id", t.ID, "level", t.Level, "type", t.Type)
	p.bc.BroadcastToAdmins("admin:new_threat_detected", t)
	return t, nil
}

// commitUpdate reads the current row, applies only the provided fields,
// appends a history entry, bumps the update counter, and recomputes the
// semantic hash when an identity field changed.
func (p *Pipeline) commitUpdate(ctx context.Context, dec *Decision, log *slog.Logger) (*store.Threat, error) {
	t, err := p.store.GetThreat(ctx, dec.ThreatID)
	if err != nil {
		return nil, err
	}

	var patch threatPatch
	if err := json.Unmarshal(dec.UpdateData, &patch); err != nil {
		return nil, fmt.Errorf("decode update_data: %w", err)
	}

	var changes []string
	identityChanged := false
	if patch.ThreatLevel != nil && *patch.ThreatLevel != t.Level {
		t.Level = *patch.ThreatLevel
		changes = append(changes, "level")
		identityChanged = true
	}
	if patch.ThreatType != nil && *patch.ThreatType != t.Type {
		t.Type = *patch.ThreatType
		changes = append(changes, "type")
		identityChanged = true
	}
	if patch.ConfidenceScore != nil {
		t.Confidence = *patch.ConfidenceScore
		changes = append(changes, "confidence")
	}
	if patch.Summary != nil && *patch.Summary != t.Summary {
		t.Summary = *patch.Summary
		changes = append(changes, "summary")
		identityChanged = true
	}
	if patch.Locations != nil {
		t.Locations, _ = json.Marshal(patch.Locations)
		changes = append(changes, "locations")
	}
	if patch.Keywords != nil {
		t.Keywords = patch.Keywords
		changes = append(changes, "keywords")
		identityChanged = true
	}
	if patch.Citations != nil {
		t.Citations, _ = json.Marshal(patch.Citations)
		changes = append(changes, "citations")
	}

	entry := historyEntry{
		Timestamp: p.now().UTC(),
		Reasoning: dec.Reasoning,
		Changes:   changes,
	}
	if patch.NewInformation != nil {
		entry.NewInformation = *patch.NewInformation
	}
	var history []historyEntry
	_ = json.Unmarshal(t.UpdateHistory, &history)
	history = append(history, entry)
	t.UpdateHistory, _ = json.Marshal(history)

	t.UpdateCount++
	if identityChanged {
		var locs []Location
		_ = json.Unmarshal(t.Locations, &locs)
		t.SemanticHash = SemanticHash(t.Level, t.Type, t.Summary, t.Keywords, locs)
	}

	if err := p.store.UpdateThreat(ctx, t); err != nil {
		return nil, err
	}

	log.Info("threat updated", "threat_id", t.ID, "changes", changes, "update_count", t.UpdateCount)
	p.bc.BroadcastToAdmins("admin:threat_updated", t)
	return t, nil
}

// materialize turns a sufficiently severe, located threat into a map entity
// that expires after 24 hours.
func (p *Pipeline) materialize(ctx context.Context, t *store.Threat, action string, log *slog.Logger) {
	var locs []Location
	_ = json.Unmarshal(t.Locations, &locs)
	if !MeetsMaterializationBar(t.Level, len(locs)) {
		return
	}

	title := truncateRunes(t.Summary, 80)
	ta := &store.ThreatAnnotation{
		ThreatID:    t.ID,
		Latitude:    locs[0].Lat,
		Longitude:   locs[0].Lng,
		Level:       t.Level,
		Type:        t.Type,
		Title:       title,
		Description: t.Summary,
		ExpiresAt:   p.now().UTC().Add(24 * time.Hour),
	}
	if err := p.store.InsertThreatAnnotation(ctx, ta); err != nil {
		log.Error("threat annotation insert failed", "threat_id", t.ID, "error", err)
		return
	}
	p.bc.BroadcastToAdmins("admin:threat_updated", map[string]any{
		"action":     action,
		"threatId":   t.ID,
		"annotation": ta,
	})
}

// ============================================================================
// BOOKKEEPING
// ============================================================================

func (p *Pipeline) writeRunLog(ctx context.Context, m *store.Monitor, req *Request, resp *Response, found int) {
	cites, _ := json.Marshal(resp.Citations)
	body, _ := json.Marshal(req)
	rl := &store.RunLog{
		MonitorID:    m.ID,
		SystemPrompt: req.Input[0].Content,
		UserPrompt:   req.Input[1].Content,
		RawResponse:  resp.Text(),
		ThreatsFound: found,
		Citations:    cites,
		RequestBody:  body,
	}
	if err := p.store.InsertRunLog(ctx, rl); err != nil {
		p.log.Error("run log insert failed", "monitor_id", m.ID, "error", err)
		return
	}
	if err := p.store.TrimRunLogs(ctx, m.ID); err != nil {
		p.log.Warn("run log trim failed", "monitor_id", m.ID, "error", err)
	}
}

// recordUsage accounts one provider response, including the per-call
// social-stream surcharge.
func (p *Pipeline) recordUsage(ctx context.Context, resp *Response, callType string, monitorID *string) {
	p.recordUsageCounts(ctx, resp.Model, &resp.Usage, callType, monitorID, resp.SocialStreamCalls())
}

func (p *Pipeline) recordUsageCounts(ctx context.Context, model string, u *Usage, callType string, monitorID *string, socialCalls int) {
	cost := p.pricing.EstimateCost(model, u.InputTokens, u.OutputTokens) +
		float64(socialCalls)*SocialStreamCallCost

	metrics.LLMTokens.WithLabelValues("input").Add(float64(u.InputTokens))
	metrics.LLMTokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	metrics.LLMCostUSD.Add(cost)

	err := p.store.InsertUsage(ctx, &store.UsageEntry{
		Model:        model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
		CostUSD:      cost,
		CallType:     callType,
		MonitorID:    monitorID,
	})
	if err != nil {
		p.log.Error("usage insert failed", "call_type", callType, "error", err)
	}
}

// ============================================================================
// AD-HOC OPERATIONS
// ============================================================================

// TestResult is the outcome of a one-shot monitor test search.
type TestResult struct {
	Analyses    []Analysis `json:"analyses"`
	RawResponse string     `json:"rawResponse"`
	Citations   []string   `json:"citations"`
}

// TestMonitor runs a single ad-hoc search for the monitor definition without
// touching its schedule, dedup, or last_searched.
func (p *Pipeline) TestMonitor(ctx context.Context, m *store.Monitor) (*TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, TestTimeout)
	defer cancel()

	now := p.now().UTC()
	from, to := p.window(m, now)
	_, resp, err := p.search(ctx, m, from, to)
	if err != nil {
		return nil, err
	}
	p.recordUsageCounts(ctx, resp.Model, &resp.Usage, store.CallTypeTest, nil, resp.SocialStreamCalls())

	analyses := p.parseAnalyses(resp.Text(), p.log)
	enrichCitations(analyses, resp.Citations)
	if analyses == nil {
		analyses = []Analysis{}
	}
	cites := resp.Citations
	if cites == nil {
		cites = []string{}
	}
	return &TestResult{Analyses: analyses, RawResponse: resp.Text(), Citations: cites}, nil
}

// SuggestSources asks the model for news domains worth allowlisting for an
// area.
func (p *Pipeline) SuggestSources(ctx context.Context, area string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, AdminTimeout)
	defer cancel()

	resp, err := p.llm.CreateResponse(ctx, &Request{
		Model: p.dedupModel(ctx),
		Input: []InputMessage{
			{Role: "system", Content: suggestSourcesPrompt},
			{Role: "user", Content: "Area: " + area},
		},
	})
	if err != nil {
		return nil, err
	}
	p.recordUsageCounts(ctx, resp.Model, &resp.Usage, store.CallTypeSuggestSources, nil, 0)

	text := strings.TrimSpace(resp.Text())
	if i := strings.Index(text, "["); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "]"); i >= 0 {
		text = text[:i+1]
	}
	var domains []string
	if err := json.Unmarshal([]byte(text), &domains); err != nil {
		return nil, fmt.Errorf("parse suggested sources: %w", err)
	}
	if len(domains) > maxAllowedDomains {
		domains = domains[:maxAllowedDomains]
	}
	return domains, nil
}
