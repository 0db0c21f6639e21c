package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tacmap/backend/internal/apperr"
	"github.com/tacmap/backend/internal/store"
)

const (
	minMonitorInterval = 60
	maxMonitorDomains  = 5
)

type monitorRequest struct {
	Area            string   `json:"area"`
	Focus           string   `json:"focus,omitempty"`
	AllowedDomains  []string `json:"allowedDomains,omitempty"`
	IntervalSeconds int      `json:"intervalSeconds"`
	Active          bool     `json:"active"`
}

func (req *monitorRequest) validate() error {
	if strings.TrimSpace(req.Area) == "" {
		return apperr.New(apperr.KindValidation, "area is required")
	}
	if req.IntervalSeconds < minMonitorInterval {
		return apperr.Newf(apperr.KindValidation, "intervalSeconds must be at least %d", minMonitorInterval)
	}
	if len(req.AllowedDomains) > maxMonitorDomains {
		return apperr.Newf(apperr.KindValidation, "at most %d allowed domains", maxMonitorDomains)
	}
	return nil
}

// normalizeDomains lowercases, strips scheme, path, and leading www, and
// drops duplicates so the stored allowlist holds unique bare hostnames.
// First occurrence wins the ordering.
func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	seen := make(map[string]bool, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "https://")
		d = strings.TrimPrefix(d, "http://")
		if i := strings.IndexByte(d, '/'); i >= 0 {
			d = d[:i]
		}
		d = strings.TrimPrefix(d, "www.")
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	monitors, err := s.store.ListMonitors(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, monitors)
}

func (s *Server) handleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	m := &store.Monitor{
		Area:            strings.TrimSpace(req.Area),
		AllowedDomains:  normalizeDomains(req.AllowedDomains),
		IntervalSeconds: req.IntervalSeconds,
		Active:          req.Active,
		CreatedBy:       claimsFrom(r.Context()).UserID,
	}
	if req.Focus != "" {
		m.Focus = &req.Focus
	}
	if err := s.store.CreateMonitor(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}
	if m.Active {
		if err := s.supervisor.Start(r.Context(), m.ID, nil); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMonitor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpdateMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	m, err := s.store.GetMonitor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	m.Area = strings.TrimSpace(req.Area)
	m.Focus = nil
	if req.Focus != "" {
		m.Focus = &req.Focus
	}
	m.AllowedDomains = normalizeDomains(req.AllowedDomains)
	m.IntervalSeconds = req.IntervalSeconds
	if err := s.store.UpdateMonitor(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}

	// A running monitor picks the new definition up on its next tick; the
	// interval change needs a reschedule.
	if s.supervisor.IsRunning(m.ID) {
		if err := s.supervisor.Start(r.Context(), m.ID, nil); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMonitor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.supervisor.IsRunning(id) {
		if err := s.supervisor.Stop(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.store.DeleteMonitor(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStartMonitor(w http.ResponseWriter, r *http.Request) {
	var delay *time.Duration
	// Optional body: {"delaySeconds": n} overrides the deterministic jitter.
	if body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4096)); err == nil && len(body) > 0 {
		var req struct {
			DelaySeconds *int `json:"delaySeconds"`
		}
		if err := json.Unmarshal(body, &req); err == nil && req.DelaySeconds != nil && *req.DelaySeconds >= 0 {
			d := time.Duration(*req.DelaySeconds) * time.Second
			delay = &d
		}
	}
	if err := s.supervisor.Start(r.Context(), mux.Vars(r)["id"], delay); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopMonitor(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Stop(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleTestMonitor runs one ad-hoc search for the stored definition without
// touching the schedule.
func (s *Server) handleTestMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMonitor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.pipeline.TestMonitor(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRunLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 100)
	logs, err := s.store.ListRunLogs(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleSuggestSources(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Area string `json:"area"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Area) == "" {
		writeError(w, apperr.New(apperr.KindValidation, "area is required"))
		return
	}
	domains, err := s.pipeline.SuggestSources(r.Context(), req.Area)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"domains": normalizeDomains(domains)})
}

// ============================================================================
// THREATS
// ============================================================================

var validThreatStatuses = map[string]bool{
	store.ThreatStatusPending:   true,
	store.ThreatStatusReviewed:  true,
	store.ThreatStatusApproved:  true,
	store.ThreatStatusDismissed: true,
}

func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !validThreatStatuses[status] {
		writeError(w, apperr.Newf(apperr.KindValidation, "invalid status %q", status))
		return
	}
	threats, err := s.store.ListThreats(r.Context(), status, queryInt(r, "limit", 50, 200))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threats)
}

func (s *Server) handleThreatStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !validThreatStatuses[req.Status] {
		writeError(w, apperr.Newf(apperr.KindValidation, "invalid status %q", req.Status))
		return
	}
	if err := s.store.SetThreatStatus(r.Context(), mux.Vars(r)["id"], req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
