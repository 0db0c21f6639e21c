// Package teamsync is the sync core: it validates incoming location,
// annotation, and message payloads, enforces team membership, writes
// canonical state, and emits broadcast events. Both the HTTP surface and
// the realtime gateway delegate here; neither writes team data directly.
package teamsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tacmap/backend/internal/apperr"
	"github.com/tacmap/backend/internal/metrics"
	"github.com/tacmap/backend/internal/store"
)

// Broadcaster fans events out to realtime subscribers. The gateway is the
// sole implementer; tests substitute a recorder.
type Broadcaster interface {
	BroadcastToTeam(teamID, event string, payload any)
	BroadcastToAdmins(event string, payload any)
}

// Payload bounds.
const (
	maxAnnotationBytes = 50 * 1024
	maxMessageChars    = 2000
	maxTypeChars       = 64

	timestampPastWindow   = 7 * 24 * time.Hour
	timestampFutureWindow = 5 * time.Minute
)

// LocationPayload is a client position report.
type LocationPayload struct {
	TeamID    string   `json:"teamId" validate:"required,uuid"`
	Latitude  float64  `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64  `json:"longitude" validate:"min=-180,max=180"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp int64    `json:"timestamp" validate:"required"`
}

// AnnotationPayload upserts a map annotation. AnnotationID is assigned when
// absent.
type AnnotationPayload struct {
	TeamID       string         `json:"teamId" validate:"required,uuid"`
	AnnotationID string         `json:"annotationId,omitempty" validate:"omitempty,uuid"`
	Type         string         `json:"type" validate:"required,max=64"`
	Data         map[string]any `json:"data" validate:"required"`
}

// MessagePayload appends a team chat message.
type MessagePayload struct {
	TeamID      string `json:"teamId" validate:"required,uuid"`
	MessageType string `json:"messageType" validate:"required,eq=text"`
	Content     string `json:"content" validate:"required,min=1,max=2000"`
}

// Service is the sync core.
type Service struct {
	store    *store.Store
	bc       Broadcaster
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	teamLocks map[string]*sync.Mutex
}

// New builds the sync core. The broadcaster may be wired after construction
// because the gateway also depends on the service.
func New(st *store.Store, log *slog.Logger) *Service {
	return &Service{
		store:     st,
		validate:  validator.New(),
		log:       log.With("component", "sync"),
		now:       time.Now,
		teamLocks: make(map[string]*sync.Mutex),
	}
}

// lockTeam returns the mutex serializing commit and broadcast for one team.
// Holding it across the write and the emit keeps subscriber delivery order
// equal to commit order even when two connections write at the same time.
func (s *Service) lockTeam(teamID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.teamLocks[teamID]
	if !ok {
		l = &sync.Mutex{}
		s.teamLocks[teamID] = l
	}
	return l
}

// SetBroadcaster wires the fan-out sink. Must be called before serving.
func (s *Service) SetBroadcaster(bc Broadcaster) { s.bc = bc }

// AssertMembership fails with Forbidden unless (user, team) is a
// membership. Every write operation calls this first.
func (s *Service) AssertMembership(ctx context.Context, userID, teamID string) error {
	ok, err := s.store.IsTeamMember(ctx, userID, teamID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindForbidden, "not a member of this team")
	}
	return nil
}

// SubmitLocation validates and appends a location sample, then broadcasts
// location:update to the team room. The broadcast only happens after the
// row is durable.
func (s *Service) SubmitLocation(ctx context.Context, userID string, p LocationPayload) (*store.Location, error) {
	if err := s.validate.Struct(p); err != nil {
		metrics.SyncOps.WithLabelValues("location", "invalid").Inc()
		return nil, apperr.Wrap(apperr.KindValidation, "invalid location payload", err)
	}
	if err := s.checkTimestamp(p.Timestamp); err != nil {
		metrics.SyncOps.WithLabelValues("location", "invalid").Inc()
		return nil, err
	}
	if p.Altitude != nil && (*p.Altitude < -500 || *p.Altitude > 15000) {
		metrics.SyncOps.WithLabelValues("location", "invalid").Inc()
		return nil, apperr.New(apperr.KindValidation, "altitude out of range")
	}
	if p.Accuracy != nil && (*p.Accuracy < 0 || *p.Accuracy > 10000) {
		metrics.SyncOps.WithLabelValues("location", "invalid").Inc()
		return nil, apperr.New(apperr.KindValidation, "accuracy out of range")
	}
	if err := s.AssertMembership(ctx, userID, p.TeamID); err != nil {
		metrics.SyncOps.WithLabelValues("location", "forbidden").Inc()
		return nil, err
	}

	lock := s.lockTeam(p.TeamID)
	lock.Lock()
	defer lock.Unlock()

	loc := &store.Location{
		ID:        uuid.NewString(),
		UserID:    userID,
		TeamID:    p.TeamID,
		Latitude:  round7(p.Latitude),
		Longitude: round7(p.Longitude),
		Altitude:  p.Altitude,
		Accuracy:  p.Accuracy,
		Timestamp: p.Timestamp,
	}
	if err := s.store.InsertLocation(ctx, loc); err != nil {
		metrics.SyncOps.WithLabelValues("location", "error").Inc()
		return nil, err
	}

	metrics.SyncOps.WithLabelValues("location", "ok").Inc()
	s.emit(p.TeamID, "location:update", map[string]any{
		"userId":    userID,
		"teamId":    p.TeamID,
		"latitude":  loc.Latitude,
		"longitude": loc.Longitude,
		"altitude":  loc.Altitude,
		"accuracy":  loc.Accuracy,
		"timestamp": loc.Timestamp,
	})
	return loc, nil
}

// SubmitAnnotation validates and upserts an annotation, then broadcasts the
// resulting row as annotation:update.
func (s *Service) SubmitAnnotation(ctx context.Context, userID string, p AnnotationPayload) (*store.Annotation, error) {
	if err := s.validate.Struct(p); err != nil {
		metrics.SyncOps.WithLabelValues("annotation", "invalid").Inc()
		return nil, apperr.Wrap(apperr.KindValidation, "invalid annotation payload", err)
	}
	data, err := json.Marshal(p.Data)
	if err != nil {
		metrics.SyncOps.WithLabelValues("annotation", "invalid").Inc()
		return nil, apperr.Wrap(apperr.KindValidation, "annotation data is not serializable", err)
	}
	if len(data) > maxAnnotationBytes {
		metrics.SyncOps.WithLabelValues("annotation", "invalid").Inc()
		return nil, apperr.Newf(apperr.KindValidation, "annotation data exceeds %d bytes", maxAnnotationBytes)
	}
	if err := s.AssertMembership(ctx, userID, p.TeamID); err != nil {
		metrics.SyncOps.WithLabelValues("annotation", "forbidden").Inc()
		return nil, err
	}

	lock := s.lockTeam(p.TeamID)
	lock.Lock()
	defer lock.Unlock()

	id := p.AnnotationID
	if id == "" {
		id = uuid.NewString()
	}
	row, err := s.store.UpsertAnnotation(ctx, &store.Annotation{
		ID:     id,
		UserID: userID,
		TeamID: p.TeamID,
		Type:   p.Type,
		Data:   data,
	})
	if err != nil {
		metrics.SyncOps.WithLabelValues("annotation", "error").Inc()
		return nil, err
	}

	metrics.SyncOps.WithLabelValues("annotation", "ok").Inc()
	s.emit(p.TeamID, "annotation:update", row)
	return row, nil
}

// SubmitMessage validates and appends a chat message, then broadcasts
// message:received.
func (s *Service) SubmitMessage(ctx context.Context, userID string, p MessagePayload) (*store.Message, error) {
	if err := s.validate.Struct(p); err != nil {
		metrics.SyncOps.WithLabelValues("message", "invalid").Inc()
		return nil, apperr.Wrap(apperr.KindValidation, "invalid message payload", err)
	}
	if err := s.AssertMembership(ctx, userID, p.TeamID); err != nil {
		metrics.SyncOps.WithLabelValues("message", "forbidden").Inc()
		return nil, err
	}

	lock := s.lockTeam(p.TeamID)
	lock.Lock()
	defer lock.Unlock()

	msg := &store.Message{
		ID:      uuid.NewString(),
		UserID:  userID,
		TeamID:  p.TeamID,
		Type:    p.MessageType,
		Content: p.Content,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		metrics.SyncOps.WithLabelValues("message", "error").Inc()
		return nil, err
	}

	metrics.SyncOps.WithLabelValues("message", "ok").Inc()
	s.emit(p.TeamID, "message:received", msg)
	return msg, nil
}

// ============================================================================
// READS
// ============================================================================

// TeamLocations returns the team's location samples within the window,
// newest first. Reads are membership-gated the same as writes.
func (s *Service) TeamLocations(ctx context.Context, userID, teamID string, window time.Duration) ([]store.Location, error) {
	if err := checkUUID("teamId", teamID); err != nil {
		return nil, err
	}
	if err := s.AssertMembership(ctx, userID, teamID); err != nil {
		return nil, err
	}
	return s.store.RecentLocations(ctx, teamID, window)
}

// TeamAnnotations returns the team's annotations, most recently updated
// first.
func (s *Service) TeamAnnotations(ctx context.Context, userID, teamID string) ([]store.Annotation, error) {
	if err := checkUUID("teamId", teamID); err != nil {
		return nil, err
	}
	if err := s.AssertMembership(ctx, userID, teamID); err != nil {
		return nil, err
	}
	return s.store.ListAnnotations(ctx, teamID)
}

// TeamMessages returns the latest team messages, newest first.
func (s *Service) TeamMessages(ctx context.Context, userID, teamID string, limit int) ([]store.Message, error) {
	if err := checkUUID("teamId", teamID); err != nil {
		return nil, err
	}
	if err := s.AssertMembership(ctx, userID, teamID); err != nil {
		return nil, err
	}
	return s.store.RecentMessages(ctx, teamID, limit)
}

// Annotation fetches a single annotation, enforcing membership of the team
// it belongs to.
func (s *Service) Annotation(ctx context.Context, userID, annotationID string) (*store.Annotation, error) {
	if err := checkUUID("annotationId", annotationID); err != nil {
		return nil, err
	}
	a, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return nil, err
	}
	if err := s.AssertMembership(ctx, userID, a.TeamID); err != nil {
		return nil, err
	}
	return a, nil
}

// checkUUID guards raw query parameters before they reach uuid columns.
func checkUUID(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Newf(apperr.KindValidation, "%s must be a uuid", field)
	}
	return nil
}

// emit broadcasts a committed write to its team room and mirrors a summary
// to admin subscribers. Callers hold the team lock, so enqueue order per
// room matches commit order.
func (s *Service) emit(teamID, event string, payload any) {
	if s.bc == nil {
		s.log.Warn("broadcast skipped, no broadcaster wired", "event", event)
		return
	}
	s.bc.BroadcastToTeam(teamID, event, payload)
	s.bc.BroadcastToAdmins("admin:sync_activity", map[string]any{
		"event":  event,
		"teamId": teamID,
		"at":     s.now().UTC(),
	})
}

// checkTimestamp bounds client timestamps to [now-7d, now+5min].
func (s *Service) checkTimestamp(ms int64) error {
	ts := time.UnixMilli(ms)
	now := s.now()
	if ts.Before(now.Add(-timestampPastWindow)) || ts.After(now.Add(timestampFutureWindow)) {
		return apperr.New(apperr.KindValidation, "timestamp outside accepted window")
	}
	return nil
}

// round7 truncates coordinates to 7 decimal places, the precision the wire
// format promises.
func round7(v float64) float64 {
	const scale = 1e7
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return float64(int64(v*scale-0.5)) / scale
}
