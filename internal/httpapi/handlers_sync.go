package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tacmap/backend/internal/teamsync"
)

// The sync endpoints mirror the realtime events exactly: same payloads, same
// validation, same broadcasts. Both paths delegate to the sync core.

func (s *Server) handleSyncLocation(w http.ResponseWriter, r *http.Request) {
	var p teamsync.LocationPayload
	if !decodeBody(w, r, &p) {
		return
	}
	row, err := s.sync.SubmitLocation(r.Context(), claimsFrom(r.Context()).UserID, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleSyncAnnotation(w http.ResponseWriter, r *http.Request) {
	var p teamsync.AnnotationPayload
	if !decodeBody(w, r, &p) {
		return
	}
	row, err := s.sync.SubmitAnnotation(r.Context(), claimsFrom(r.Context()).UserID, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleSyncMessage(w http.ResponseWriter, r *http.Request) {
	var p teamsync.MessagePayload
	if !decodeBody(w, r, &p) {
		return
	}
	row, err := s.sync.SubmitMessage(r.Context(), claimsFrom(r.Context()).UserID, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

// The read endpoints serve dashboard snapshots: recent locations, the
// annotation set, and the message backlog for one team.

func (s *Server) handleSyncLocations(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(queryInt(r, "minutes", 60, 1440)) * time.Minute
	rows, err := s.sync.TeamLocations(r.Context(), claimsFrom(r.Context()).UserID,
		r.URL.Query().Get("teamId"), window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSyncAnnotations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.sync.TeamAnnotations(r.Context(), claimsFrom(r.Context()).UserID,
		r.URL.Query().Get("teamId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSyncAnnotationByID(w http.ResponseWriter, r *http.Request) {
	row, err := s.sync.Annotation(r.Context(), claimsFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleSyncMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 200)
	rows, err := s.sync.TeamMessages(r.Context(), claimsFrom(r.Context()).UserID,
		r.URL.Query().Get("teamId"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
