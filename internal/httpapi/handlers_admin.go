package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"github.com/tacmap/backend/internal/apperr"
	"github.com/tacmap/backend/internal/settings"
	"github.com/tacmap/backend/internal/vault"
)

// handleAdminStats assembles the dashboard snapshot: table counts, gateway
// census, threat and message activity, and process vitals.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	db, err := s.store.Stats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	activeThreats, err := s.store.CountActiveThreats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	recentMessages, err := s.store.CountRecentMessages(ctx, time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	aiTokens, aiCost, err := s.store.UsageTotals(ctx, 24*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"db":       db,
		"sockets":  s.gateway.Snapshot(),
		"sync":     map[string]string{"status": "ok"},
		"threats":  map[string]int{"active": activeThreats},
		"messages": map[string]int{"recent": recentMessages},
		"ai":       map[string]any{"tokens24h": aiTokens, "costUsd24h": aiCost},
		"uptime":   int(time.Since(s.startedAt).Seconds()),
		"memory": map[string]uint64{
			"allocBytes": mem.Alloc,
			"sysBytes":   mem.Sys,
		},
		"load": map[string]int{
			"goroutines": runtime.NumGoroutine(),
			"monitors":   s.supervisor.RunningCount(),
		},
	})
}

// ============================================================================
// CONFIG
// ============================================================================

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgName, err := s.settings.GetString(ctx, settings.KeyOrgName)
	if err != nil {
		writeError(w, err)
		return
	}
	corsOrigin, err := s.settings.GetString(ctx, settings.KeyCORSOrigin)
	if err != nil {
		writeError(w, err)
		return
	}
	retentionDays, err := s.settings.GetInt(ctx, settings.KeyRetentionDays)
	if err != nil {
		writeError(w, err)
		return
	}
	apiKey, err := s.settings.GetString(ctx, settings.KeyAIAPIKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orgName":            orgName,
		"corsOrigin":         corsOrigin,
		"retentionDays":      retentionDays,
		"aiApiKeyConfigured": apiKey != "",
	})
}

type configRequest struct {
	OrgName       *string `json:"orgName"`
	CORSOrigin    *string `json:"corsOrigin"`
	RetentionDays *int    `json:"retentionDays"`
	AIAPIKey      *string `json:"aiApiKey"`
}

// handlePutConfig persists only the fields present in the body.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req configRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.OrgName != nil {
		if err := s.settings.Put(ctx, settings.KeyOrgName, *req.OrgName); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.CORSOrigin != nil {
		if err := s.settings.Put(ctx, settings.KeyCORSOrigin, *req.CORSOrigin); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.RetentionDays != nil {
		if *req.RetentionDays < 0 {
			writeError(w, apperr.New(apperr.KindValidation, "retentionDays must not be negative"))
			return
		}
		if err := s.settings.Put(ctx, settings.KeyRetentionDays, *req.RetentionDays); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.AIAPIKey != nil {
		// The key is sealed before it touches the settings table. An empty
		// string clears it.
		stored := ""
		if *req.AIAPIKey != "" {
			sealed, err := s.vault.SealString(ctx, *req.AIAPIKey)
			if err != nil {
				writeError(w, err)
				return
			}
			stored = sealed
		}
		if err := s.settings.PutCritical(ctx, settings.KeyAIAPIKey, stored); err != nil {
			writeError(w, err)
			return
		}
	}
	s.handleGetConfig(w, r)
}

// ============================================================================
// USERS
// ============================================================================

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"isAdmin"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Password == "" {
		writeError(w, apperr.New(apperr.KindValidation, "name and password are required"))
		return
	}
	if len(req.Password) < 8 {
		writeError(w, apperr.New(apperr.KindValidation, "password must be at least 8 characters"))
		return
	}
	hash, err := vault.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	var email *string
	if req.Email != "" {
		email = &req.Email
	}
	user, err := s.store.CreateUser(r.Context(), req.Name, email, hash, req.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type updateUserRequest struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	IsAdmin  *bool   `json:"isAdmin"`
}

// handleUpdateUser patches only the fields present in the body. A password
// change replaces the stored verifier with a fresh argon2id hash.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req updateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name != nil && *req.Name == "" {
		writeError(w, apperr.New(apperr.KindValidation, "name must not be empty"))
		return
	}
	if req.Password != nil && len(*req.Password) < 8 {
		writeError(w, apperr.New(apperr.KindValidation, "password must be at least 8 characters"))
		return
	}

	user, err := s.store.GetUser(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Name != nil {
		user.Name = *req.Name
	}
	if req.Email != nil {
		user.Email = nil
		if *req.Email != "" {
			user.Email = req.Email
		}
	}
	if req.IsAdmin != nil {
		user.IsAdmin = *req.IsAdmin
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		writeError(w, err)
		return
	}
	if req.Password != nil {
		hash, err := vault.HashPassword(*req.Password)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.store.UpdateUserPassword(ctx, user.ID, hash); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteUser(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ============================================================================
// TEAMS
// ============================================================================

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.store.ListTeams(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, apperr.New(apperr.KindValidation, "name is required"))
		return
	}
	team, err := s.store.CreateTeam(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.store.GetTeam(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleUpdateTeam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, apperr.New(apperr.KindValidation, "name is required"))
		return
	}
	team, err := s.store.RenameTeam(r.Context(), mux.Vars(r)["id"], req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTeam(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.ListTeamMembers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, apperr.New(apperr.KindValidation, "userId is required"))
		return
	}
	if err := s.store.AddTeamMember(r.Context(), req.UserID, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.store.RemoveTeamMember(r.Context(), vars["userId"], vars["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
