package httpapi

import (
	"net/http"

	"github.com/tacmap/backend/internal/apperr"
	"github.com/tacmap/backend/internal/settings"
	"github.com/tacmap/backend/internal/vault"
)

type setupRequest struct {
	AdminName     string `json:"adminName"`
	AdminEmail    string `json:"adminEmail,omitempty"`
	AdminPassword string `json:"adminPassword"`
	OrgName       string `json:"orgName"`
	CORSOrigin    string `json:"corsOrigin,omitempty"`
}

// handleSetupComplete is the one-shot bootstrap: seeds the admin account,
// persists the organization name and CORS origin, and flips the setup flag.
// A second call returns Conflict.
func (s *Server) handleSetupComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.settings.SetupCompleted(ctx) {
		writeError(w, apperr.New(apperr.KindConflict, "setup already completed"))
		return
	}

	var req setupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AdminName == "" || req.AdminPassword == "" {
		writeError(w, apperr.New(apperr.KindValidation, "adminName and adminPassword are required"))
		return
	}
	if len(req.AdminPassword) < 8 {
		writeError(w, apperr.New(apperr.KindValidation, "password must be at least 8 characters"))
		return
	}

	hash, err := vault.HashPassword(req.AdminPassword)
	if err != nil {
		writeError(w, err)
		return
	}
	var email *string
	if req.AdminEmail != "" {
		email = &req.AdminEmail
	}
	admin, err := s.store.CreateUser(ctx, req.AdminName, email, hash, true)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.OrgName != "" {
		if err := s.settings.Put(ctx, settings.KeyOrgName, req.OrgName); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.CORSOrigin != "" {
		if err := s.settings.Put(ctx, settings.KeyCORSOrigin, req.CORSOrigin); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.settings.PutCritical(ctx, settings.KeySetupCompleted, true); err != nil {
		writeError(w, err)
		return
	}

	token, err := s.vault.Sign(ctx, admin.ID, true)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("setup completed", "admin", admin.Name)
	writeJSON(w, http.StatusOK, map[string]any{"user": admin, "token": token})
}

type loginRequest struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

// handleLogin verifies credentials and issues a bearer token. Unknown user
// and wrong password are indistinguishable to the caller.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	login := req.Email
	if login == "" {
		login = req.Username
	}
	if login == "" || req.Password == "" {
		writeError(w, apperr.New(apperr.KindValidation, "login and password are required"))
		return
	}

	invalid := apperr.New(apperr.KindUnauthenticated, "invalid credentials")
	user, err := s.store.GetUserByLogin(ctx, login)
	if err != nil {
		writeError(w, invalid)
		return
	}
	ok, needsRehash, err := vault.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, invalid)
		return
	}
	if needsRehash {
		// Legacy bcrypt verifier upgraded in place; failure is non-fatal.
		if fresh, herr := vault.HashPassword(req.Password); herr == nil {
			if uerr := s.store.UpdateUserPassword(ctx, user.ID, fresh); uerr != nil {
				s.log.Warn("password rehash failed", "user", user.ID, "error", uerr)
			}
		}
	}

	token, err := s.vault.Sign(ctx, user.ID, user.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	user, err := s.store.GetUser(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      user.ID,
		"name":    user.Name,
		"isAdmin": user.IsAdmin,
	})
}
