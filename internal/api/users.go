package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trsang/smarttrash-core/internal/auth"
)

// handleListUsers returns all user accounts.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.admin.ListUsers(r.Context())
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// handleCreateUser creates an account with any role.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeRequest(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	user, err := s.admin.CreateUser(r.Context(), auth.NewUser{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	s.logger.Info("user created", "user_id", user.ID, "username", user.Username, "role", user.Role,
		"created_by", identityFromContext(r.Context()).UserID)
	writeJSON(w, http.StatusCreated, user)
}

// handleGetUser returns one account.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.admin.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleSetUserStatus activates or deactivates an account. Deactivation
// revokes every session of the account.
func (s *Server) handleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	var req userStatusRequest
	if err := decodeRequest(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	userID := chi.URLParam(r, "id")
	caller := identityFromContext(r.Context())
	if userID == caller.UserID && !*req.IsActive {
		writeForbidden(w, "cannot deactivate your own account")
		return
	}

	revoked, err := s.admin.SetActive(r.Context(), userID, *req.IsActive)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	s.logger.Info("user status changed", "user_id", userID, "is_active", *req.IsActive,
		"revoked", revoked, "changed_by", caller.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        userID,
		"is_active": *req.IsActive,
		"revoked":   revoked,
	})
}

// handleRevokeUserSessions revokes every refresh token of an account.
func (s *Server) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	if _, err := s.admin.GetUser(r.Context(), userID); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	revoked, err := s.auth.RevokeAllForUser(r.Context(), userID, auth.ReasonAdminRevoked)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	s.logger.Info("user sessions revoked", "user_id", userID, "revoked", revoked,
		"revoked_by", identityFromContext(r.Context()).UserID)

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      userID,
		"revoked": revoked,
	})
}

// handleDeleteUser removes a non-admin account and its tokens.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	if err := s.admin.DeleteUser(r.Context(), userID); err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	s.logger.Info("user deleted", "user_id", userID, "deleted_by", identityFromContext(r.Context()).UserID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListTokens returns stored refresh tokens, optionally for one
// account (?user_id=). Token values are never included.
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	recs, err := s.admin.ListTokens(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	if recs == nil {
		recs = []auth.TokenRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tokens": recs,
		"count":  len(recs),
	})
}

// handleAdminRevokeToken revokes any refresh token, whoever owns it.
func (s *Server) handleAdminRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeRequest(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = auth.ReasonAdminRevoked
	}

	if err := s.auth.Revoke(r.Context(), req.RefreshToken, req.Reason); err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	s.logger.Info("refresh token revoked by admin", "reason", req.Reason,
		"revoked_by", identityFromContext(r.Context()).UserID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "refresh token revoked"})
}

// handlePurgeTokens deletes every expired refresh token now.
func (s *Server) handlePurgeTokens(w http.ResponseWriter, r *http.Request) {
	count, err := s.auth.Purge(r.Context())
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"purged": count})
}
