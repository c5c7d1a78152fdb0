package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/trsang/smarttrash-core/internal/auth"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeForbidden          = "forbidden"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeUnavailable        = "service_unavailable"
	ErrCodeTokenNotFound      = "token_not_found"
	ErrCodeTokenExpired       = "token_expired"
	ErrCodeTokenRevoked       = "token_revoked"
	ErrCodeTokenReused        = "token_reused"
	ErrCodeTokenAlreadyRevoke = "token_already_revoked"
	ErrCodeInvalidCredentials = "invalid_credentials"
	ErrCodeAccountDeactivated = "account_deactivated"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// authErrorMapping is one row of the auth error table.
type authErrorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// authErrors maps auth domain errors to responses. Order matters: the
// first match wins.
var authErrors = []authErrorMapping{
	{auth.ErrNotFound, http.StatusUnauthorized, ErrCodeTokenNotFound, "refresh token not found"},
	{auth.ErrExpired, http.StatusUnauthorized, ErrCodeTokenExpired, "refresh token expired, please log in again"},
	{auth.ErrRevoked, http.StatusUnauthorized, ErrCodeTokenRevoked, "refresh token revoked, please log in again"},
	{auth.ErrReused, http.StatusUnauthorized, ErrCodeTokenReused, "refresh token reuse detected, all sessions revoked"},
	{auth.ErrAlreadyUsed, http.StatusUnauthorized, ErrCodeTokenReused, "refresh token already used"},
	{auth.ErrAccessTokenInvalid, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired access token"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, ErrCodeInvalidCredentials, "invalid username or password"},
	{auth.ErrAlreadyRevoked, http.StatusConflict, ErrCodeTokenAlreadyRevoke, "refresh token already revoked"},
	{auth.ErrAccountDeactivated, http.StatusForbidden, ErrCodeAccountDeactivated, "account is deactivated"},
	{auth.ErrProtectedAccount, http.StatusForbidden, ErrCodeForbidden, "administrator accounts cannot be deleted"},
	{auth.ErrUserNotFound, http.StatusNotFound, ErrCodeNotFound, "user not found"},
	{auth.ErrUsernameExists, http.StatusConflict, ErrCodeConflict, "username already exists"},
	{auth.ErrStoreUnavailable, http.StatusServiceUnavailable, ErrCodeUnavailable, "token store unavailable, try again later"},
	{auth.ErrGenerationExhausted, http.StatusServiceUnavailable, ErrCodeUnavailable, "could not issue a token, try again later"},
}

// writeAuthError maps an auth error to its HTTP response. Unknown errors
// are logged and reported as 500.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range authErrors {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, m.message)
			return
		}
	}
	if errors.Is(err, auth.ErrInvalidUser) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	s.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	writeInternalError(w, "internal server error")
}
