package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/trsang/smarttrash-core/internal/auth"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// sessionResponse is one active refresh token as shown to its owner.
type sessionResponse struct {
	ID        string    `json:"id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleRegister creates a regular user account.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeRequest(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	user, err := s.admin.CreateUser(r.Context(), auth.NewUser{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     auth.RoleUser,
	})
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, user)
}

// handleLogin verifies credentials and returns an access/refresh token pair.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeRequest(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	session, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// handleRefresh exchanges a refresh token for a new pair.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeRequest(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	session, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// handleMe returns the caller's identity from the access token.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, identityFromContext(r.Context()))
}

// handleLogout ends every session of the caller.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	count, err := s.auth.Logout(r.Context(), id.UserID)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "logged out",
		"sessions": count,
	})
}

// handleRevoke revokes one of the caller's refresh tokens.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeRequest(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = auth.ReasonUserRevoked
	}

	id := identityFromContext(r.Context())
	if err := s.auth.RevokeOwned(r.Context(), id.UserID, req.RefreshToken, req.Reason); err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "refresh token revoked"})
}

// handleSessions lists the caller's usable refresh tokens.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	recs, err := s.auth.Sessions(r.Context(), id.UserID)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	sessions := make([]sessionResponse, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, sessionResponse{ID: rec.ID, IssuedAt: rec.IssuedAt, ExpiresAt: rec.ExpiresAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleWSTicket generates a single-use WebSocket authentication ticket.
// The client uses this ticket to authenticate the WebSocket connection
// without exposing the access token in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.tickets.issue(identityFromContext(r.Context()))
	if err != nil {
		s.logger.Error("generating websocket ticket", "error", err)
		writeInternalError(w, "failed to generate ticket")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]ticketEntry
	clock   auth.Clock
}

type ticketEntry struct {
	identity  auth.Identity
	expiresAt time.Time
}

func newTicketStore(clock auth.Clock) *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry), clock: clock}
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// issue creates a ticket bound to id.
func (ts *ticketStore) issue(id auth.Identity) (string, error) {
	b := make([]byte, ticketBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	ticket := hex.EncodeToString(b)

	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{identity: id, expiresAt: ts.clock.Now().Add(ticketTTL)}
	ts.mu.Unlock()
	return ticket, nil
}

// redeem consumes a ticket and returns the identity it was issued to.
func (ts *ticketStore) redeem(ticket string) (auth.Identity, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return auth.Identity{}, false
	}
	delete(ts.tickets, ticket)

	if !ts.clock.Now().Before(entry.expiresAt) {
		return auth.Identity{}, false
	}
	return entry.identity, true
}

// cleanExpired removes expired tickets.
func (ts *ticketStore) cleanExpired() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.clock.Now()
	for ticket, entry := range ts.tickets {
		if !now.Before(entry.expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

// cleanLoop runs cleanExpired periodically until the context is cancelled.
func (ts *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.cleanExpired()
		}
	}
}

func (ts *ticketStore) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tickets)
}
