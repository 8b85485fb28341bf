package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// sessionTokenTTL is how long an issued access token remains valid.
	sessionTokenTTL = 15 * time.Minute

	// ticketTTL is how long a WebSocket ticket remains redeemable.
	ticketTTL = 60 * time.Second

	// ticketCleanInterval is how often expired tickets are swept.
	ticketCleanInterval = 30 * time.Second
)

type tokenRequest struct {
	Secret string `json:"secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleIssueToken exchanges the configured API secret for a short-lived
// session token. The controller is headless, so there is no user database;
// anyone holding the shared secret is the operator.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.secCfg.JWT.Secret == "" {
		writeUnavailable(w, "authentication is not configured")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.secCfg.JWT.Secret)) != 1 {
		writeUnauthorized(w, "invalid secret")
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "meshwave",
		Subject:   "api-client",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTokenTTL)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secCfg.JWT.Secret))
	if err != nil {
		s.logger.Error("failed to sign access token", "error", err)
		writeInternalError(w, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(sessionTokenTTL.Seconds()),
	})
}

// handleWSTicket issues a single-use ticket for WebSocket authentication.
// Browsers cannot set an Authorization header on the upgrade request, so
// an authenticated client trades its Bearer token for a short-lived ticket
// passed in the query string instead.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket := uuid.NewString()

	s.ticketMu.Lock()
	s.tickets[ticket] = time.Now().Add(ticketTTL)
	s.ticketMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// validateTicket redeems a WebSocket ticket. Tickets are single-use:
// a successful validation removes the ticket from the store.
func (s *Server) validateTicket(ticket string) bool {
	s.ticketMu.Lock()
	defer s.ticketMu.Unlock()

	expiry, ok := s.tickets[ticket]
	if !ok {
		return false
	}
	delete(s.tickets, ticket)
	return time.Now().Before(expiry)
}

// cleanExpiredTickets removes tickets past their expiry.
func (s *Server) cleanExpiredTickets() {
	s.ticketMu.Lock()
	defer s.ticketMu.Unlock()

	now := time.Now()
	for ticket, expiry := range s.tickets {
		if now.After(expiry) {
			delete(s.tickets, ticket)
		}
	}
}

// cleanTicketsLoop periodically sweeps expired tickets until ctx is done.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketCleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanExpiredTickets()
		}
	}
}
