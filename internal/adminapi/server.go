// Package adminapi exposes the operator override endpoints spec.md §9
// implies but does not fully specify: ban add/remove, pause toggles, and
// admin-triggered stake release. Bearer-token authentication is grounded on
// services/escrow-gateway/auth.go's Authenticator, simplified from its
// HMAC-over-canonical-request scheme to a single static bearer token since
// spec.md names no admin-auth scheme of its own.
package adminapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"bountyd/internal/ban"
	"bountyd/internal/hookserver"
	"bountyd/internal/model"
	"bountyd/internal/stake"
)

// Server is the admin HTTP front-end.
type Server struct {
	token  string
	bans   *ban.Registry
	stakes *stake.Ledger
	pause  *hookserver.PauseState
	logger *slog.Logger
}

// New constructs an admin Server. An empty token disables the admin API.
func New(token string, bans *ban.Registry, stakes *stake.Ledger, pause *hookserver.PauseState, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{token: token, bans: bans, stakes: stakes, pause: pause, logger: logger}
}

// Router builds the chi router for the admin API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.Post("/admin/bans/{id}", s.handleBan)
	r.Delete("/admin/bans/{id}", s.handleUnban)
	r.Post("/admin/pause/reviews", s.handleSetReviewsPaused)
	r.Post("/admin/pause/payouts", s.handleSetPayoutsPaused)
	r.Post("/admin/pause/double-approval", s.handleSetDoubleApproval)
	r.Post("/admin/stakes/{prID}/release", s.handleReleaseStake)
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			http.Error(w, "admin API disabled", http.StatusForbidden)
			return
		}
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type banRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req banRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.bans.Ban(id, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.bans.Unban(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handleSetReviewsPaused(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	s.pause.SetReviewsPaused(req.Paused)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetPayoutsPaused(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	s.pause.SetPayoutsPaused(req.Paused)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDoubleApproval(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	s.pause.SetDoubleApprovalRequired(req.Paused)
	w.WriteHeader(http.StatusNoContent)
}

// handleReleaseStake implements the admin-triggered "reviews exhausted"
// stake release spec.md §9 resolves the ambiguous trigger to.
func (s *Server) handleReleaseStake(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "prID")
	prID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid pr id", http.StatusBadRequest)
		return
	}
	if err := s.stakes.ReleaseAdmin(prID, "", model.ReturnReasonAdmin); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
