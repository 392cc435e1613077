package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kkwann/midoproject2/api/metrics"
	"github.com/kkwann/midoproject2/budget/pkg/session"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token   string           `json:"token"`
	Session *session.Session `json:"session"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid login body", errBadRequest))
		return
	}

	token, sess, err := s.cfg.Auth.Login(ctx, strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) {
			metrics.RecordLogin("rejected")
		} else {
			metrics.RecordLogin("error")
		}
		s.writeError(w, r, err)
		return
	}
	metrics.RecordLogin("success")
	s.cfg.Audit.Record(ctx, sess, "login")
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, Session: sess})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sess, _ := session.FromContext(ctx)
	if err := s.cfg.Auth.Logout(ctx, extractBearerToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cfg.Audit.Record(ctx, sess, "logout")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	writeJSON(w, http.StatusOK, sess)
}

// requireSession rejects requests without a valid bearer token and stores
// the session in the request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		sess, err := s.cfg.Auth.Authenticate(ctx, extractBearerToken(r))
		cancel()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), sess)))
	})
}

// extractBearerToken extracts the token from Authorization header
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
