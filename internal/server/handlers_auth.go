package server

import (
	"net/http"
	"strings"

	"madr/internal/app"
	"madr/internal/util"
	"madr/pkg/domain"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "Too many login attempts. Please try again later.") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeValidation(w, r, []app.FieldError{{Msg: "Invalid form body", Type: "value_error"}})
		return
	}
	email := strings.TrimSpace(r.PostForm.Get("username"))
	password := r.PostForm.Get("password")
	var missing []app.FieldError
	if email == "" {
		missing = append(missing, app.FieldError{Field: "username", Msg: "Field required", Type: "missing"})
	}
	if password == "" {
		missing = append(missing, app.FieldError{Field: "password", Msg: "Field required", Type: "missing"})
	}
	if len(missing) > 0 {
		writeValidation(w, r, missing)
		return
	}
	token, err := s.app.Login(r.Context(), email, password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "email", email)
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "email", email)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := s.app.Refresh(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.refresh", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "auth.logout", "fail", "reason", "missing_token")
		writeAppError(w, r, app.ErrUnauthenticated)
		return
	}
	user, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		s.audit(r, "auth.logout", "fail", "reason", "invalid_token")
		writeAppError(w, r, err)
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		util.LoggerFromContext(r.Context()).Error("logout failed", "err", err)
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success", "user_id", user.ID)
	w.WriteHeader(http.StatusNoContent)
}
