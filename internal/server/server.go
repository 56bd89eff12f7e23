package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"madr/internal/app"
	"madr/internal/metrics"
	"madr/internal/ratelimit"
	"madr/internal/util"
	"madr/pkg/domain"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Redis backs the sign-in and sign-up rate limiters. Nil disables limiting.
	Redis                    redis.Scripter
	LoginRateLimitPerMinute  int
	SignupRateLimitPerMinute int
	TrustedProxies           *util.TrustedProxies
	CORSOrigins              []string
	// Ping reports database health for /healthz. Optional.
	Ping func(context.Context) error
}

// Server exposes the MADR REST API.
type Server struct {
	app           *app.App
	mux           *http.ServeMux
	trusted       *util.TrustedProxies
	corsOrigins   []string
	ping          func(context.Context) error
	loginLimiter  *ratelimit.FixedWindowLimiter
	signupLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:         cfg.App,
		mux:         http.NewServeMux(),
		trusted:     cfg.TrustedProxies,
		corsOrigins: cfg.CORSOrigins,
		ping:        cfg.Ping,
	}
	if cfg.Redis != nil {
		newLimiter := func(name string, limit, def int) (*ratelimit.FixedWindowLimiter, error) {
			if limit <= 0 {
				limit = def
			}
			l, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "madr:ratelimit:"+name, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return l, nil
		}
		var err error
		if s.loginLimiter, err = newLimiter("login", cfg.LoginRateLimitPerMinute, 10); err != nil {
			return nil, err
		}
		if s.signupLimiter, err = newLimiter("signup", cfg.SignupRateLimitPerMinute, 5); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(s.trusted, h)
	h = metrics.Middleware(h)
	h = util.WithRequestLog("madr-api", h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())

	// auth
	s.mux.HandleFunc("/auth/token", s.handleToken)
	s.mux.Handle("/auth/refresh_token", s.authenticated(s.handleRefresh))
	s.mux.HandleFunc("/auth/logout", s.handleLogout)

	// users
	s.mux.HandleFunc("/users/signup", s.handleSignup)
	s.mux.Handle("/users/me", s.authenticated(s.handleMe))
	s.mux.Handle("/users/check-verification-status", s.authenticated(s.handleVerificationStatus))
	s.mux.Handle("/users/verify-account", s.authenticated(s.handleRequestVerification))
	s.mux.Handle("/users/verify-account/", s.authenticated(s.handleRequestVerification))
	s.mux.Handle("/users/verify/", s.authenticated(s.handleVerify))
	s.mux.Handle("/users/recover-access", s.authenticated(s.handleRecoverAccess))
	s.mux.Handle("/users/change-password/", s.authenticated(s.handleChangePassword))
	s.mux.Handle("/users/all", s.superuserOnly(s.handleListUsers))
	s.mux.Handle("/users/", s.superuserOnly(s.handleUsers))

	// catalog
	s.mux.HandleFunc("/author/", s.handleAuthors)
	s.mux.HandleFunc("/book/", s.handleBooks)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			util.LoggerFromContext(r.Context()).Error("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(w, r)
		if !ok {
			return
		}
		next(w, r, user)
	})
}

func (s *Server) superuserOnly(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(w, r)
		if !ok {
			return
		}
		if !user.IsSuperuser {
			s.audit(r, "superuser.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeAppError(w, r, app.ErrForbidden)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "token.verify", "fail", "reason", "missing_token")
		writeAppError(w, r, app.ErrUnauthenticated)
		return domain.User{}, false
	}
	user, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		s.audit(r, "token.verify", "fail", "reason", "invalid_token")
		writeAppError(w, r, err)
		return domain.User{}, false
	}
	return user, true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authHeader[7:])
	return token, token != ""
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	client := util.ResolveClient(r, s.trusted)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", client.String(),
		"ip_source", client.Source,
	}
	logAttrs = append(logAttrs, attrs...)
	metrics.SecurityEvent(event, outcome)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	d := limiter.Allow(r.Context(), s.rateKey(r))
	if d.Allowed {
		return true
	}
	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, r, http.StatusTooManyRequests, "rate_limited", msg)
	return false
}

// rateKey buckets requests per route and resolved client address.
func (s *Server) rateKey(r *http.Request) string {
	return r.URL.Path + "|" + util.ClientIP(r, s.trusted)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed")
}

type errorBody struct {
	Detail    string `json:"detail"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type validationItem struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

type validationBody struct {
	Detail    []validationItem `json:"detail"`
	RequestID string           `json:"requestId,omitempty"`
}

type messageBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	writeJSON(w, status, errorBody{Detail: detail, Code: code, RequestID: util.RequestIDFromRequest(r)})
}

var queryFields = map[string]bool{"limit": true, "offset": true, "year": true}

func writeValidation(w http.ResponseWriter, r *http.Request, fields []app.FieldError) {
	items := make([]validationItem, 0, len(fields))
	for _, f := range fields {
		loc := "body"
		if queryFields[f.Field] {
			loc = "query"
		}
		if f.Field == "" {
			items = append(items, validationItem{Loc: []string{loc}, Msg: f.Msg, Type: f.Type})
			continue
		}
		items = append(items, validationItem{Loc: []string{loc, f.Field}, Msg: f.Msg, Type: f.Type})
	}
	writeJSON(w, http.StatusUnprocessableEntity, validationBody{Detail: items, RequestID: util.RequestIDFromRequest(r)})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *app.ValidationError
	if errors.As(err, &verr) {
		writeValidation(w, r, verr.Fields)
		return
	}
	if e, ok := app.AsError(err); ok {
		status := http.StatusBadRequest
		switch e.Kind {
		case app.KindUnauthenticated:
			status = http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", "Bearer")
		case app.KindForbidden:
			status = http.StatusForbidden
		case app.KindNotFound:
			status = http.StatusNotFound
		}
		writeError(w, r, status, e.Code, e.Message)
		return
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
	writeError(w, r, http.StatusInternalServerError, "internal", "Internal server error.")
}

// decodeJSON reads a JSON body into dst, writing a 422 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeValidation(w, r, []app.FieldError{{Msg: "JSON decode error", Type: "json_invalid"}})
		return false
	}
	return true
}

// pathID parses the id segment after prefix. Empty means the collection.
func pathID(path, prefix string) (int64, bool, error) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return 0, false, nil
	}
	if strings.Contains(rest, "/") {
		return 0, true, errNotFoundPath
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, true, err
	}
	return id, true, nil
}

var errNotFoundPath = errors.New("not found")

func writePathIDError(w http.ResponseWriter, r *http.Request, field string, err error) {
	if errors.Is(err, errNotFoundPath) {
		writeError(w, r, http.StatusNotFound, "not_found", "Not Found")
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, validationBody{
		Detail:    []validationItem{{Loc: []string{"path", field}, Msg: "Input should be a valid integer", Type: "int_parsing"}},
		RequestID: util.RequestIDFromRequest(r),
	})
}

// listQuery reads limit, offset and the named search parameter.
func listQuery(w http.ResponseWriter, r *http.Request, searchParam string) (domain.ListQuery, bool) {
	q := domain.ListQuery{Search: r.URL.Query().Get(searchParam)}
	var bad []app.FieldError
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &q.Limit}, {"offset", &q.Offset}} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			bad = append(bad, app.FieldError{Field: p.name, Msg: "Input should be a valid integer", Type: "int_parsing"})
			continue
		}
		*p.dst = n
	}
	if len(bad) > 0 {
		writeValidation(w, r, bad)
		return domain.ListQuery{}, false
	}
	if err := app.ValidateListQuery(q); err != nil {
		writeAppError(w, r, err)
		return domain.ListQuery{}, false
	}
	return q, true
}
