package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"madr/internal/app"
	"madr/internal/util"
	"madr/pkg/auth"
	"madr/pkg/mail"
	"madr/pkg/store"
)

type captureOutbox struct {
	msgs []mail.Message
}

func (o *captureOutbox) Enqueue(_ context.Context, m mail.Message) error {
	o.msgs = append(o.msgs, m)
	return nil
}

type testServer struct {
	srv    *httptest.Server
	app    *app.App
	outbox *captureOutbox
}

func newTestServer(t *testing.T, cfg Config) testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:server-%d?mode=memory&cache=shared", time.Now().UnixNano())
	st, err := store.NewGormStore(dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sessions, err := store.NewJWTHS256SessionStore("session-secret", time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("new sessions: %v", err)
	}
	tokens, err := auth.NewActionTokens("action-secret", time.Hour)
	if err != nil {
		t.Fatalf("new action tokens: %v", err)
	}
	outbox := &captureOutbox{}
	a, err := app.New(app.Config{Store: st, Sessions: sessions, ActionTokens: tokens, Outbox: outbox})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := a.BootstrapSuperuser(context.Background(), "root", "root@example.com", "root-password"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	cfg.App = a
	cfg.Ping = st.Ping
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return testServer{srv: srv, app: a, outbox: outbox}
}

func (ts testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func (ts testServer) login(t *testing.T, email, password string) (int, map[string]any) {
	t.Helper()
	form := url.Values{"username": {email}, "password": {password}}
	resp, err := http.Post(ts.srv.URL+"/auth/token", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (ts testServer) token(t *testing.T, email, password string) string {
	t.Helper()
	status, body := ts.login(t, email, password)
	if status != http.StatusOK {
		t.Fatalf("login %s: status %d body %v", email, status, body)
	}
	token, _ := body["access_token"].(string)
	if token == "" || body["token_type"] != "bearer" {
		t.Fatalf("unexpected token response: %v", body)
	}
	return token
}

func (ts testServer) signUp(t *testing.T, username, email string) string {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/users/signup", "", map[string]string{
		"username": username, "email": email, "password": "correct-horse",
	})
	if status != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %v", username, status, body)
	}
	return ts.token(t, email, "correct-horse")
}

func TestNewRequiresApp(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without app")
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Config{})
	status, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", status, body)
	}
}

func TestLoginFlow(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.signUp(t, "ana", "ana@example.com")

	status, body := ts.login(t, "ana@example.com", "wrong-password")
	if status != http.StatusBadRequest || body["detail"] != "Incorrect email or password." {
		t.Fatalf("bad credentials: %d %v", status, body)
	}
	status, body = ts.login(t, "", "")
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("missing fields: %d %v", status, body)
	}

	token := ts.token(t, "ana@example.com", "correct-horse")
	status, body = ts.do(t, http.MethodGet, "/users/me", token, nil)
	if status != http.StatusOK || body["username"] != "ana" {
		t.Fatalf("me: %d %v", status, body)
	}
	if _, ok := body["PasswordHash"]; ok {
		t.Fatalf("password hash leaked: %v", body)
	}

	status, body = ts.do(t, http.MethodPost, "/auth/refresh_token", token, nil)
	if status != http.StatusOK || body["access_token"] == "" {
		t.Fatalf("refresh: %d %v", status, body)
	}
	status, _ = ts.do(t, http.MethodPost, "/auth/logout", token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("logout: %d", status)
	}
	status, _ = ts.do(t, http.MethodGet, "/users/me", token, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("revoked token must be rejected, got %d", status)
	}
}

func TestUnauthenticatedRequests(t *testing.T) {
	ts := newTestServer(t, Config{})
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/users/me", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("missing WWW-Authenticate header")
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}

	status, body := ts.do(t, http.MethodPost, "/author/", "not-a-token", map[string]string{"name": "x"})
	if status != http.StatusUnauthorized || body["detail"] != "Could not validate credentials." {
		t.Fatalf("bad token: %d %v", status, body)
	}
}

func TestSignupDuplicateAndValidation(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.signUp(t, "ana", "ana@example.com")

	status, body := ts.do(t, http.MethodPost, "/users/signup", "", map[string]string{
		"username": "ana", "email": "other@example.com", "password": "correct-horse",
	})
	if status != http.StatusBadRequest || body["detail"] != "Username already exists." {
		t.Fatalf("duplicate username: %d %v", status, body)
	}

	status, body = ts.do(t, http.MethodPost, "/users/signup", "", map[string]string{
		"username": "bob", "email": "not-an-email", "password": "correct-horse",
	})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("invalid email: %d %v", status, body)
	}
	detail, ok := body["detail"].([]any)
	if !ok || len(detail) == 0 {
		t.Fatalf("expected violation list, got %v", body["detail"])
	}
	first := detail[0].(map[string]any)
	loc := first["loc"].([]any)
	if len(loc) != 2 || loc[0] != "body" || loc[1] != "email" {
		t.Fatalf("unexpected loc: %v", loc)
	}
	if body["requestId"] == "" {
		t.Fatalf("missing requestId")
	}

	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/users/signup", strings.NewReader("{"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("malformed json: %d", resp.StatusCode)
	}
}

func TestAuthorsEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{})
	token := ts.signUp(t, "ana", "ana@example.com")

	var ids []int64
	for _, name := range []string{"  Machado   de Assis ", "Clarice Lispector", "Jorge Amado"} {
		status, body := ts.do(t, http.MethodPost, "/author/", token, map[string]string{"name": name})
		if status != http.StatusCreated {
			t.Fatalf("create %q: %d %v", name, status, body)
		}
		ids = append(ids, int64(body["id"].(float64)))
	}
	status, body := ts.do(t, http.MethodPost, "/author/", token, map[string]string{"name": "machado de assis"})
	if status != http.StatusBadRequest || body["detail"] != "machado de assis already in MADR." {
		t.Fatalf("duplicate author: %d %v", status, body)
	}

	status, body = ts.do(t, http.MethodGet, "/author/?name=ado&limit=1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list: %d %v", status, body)
	}
	if body["total_results"].(float64) != 2 || len(body["items"].([]any)) != 1 {
		t.Fatalf("unexpected page: %v", body)
	}
	status, body = ts.do(t, http.MethodGet, "/author/?offset=-1", "", nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("negative offset: %d %v", status, body)
	}
	loc := body["detail"].([]any)[0].(map[string]any)["loc"].([]any)
	if loc[0] != "query" || loc[1] != "offset" {
		t.Fatalf("unexpected loc: %v", loc)
	}
	status, _ = ts.do(t, http.MethodGet, "/author/abc", "", nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("non-numeric id: %d", status)
	}

	path := fmt.Sprintf("/author/%d", ids[0])
	status, body = ts.do(t, http.MethodGet, path, "", nil)
	if status != http.StatusOK || body["name"] != "machado de assis" {
		t.Fatalf("get: %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodPatch, path, token, map[string]string{"name": "Machado"})
	if status != http.StatusOK || body["name"] != "machado" {
		t.Fatalf("rename: %d %v", status, body)
	}
	status, _ = ts.do(t, http.MethodPatch, path, "", map[string]string{"name": "x"})
	if status != http.StatusUnauthorized {
		t.Fatalf("rename without token: %d", status)
	}

	status, body = ts.do(t, http.MethodDelete, "/author/", token, map[string][]int64{"ids": {ids[1], 9999}})
	if status != http.StatusNotFound || body["detail"] != "Author not found in MADR: 9999." {
		t.Fatalf("batch delete with missing id: %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodGet, "/author/", "", nil)
	if body["total_results"].(float64) != 3 {
		t.Fatalf("failed batch must delete nothing: %v", body)
	}
	status, body = ts.do(t, http.MethodDelete, "/author/", token, map[string][]int64{"ids": {ids[1], ids[2]}})
	if status != http.StatusOK || body["message"] != "2 author(s) deleted from MADR." {
		t.Fatalf("batch delete: %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodDelete, path, token, nil)
	if status != http.StatusOK || body["message"] != "Author deleted from MADR." {
		t.Fatalf("delete: %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodGet, path, "", nil)
	if status != http.StatusNotFound || body["detail"] != "Author not found in MADR." {
		t.Fatalf("deleted author: %d %v", status, body)
	}
}

func TestBooksEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{})
	token := ts.signUp(t, "ana", "ana@example.com")

	_, author := ts.do(t, http.MethodPost, "/author/", token, map[string]string{"name": "Machado de Assis"})
	authorID := int64(author["id"].(float64))

	status, body := ts.do(t, http.MethodPost, "/book/", token, map[string]any{"title": "Dom Casmurro", "year": 1899, "author_id": authorID})
	if status != http.StatusCreated || body["title"] != "dom casmurro" {
		t.Fatalf("create book: %d %v", status, body)
	}
	bookID := int64(body["id"].(float64))
	status, body = ts.do(t, http.MethodPost, "/book/", token, map[string]any{"title": "Other", "year": 1900, "author_id": 999})
	if status != http.StatusBadRequest || body["detail"] != "Author with ID 999 not found." {
		t.Fatalf("missing author: %d %v", status, body)
	}
	status, _ = ts.do(t, http.MethodPost, "/book/", token, map[string]any{"title": "Future", "year": time.Now().Year() + 1, "author_id": authorID})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("future year: %d", status)
	}

	status, body = ts.do(t, http.MethodGet, "/book/?year=1899", "", nil)
	if status != http.StatusOK || body["total_results"].(float64) != 1 {
		t.Fatalf("year filter: %d %v", status, body)
	}
	item := body["items"].([]any)[0].(map[string]any)
	if item["author"] != "machado de assis" {
		t.Fatalf("book must carry author name: %v", item)
	}
	status, _ = ts.do(t, http.MethodGet, "/book/?year=abc", "", nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("bad year: %d", status)
	}

	path := fmt.Sprintf("/book/%d", bookID)
	status, body = ts.do(t, http.MethodPatch, path, token, map[string]int{"year": 1900})
	if status != http.StatusOK || body["year"].(float64) != 1900 {
		t.Fatalf("update year: %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodDelete, "/book/", token, map[string][]int64{"ids": {bookID}})
	if status != http.StatusOK || body["message"] != "1 book(s) deleted from MADR." {
		t.Fatalf("batch delete: %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodGet, path, "", nil)
	if status != http.StatusNotFound || body["detail"] != "Book not found in MADR." {
		t.Fatalf("deleted book: %d %v", status, body)
	}
}

func TestSuperuserEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{})
	userToken := ts.signUp(t, "ana", "ana@example.com")
	rootToken := ts.token(t, "root@example.com", "root-password")

	status, body := ts.do(t, http.MethodGet, "/users/all", userToken, nil)
	if status != http.StatusForbidden || body["detail"] != "Insufficient permissions." {
		t.Fatalf("regular user on /users/all: %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodGet, "/users/all", rootToken, nil)
	if status != http.StatusOK || body["total_results"].(float64) != 2 {
		t.Fatalf("list users: %d %v", status, body)
	}

	status, body = ts.do(t, http.MethodPost, "/users/", rootToken, map[string]any{
		"username": "bob", "email": "bob@example.com", "password": "correct-horse", "is_verified": true,
	})
	if status != http.StatusCreated || body["is_verified"] != true || body["is_active"] != true {
		t.Fatalf("admin create: %d %v", status, body)
	}
	bobPath := fmt.Sprintf("/users/%d", int64(body["id"].(float64)))
	bobToken := ts.token(t, "bob@example.com", "correct-horse")

	status, body = ts.do(t, http.MethodPatch, bobPath, rootToken, map[string]any{"is_active": false})
	if status != http.StatusOK || body["is_active"] != false {
		t.Fatalf("deactivate: %d %v", status, body)
	}
	status, _ = ts.do(t, http.MethodGet, "/users/me", bobToken, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("deactivated user's token must be rejected, got %d", status)
	}

	_, me := ts.do(t, http.MethodGet, "/users/me", rootToken, nil)
	rootPath := fmt.Sprintf("/users/%d", int64(me["id"].(float64)))
	status, body = ts.do(t, http.MethodDelete, rootPath, rootToken, nil)
	if status != http.StatusForbidden {
		t.Fatalf("self delete: %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodDelete, bobPath, rootToken, nil)
	if status != http.StatusOK || body["message"] != "User deleted." {
		t.Fatalf("delete: %d %v", status, body)
	}
	status, _ = ts.do(t, http.MethodGet, bobPath, rootToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("deleted user: %d", status)
	}
}

func TestVerifyAccountFlow(t *testing.T) {
	ts := newTestServer(t, Config{})
	token := ts.signUp(t, "ana", "ana@example.com")
	other := ts.signUp(t, "bob", "bob@example.com")

	status, body := ts.do(t, http.MethodGet, "/users/check-verification-status", token, nil)
	if status != http.StatusOK || body["message"] != "User has not been verified yet." {
		t.Fatalf("status: %d %v", status, body)
	}
	status, body = ts.do(t, http.MethodGet, "/users/verify-account", token, nil)
	if status != http.StatusOK || body["message"] != "Email sent to ana@example.com" {
		t.Fatalf("request verification: %d %v", status, body)
	}
	html := ts.outbox.msgs[len(ts.outbox.msgs)-1].HTML
	const marker = "/users/verify/"
	rest := html[strings.Index(html, marker)+len(marker):]
	verifyToken := rest[:strings.Index(rest, `"`)]

	status, _ = ts.do(t, http.MethodGet, "/users/verify/garbage", token, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", status)
	}
	status, _ = ts.do(t, http.MethodGet, "/users/verify/"+verifyToken, other, nil)
	if status != http.StatusForbidden {
		t.Fatalf("foreign token: %d", status)
	}
	status, _ = ts.do(t, http.MethodGet, "/users/verify/"+verifyToken, token, nil)
	if status != http.StatusOK {
		t.Fatalf("verify: %d", status)
	}
	_, body = ts.do(t, http.MethodGet, "/users/check-verification-status", token, nil)
	if body["message"] != "User is already verified." {
		t.Fatalf("after verify: %v", body)
	}
}

func TestChangePasswordMismatch(t *testing.T) {
	ts := newTestServer(t, Config{})
	token := ts.signUp(t, "ana", "ana@example.com")
	if status, _ := ts.do(t, http.MethodGet, "/users/recover-access", token, nil); status != http.StatusOK {
		t.Fatalf("recover access: %d", status)
	}
	html := ts.outbox.msgs[len(ts.outbox.msgs)-1].HTML
	const marker = "/users/change-password/"
	rest := html[strings.Index(html, marker)+len(marker):]
	resetToken := rest[:strings.Index(rest, `"`)]

	status, body := ts.do(t, http.MethodPost, "/users/change-password/"+resetToken, token, map[string]string{
		"password": "new-password-1", "password_confirmation": "new-password-2",
	})
	if status != http.StatusBadRequest || body["detail"] != "Passwords do not match." {
		t.Fatalf("mismatch: %d %v", status, body)
	}
}

func TestLoginRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ts := newTestServer(t, Config{Redis: client, LoginRateLimitPerMinute: 1})

	status, _ := ts.login(t, "root@example.com", "root-password")
	if status != http.StatusOK {
		t.Fatalf("first login expected 200, got %d", status)
	}
	form := url.Values{"username": {"root@example.com"}, "password": {"root-password"}}
	resp, err := http.Post(ts.srv.URL+"/auth/token", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second login expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestLoginRateLimitPerForwardedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	proxies, err := util.NewTrustedProxies([]string{"127.0.0.1", "::1"})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}
	ts := newTestServer(t, Config{Redis: client, LoginRateLimitPerMinute: 1, TrustedProxies: proxies})

	loginFrom := func(clientIP string) int {
		form := url.Values{"username": {"root@example.com"}, "password": {"root-password"}}
		req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/auth/token", strings.NewReader(form.Encode()))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Forwarded-For", clientIP)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("login: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	tests := []struct {
		client string
		want   int
	}{
		{"203.0.113.5", http.StatusOK},
		{"203.0.113.5", http.StatusTooManyRequests},
		{"203.0.113.6", http.StatusOK},
		{"::ffff:203.0.113.6", http.StatusTooManyRequests},
	}
	for i, tc := range tests {
		if got := loginFrom(tc.client); got != tc.want {
			t.Fatalf("attempt %d from %s: expected %d, got %d", i+1, tc.client, tc.want, got)
		}
	}

	found := false
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "madr:ratelimit:login:/auth/token|203.0.113.5:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected bucket for forwarded client, keys %v", mr.Keys())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, Config{})
	status, body := ts.do(t, http.MethodGet, "/auth/token", "", nil)
	if status != http.StatusMethodNotAllowed || body["code"] != "method_not_allowed" {
		t.Fatalf("expected 405, got %d %v", status, body)
	}
}
