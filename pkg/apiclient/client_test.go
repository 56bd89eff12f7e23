package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"madr/pkg/domain"
	"madr/pkg/forms"
)

func newClient(t *testing.T, h http.HandlerFunc) (*Client, *Session) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	sess := NewSession(nil)
	return New(srv.URL, sess), sess
}

func TestEnvelopeClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   ErrorKind
		wantDetail string
	}{
		{"server", 503, `{"detail":"db down"}`, KindServer, msgServer},
		{"auth", 401, `{"detail":"Could not validate credentials."}`, KindAuth, "Could not validate credentials."},
		{"not found", 404, `{"detail":"Author not found in MADR."}`, KindUnknown, "Author not found in MADR."},
		{"bad request", 400, `{"detail":"dom casmurro already in MADR."}`, KindUnknown, "dom casmurro already in MADR."},
		{"no detail", 403, ``, KindUnknown, "Forbidden"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			env := Get[domain.Author](context.Background(), c, "/author/1", nil)
			if env.Success || env.Code != tc.status || env.Err == nil {
				t.Fatalf("unexpected envelope %+v", env)
			}
			if env.Err.Kind != tc.wantKind || env.Err.Detail != tc.wantDetail {
				t.Fatalf("expected %s %q, got %s %q", tc.wantKind, tc.wantDetail, env.Err.Kind, env.Err.Detail)
			}
		})
	}
}

func TestUnauthorizedKeepsRawBody(t *testing.T) {
	raw := `{"detail":"Could not validate credentials.","code":"unauthenticated"}`
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, raw)
	})
	env := Get[domain.User](context.Background(), c, "/users/me", nil)
	if string(env.Err.Body) != raw {
		t.Fatalf("expected raw body, got %q", env.Err.Body)
	}
}

func TestValidationErrorsKeepOrder(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":[
			{"loc":["body","title"],"msg":"String should have at most 255 characters","type":"string_too_long"},
			{"loc":["body","year"],"msg":"Input should be greater than 0","type":"greater_than"}]}`)
	})
	env := Post[domain.Book](context.Background(), c, "/book/", map[string]any{"title": "x"})
	if env.Err == nil || env.Err.Kind != KindValidation {
		t.Fatalf("expected validation error, got %+v", env)
	}
	want := []string{
		"Field title invalid: String should have at most 255 characters",
		"Field year invalid: Input should be greater than 0",
	}
	if len(env.Err.Fields) != len(want) {
		t.Fatalf("expected %d fields, got %v", len(want), env.Err.Fields)
	}
	for i := range want {
		if env.Err.Fields[i] != want[i] {
			t.Fatalf("field %d: expected %q, got %q", i, want[i], env.Err.Fields[i])
		}
	}
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	env := Get[domain.Author](context.Background(), New(base, nil), "/author/", nil)
	if env.Success || env.Code != 0 || env.Err.Kind != KindNetwork || env.Err.Detail != msgNetwork {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestUndecodableSuccessCarriesNoData(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"items":[{"id":7,"name":"x"}],"total_results":"oops"}`)
	})
	env := Get[domain.Page[domain.Author]](context.Background(), c, "/author/", nil)
	if env.Success || env.Code != http.StatusOK || env.Err == nil || env.Err.Kind != KindUnknown {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if len(env.Data.Items) != 0 || env.Data.TotalResults != 0 {
		t.Fatalf("failed envelope carries data: %+v", env.Data)
	}
}

func TestNoContentIsSuccess(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	env := Post[struct{}](context.Background(), c, "/auth/logout", nil)
	if !env.Success || env.Code != http.StatusNoContent || env.Err != nil {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestBearerTokenReadPerRequest(t *testing.T) {
	var seen []string
	c, sess := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(domain.User{ID: 1})
	})
	ctx := context.Background()
	users := NewUsersService(c)
	users.Me(ctx)
	_ = sess.SetToken("abc")
	users.Me(ctx)
	_ = sess.Clear()
	users.Me(ctx)
	want := []string{"", "Bearer abc", ""}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("request %d: expected %q, got %q", i, want[i], seen[i])
		}
	}
}

func TestSignInUsesFormAndStoresToken(t *testing.T) {
	c, sess := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/token" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("sign-in must not send a bearer token")
		}
		if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		_ = r.ParseForm()
		if r.PostForm.Get("username") != "ana@example.com" || r.PostForm.Get("password") != "pw" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"detail":"Incorrect email or password."}`)
			return
		}
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "tok", TokenType: "bearer"})
	})
	_ = sess.SetToken("stale")
	authSvc := NewAuthService(c)
	ctx := context.Background()

	env := authSvc.SignIn(ctx, forms.SignInForm{Email: "ana@example.com", Password: "bad"})
	if env.Success || env.Err.Kind != KindAuth || env.Err.Detail != "Incorrect email or password." {
		t.Fatalf("expected auth failure, got %+v", env)
	}
	env = authSvc.SignIn(ctx, forms.SignInForm{Email: "ana@example.com", Password: "pw"})
	if !env.Success || sess.Token() != "tok" {
		t.Fatalf("expected stored token, got %+v token=%q", env, sess.Token())
	}
}

func TestSignInClientTimeout(t *testing.T) {
	c := New("http://example.invalid", nil)
	if c.httpClient.Timeout != DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", c.httpClient.Timeout)
	}
	if got := c.SignInClient().httpClient.Timeout; got != SignInTimeout {
		t.Fatalf("expected sign-in timeout, got %s", got)
	}
	if c.httpClient.Timeout != DefaultTimeout {
		t.Fatalf("sign-in client must not mutate the main client")
	}
}

func TestCatalogServicesShapeRequests(t *testing.T) {
	type call struct {
		method, path string
		query        url.Values
		body         map[string]any
	}
	var calls []call
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		cl := call{method: r.Method, path: r.URL.Path, query: r.URL.Query()}
		_ = json.NewDecoder(r.Body).Decode(&cl.body)
		calls = append(calls, cl)
		_, _ = io.WriteString(w, `{"items":[],"total_results":0}`)
	})
	ctx := context.Background()
	NewAuthorsService(c).List(ctx, domain.ListQuery{Limit: 10, Offset: 20, Search: "ado"})
	NewBooksService(c).List(ctx, domain.ListQuery{Limit: 10}, 1899)
	NewBooksService(c).Create(ctx, forms.BookForm{Title: "Dom Casmurro", Year: 1899, AuthorIDs: []int64{7}})
	NewAuthorsService(c).BatchDelete(ctx, []int64{1, 2})

	if q := calls[0].query; calls[0].path != "/author/" || q.Get("limit") != "10" || q.Get("offset") != "20" || q.Get("name") != "ado" {
		t.Fatalf("unexpected authors list call %+v", calls[0])
	}
	if q := calls[1].query; calls[1].path != "/book/" || q.Get("year") != "1899" || q.Has("offset") {
		t.Fatalf("unexpected books list call %+v", calls[1])
	}
	if b := calls[2].body; calls[2].method != http.MethodPost || b["author_id"] != float64(7) || b["year"] != float64(1899) {
		t.Fatalf("unexpected book create call %+v", calls[2])
	}
	ids, _ := calls[3].body["ids"].([]any)
	if calls[3].method != http.MethodDelete || calls[3].path != "/author/" || len(ids) != 2 {
		t.Fatalf("unexpected batch delete call %+v", calls[3])
	}
}

func TestFileTokenStore(t *testing.T) {
	store := FileTokenStore{Path: filepath.Join(t.TempDir(), "madr", "token")}
	if tok, err := store.Load(); err != nil || tok != "" {
		t.Fatalf("expected empty token, got %q %v", tok, err)
	}
	if err := store.Save("abc"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if tok, _ := store.Load(); tok != "abc" {
		t.Fatalf("expected abc, got %q", tok)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}
