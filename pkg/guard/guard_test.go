package guard

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type staticTokens struct {
	token   string
	cleared bool
}

func (s *staticTokens) Token() string { return s.token }

func (s *staticTokens) Clear() error {
	s.token = ""
	s.cleared = true
	return nil
}

func signed(t *testing.T, exp *jwt.NumericDate) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "1", ExpiresAt: exp}).
		SignedString([]byte("not-known-to-the-client"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestCheck(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name        string
		route       string
		token       string
		want        Notice
		wantCleared bool
	}{
		{name: "public route", route: "/signup", token: ""},
		{name: "login always public", route: LoginRoute, token: ""},
		{name: "no token", route: "/dashboard", token: "", want: NoticeLoginRequired},
		{name: "valid", route: "/dashboard", token: signed(t, jwt.NewNumericDate(now.Add(time.Minute)))},
		{name: "expired", route: "/dashboard", token: signed(t, jwt.NewNumericDate(now.Add(-time.Second))), want: NoticeSessionExpired, wantCleared: true},
		{name: "expires now", route: "/dashboard", token: signed(t, jwt.NewNumericDate(now)), want: NoticeSessionExpired, wantCleared: true},
		{name: "no exp", route: "/dashboard", token: signed(t, nil), want: NoticeInvalidSession, wantCleared: true},
		{name: "garbage", route: "/dashboard", token: "not.a.jwt", want: NoticeInvalidSession, wantCleared: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := &staticTokens{token: tc.token}
			d := New(src, clock, "/signup").Check(tc.route)
			if tc.want == "" {
				if !d.Allowed() {
					t.Fatalf("expected allow, got %+v", d.Redirect)
				}
				return
			}
			if d.Allowed() || d.Redirect.To != LoginRoute || d.Redirect.Notice != tc.want {
				t.Fatalf("expected redirect %s, got %+v", tc.want, d.Redirect)
			}
			if src.cleared != tc.wantCleared {
				t.Fatalf("expected cleared=%v", tc.wantCleared)
			}
		})
	}
}

func TestNoticeMessages(t *testing.T) {
	if got := NoticeSessionExpired.Message(); got != "Your session has expired. Please sign in again." {
		t.Fatalf("unexpected message %q", got)
	}
	if NoticeLoginRequired.Message() == "" || NoticeInvalidSession.Message() == "" {
		t.Fatalf("messages must not be empty")
	}
}
