// Package guard decides whether a client-side route may render for the stored
// session. It inspects the token locally and never calls the API.
package guard

import (
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const LoginRoute = "/login"

// Notice explains a redirect to the login view.
type Notice string

const (
	NoticeLoginRequired  Notice = "login_required"
	NoticeSessionExpired Notice = "session_expired"
	NoticeInvalidSession Notice = "invalid_session"
)

// Message is the text shown on the login view.
func (n Notice) Message() string {
	switch n {
	case NoticeSessionExpired:
		return "Your session has expired. Please sign in again."
	case NoticeInvalidSession:
		return "Your session is invalid. Please sign in again."
	default:
		return "Please sign in to continue."
	}
}

// Redirect sends the user elsewhere instead of rendering the route.
type Redirect struct {
	To     string
	Notice Notice
}

// Decision is the outcome of Check. Redirect is nil when the route may render.
type Decision struct {
	Redirect *Redirect
}

func (d Decision) Allowed() bool { return d.Redirect == nil }

// TokenSource returns the stored access token, "" when signed out.
type TokenSource interface {
	Token() string
}

type clearer interface {
	Clear() error
}

// Guard protects every route except the public ones.
type Guard struct {
	tokens TokenSource
	now    func() time.Time
	public map[string]bool
}

// New builds a guard. public lists routes open without a session; the login
// route is always public.
func New(tokens TokenSource, now func() time.Time, public ...string) *Guard {
	if now == nil {
		now = time.Now
	}
	g := &Guard{tokens: tokens, now: now, public: map[string]bool{LoginRoute: true}}
	for _, r := range public {
		g.public[r] = true
	}
	return g
}

// Check decides whether route may render. Expired or malformed tokens are
// cleared from sources that support it.
func (g *Guard) Check(route string) Decision {
	if g.public[route] {
		return Decision{}
	}
	token := ""
	if g.tokens != nil {
		token = strings.TrimSpace(g.tokens.Token())
	}
	if token == "" {
		return redirect(NoticeLoginRequired)
	}
	exp, err := expiry(token)
	if err != nil {
		g.clear()
		return redirect(NoticeInvalidSession)
	}
	if !g.now().Before(exp) {
		g.clear()
		return redirect(NoticeSessionExpired)
	}
	return Decision{}
}

func (g *Guard) clear() {
	if c, ok := g.tokens.(clearer); ok {
		_ = c.Clear()
	}
}

func redirect(n Notice) Decision {
	return Decision{Redirect: &Redirect{To: LoginRoute, Notice: n}}
}

// expiry reads the exp claim without verifying the signature.
func expiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, jwt.ErrTokenRequiredClaimMissing
	}
	return claims.ExpiresAt.Time, nil
}
