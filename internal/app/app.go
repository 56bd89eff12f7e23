package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"madr/internal/util"
	"madr/pkg/auth"
	"madr/pkg/mail"
	"madr/pkg/store"
)

// Config holds the collaborators of the application core.
type Config struct {
	Store        store.Store
	Sessions     store.SessionStore
	ActionTokens *auth.ActionTokens
	Outbox       mail.Outbox
	// PublicBaseURL prefixes the links sent in account e-mails.
	PublicBaseURL string
	Now           func() time.Time
}

// App implements the MADR use cases on top of storage and sessions.
type App struct {
	store         store.Store
	sessions      store.SessionStore
	actionTokens  *auth.ActionTokens
	outbox        mail.Outbox
	publicBaseURL string
	now           func() time.Time
	rules         *checker
}

// New validates cfg and builds the application core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.ActionTokens == nil {
		return nil, errors.New("action tokens required")
	}
	outbox := cfg.Outbox
	if outbox == nil {
		outbox = mail.InlineOutbox{Mailer: mail.LogMailer{}}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if base == "" {
		base = "http://127.0.0.1:8000"
	}
	return &App{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		actionTokens:  cfg.ActionTokens,
		outbox:        outbox,
		publicBaseURL: base,
		now:           now,
		rules:         newChecker(now),
	}, nil
}

// BootstrapSuperuser creates the first superuser unless the email is taken.
// It reports whether an account was created.
func (a *App) BootstrapSuperuser(ctx context.Context, username, email, password string) (bool, error) {
	email = normalizeEmail(email)
	username = strings.TrimSpace(username)
	if email == "" || username == "" {
		return false, nil
	}
	if _, found, err := a.store.GetUserByEmail(ctx, email); err != nil {
		return false, fmt.Errorf("fetch superuser: %w", err)
	} else if found {
		return false, nil
	}
	_, err := a.createUser(ctx, NewUser{
		Username: username,
		Email:    email,
		Password: password,
	}, userFlags{superuser: true, active: true, verified: true})
	if err != nil {
		return false, fmt.Errorf("create superuser: %w", err)
	}
	util.LoggerFromContext(ctx).Info("superuser_bootstrapped", "email", email)
	return true, nil
}

func (a *App) revokeAllUserSessions(ctx context.Context, userID int64, since time.Time) error {
	revoker, ok := a.sessions.(store.UserSessionRevoker)
	if !ok {
		return nil
	}
	if err := revoker.RevokeUserSessions(strconv.FormatInt(userID, 10), since); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	util.LoggerFromContext(ctx).Info("user_sessions_revoked", slog.Int64("user_id", userID))
	return nil
}
