package app

import (
	"context"
	"fmt"
	"strconv"

	"madr/internal/util"
	"madr/pkg/auth"
	"madr/pkg/domain"
)

// Login checks email and password and issues an access token.
func (a *App) Login(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return "", ErrInvalidCredentials
	}
	user, found, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("fetch user: %w", err)
	}
	if !found || !user.IsActive || !auth.CheckPassword(password, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}
	return a.issue(user)
}

// Refresh issues a fresh token for an already authenticated user.
func (a *App) Refresh(_ context.Context, user domain.User) (string, error) {
	return a.issue(user)
}

// Logout revokes token until it would have expired.
func (a *App) Logout(_ context.Context, token string) error {
	return a.sessions.DeleteSession(token)
}

// Authenticate resolves the active user owning token.
func (a *App) Authenticate(ctx context.Context, token string) (domain.User, error) {
	subject, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		if err != nil {
			util.LoggerFromContext(ctx).Debug("token rejected", "err", err)
		}
		return domain.User{}, ErrUnauthenticated
	}
	id, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		return domain.User{}, ErrUnauthenticated
	}
	user, found, err := a.store.GetUserByID(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || !user.IsActive {
		return domain.User{}, ErrUnauthenticated
	}
	return user, nil
}

func (a *App) issue(user domain.User) (string, error) {
	token, err := a.sessions.NewSession(strconv.FormatInt(user.ID, 10))
	if err != nil {
		return "", fmt.Errorf("issue access token: %w", err)
	}
	return token, nil
}
