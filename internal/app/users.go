package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"madr/pkg/auth"
	"madr/pkg/domain"
	"madr/pkg/mail"
	"madr/pkg/store"
)

// NewUser is the sign-up payload.
type NewUser struct {
	Username  string `json:"username" validate:"required,max=50,nowhitespace"`
	Email     string `json:"email" validate:"required,max=254,email"`
	Password  string `json:"password" validate:"required,password"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

// AdminNewUser is a user created by a superuser. Omitted flags default to
// active and unverified.
type AdminNewUser struct {
	NewUser
	IsActive    *bool `json:"is_active"`
	IsVerified  *bool `json:"is_verified"`
	IsSuperuser bool  `json:"is_superuser"`
}

// UserPatch changes profile fields; nil leaves a field unchanged.
type UserPatch struct {
	Username  *string `json:"username" validate:"omitnil,min=1,max=50,nowhitespace"`
	Email     *string `json:"email" validate:"omitnil,min=1,max=254,email"`
	FirstName *string `json:"first_name" validate:"omitnil,max=100"`
	LastName  *string `json:"last_name" validate:"omitnil,max=100"`
}

func (p UserPatch) normalized() UserPatch {
	trim := func(s *string, f func(string) string) *string {
		if s == nil {
			return nil
		}
		v := f(*s)
		return &v
	}
	return UserPatch{
		Username:  trim(p.Username, strings.TrimSpace),
		Email:     trim(p.Email, normalizeEmail),
		FirstName: trim(p.FirstName, strings.TrimSpace),
		LastName:  trim(p.LastName, strings.TrimSpace),
	}
}

// AdminUserPatch additionally toggles account flags.
type AdminUserPatch struct {
	UserPatch
	IsActive   *bool `json:"is_active"`
	IsVerified *bool `json:"is_verified"`
}

// ErrSelfDeactivate stops a superuser from locking themselves out.
var ErrSelfDeactivate = &Error{KindForbidden, "self_deactivate", "Super users are not allowed to deactivate themselves"}

type userFlags struct {
	superuser, active, verified bool
}

// SignUp registers an active, unverified account.
func (a *App) SignUp(ctx context.Context, in NewUser) (domain.User, error) {
	return a.createUser(ctx, in, userFlags{active: true})
}

// AdminCreateUser lets a superuser create an account with explicit flags.
func (a *App) AdminCreateUser(ctx context.Context, in AdminNewUser) (domain.User, error) {
	flags := userFlags{superuser: in.IsSuperuser, active: true}
	if in.IsActive != nil {
		flags.active = *in.IsActive
	}
	if in.IsVerified != nil {
		flags.verified = *in.IsVerified
	}
	return a.createUser(ctx, in.NewUser, flags)
}

func (a *App) createUser(ctx context.Context, in NewUser, flags userFlags) (domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = normalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)

	if err := a.rules.check(in); err != nil {
		return domain.User{}, err
	}
	if err := a.checkUserConflict(ctx, in.Username, in.Email, 0); err != nil {
		return domain.User{}, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := a.store.CreateUser(ctx, domain.User{
		Username:     in.Username,
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: hash,
		IsSuperuser:  flags.superuser,
		IsActive:     flags.active,
		IsVerified:   flags.verified,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return domain.User{}, a.duplicateUserError(ctx, in.Username, in.Email, 0)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (a *App) checkUserConflict(ctx context.Context, username, email string, excludeID int64) error {
	conflict, found, err := a.store.FindUserConflict(ctx, username, email, excludeID)
	if err != nil {
		return fmt.Errorf("check user conflict: %w", err)
	}
	if !found {
		return nil
	}
	if username != "" && conflict.Username == username {
		return ErrUsernameExists
	}
	return ErrEmailExists
}

// duplicateUserError names the column a concurrent insert collided on.
func (a *App) duplicateUserError(ctx context.Context, username, email string, excludeID int64) error {
	if err := a.checkUserConflict(ctx, username, email, excludeID); err != nil {
		return err
	}
	return ErrUsernameExists
}

// UpdateMe applies a profile patch to the caller's own account. Changing the
// email clears the verified flag.
func (a *App) UpdateMe(ctx context.Context, user domain.User, patch UserPatch) (domain.User, error) {
	updated, err := a.applyPatch(ctx, user, patch)
	if err != nil {
		return domain.User{}, err
	}
	return a.saveUser(ctx, updated)
}

func (a *App) applyPatch(ctx context.Context, user domain.User, patch UserPatch) (domain.User, error) {
	patch = patch.normalized()
	if err := a.rules.check(patch); err != nil {
		return domain.User{}, err
	}
	var username, email string
	if patch.Username != nil {
		username = *patch.Username
	}
	if patch.Email != nil {
		email = *patch.Email
	}
	if username == user.Username {
		username = ""
	}
	if email == user.Email {
		email = ""
	}
	if err := a.checkUserConflict(ctx, username, email, user.ID); err != nil {
		return domain.User{}, err
	}
	if username != "" {
		user.Username = username
	}
	if email != "" {
		user.Email = email
		user.IsVerified = false
	}
	if patch.FirstName != nil {
		user.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		user.LastName = *patch.LastName
	}
	return user, nil
}

func (a *App) saveUser(ctx context.Context, user domain.User) (domain.User, error) {
	saved, err := a.store.UpdateUser(ctx, user)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return domain.User{}, a.duplicateUserError(ctx, user.Username, user.Email, user.ID)
	case errors.Is(err, store.ErrNotFound):
		return domain.User{}, ErrUserNotFound
	case err != nil:
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return saved, nil
}

// ListUsers returns one page of accounts.
func (a *App) ListUsers(ctx context.Context, q domain.ListQuery) (domain.Page[domain.User], error) {
	if err := ValidateListQuery(q); err != nil {
		return domain.Page[domain.User]{}, err
	}
	return a.store.ListUsers(ctx, q)
}

// GetUser returns an account by id.
func (a *App) GetUser(ctx context.Context, id int64) (domain.User, error) {
	user, found, err := a.store.GetUserByID(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// AdminUpdateUser applies a patch to any account. Deactivating an account
// revokes its sessions.
func (a *App) AdminUpdateUser(ctx context.Context, admin domain.User, id int64, patch AdminUserPatch) (domain.User, error) {
	target, err := a.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	if target.ID == admin.ID && patch.IsActive != nil && !*patch.IsActive {
		return domain.User{}, ErrSelfDeactivate
	}
	wasActive := target.IsActive
	target, err = a.applyPatch(ctx, target, patch.UserPatch)
	if err != nil {
		return domain.User{}, err
	}
	if patch.IsActive != nil {
		target.IsActive = *patch.IsActive
	}
	if patch.IsVerified != nil {
		target.IsVerified = *patch.IsVerified
	}
	saved, err := a.saveUser(ctx, target)
	if err != nil {
		return domain.User{}, err
	}
	if wasActive && !saved.IsActive {
		if err := a.revokeAllUserSessions(ctx, saved.ID, a.now().UTC()); err != nil {
			return domain.User{}, err
		}
	}
	return saved, nil
}

// AdminDeleteUser removes another account and revokes its sessions.
func (a *App) AdminDeleteUser(ctx context.Context, admin domain.User, id int64) error {
	target, err := a.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if target.ID == admin.ID {
		return ErrSelfDelete
	}
	if err := a.store.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("delete user: %w", err)
	}
	return a.revokeAllUserSessions(ctx, id, a.now().UTC())
}

// VerificationStatus describes whether user confirmed their email.
func (a *App) VerificationStatus(user domain.User) string {
	if user.IsVerified {
		return "User is already verified."
	}
	return "User has not been verified yet."
}

// RequestVerification e-mails user a link that confirms their address.
func (a *App) RequestVerification(ctx context.Context, user domain.User) (string, error) {
	token, err := a.actionTokens.Issue(auth.PurposeVerify, user.Email)
	if err != nil {
		return "", fmt.Errorf("issue verification token: %w", err)
	}
	link := a.publicBaseURL + "/users/verify/" + token
	msg := mail.Message{
		Kind:    string(auth.PurposeVerify),
		To:      user.Email,
		Subject: "Verify your email",
		HTML: "<h1>Verify your account</h1>\n" +
			`<p>Click in this <a href="` + link + `">link</a> to verify your account</p>`,
	}
	if err := a.outbox.Enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("send verification mail: %w", err)
	}
	return "Email sent to " + user.Email, nil
}

// Verify marks user verified when token was issued for their email.
func (a *App) Verify(ctx context.Context, user domain.User, token string) error {
	email, err := a.actionTokens.Parse(auth.PurposeVerify, token)
	if err != nil {
		return ErrUnauthenticated
	}
	if email != user.Email {
		return ErrVerifyMismatch
	}
	if user.IsVerified {
		return nil
	}
	user.IsVerified = true
	_, err = a.saveUser(ctx, user)
	return err
}

// RequestRecovery e-mails user a password reset link.
func (a *App) RequestRecovery(ctx context.Context, user domain.User) (string, error) {
	token, err := a.actionTokens.Issue(auth.PurposeRecover, user.Email)
	if err != nil {
		return "", fmt.Errorf("issue recovery token: %w", err)
	}
	link := a.publicBaseURL + "/users/change-password/" + token
	msg := mail.Message{
		Kind:    string(auth.PurposeRecover),
		To:      user.Email,
		Subject: "Reset Password",
		HTML: "<h1>Reset Password</h1>\n" +
			`<p>Click in this <a href="` + link + `">link</a> to reset your password</p>`,
	}
	if err := a.outbox.Enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("send recovery mail: %w", err)
	}
	return "Email sent to " + user.Email, nil
}

// ChangePassword sets a new password using a recovery token and revokes every
// session issued before the change.
func (a *App) ChangePassword(ctx context.Context, user domain.User, token, password, confirmation string) error {
	email, err := a.actionTokens.Parse(auth.PurposeRecover, token)
	if err != nil {
		return ErrUnauthenticated
	}
	if email != user.Email {
		return ErrPasswordChangeMismatch
	}
	if password != confirmation {
		return ErrPasswordsDoNotMatch
	}
	if err := a.rules.check(newPassword{Password: password}); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	since := a.now().UTC()
	user.PasswordHash = hash
	if _, err := a.saveUser(ctx, user); err != nil {
		return err
	}
	return a.revokeAllUserSessions(ctx, user.ID, since)
}
