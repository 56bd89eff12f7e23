package auth

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ActionPurpose scopes an emailed token to one flow.
type ActionPurpose string

const (
	PurposeVerify  ActionPurpose = "verify"
	PurposeRecover ActionPurpose = "recover"
)

const defaultActionTTL = 24 * time.Hour

var ErrInvalidActionToken = errors.New("invalid action token")

type actionClaims struct {
	Email   string        `json:"email"`
	Purpose ActionPurpose `json:"purpose"`
	jwt.RegisteredClaims
}

// ActionTokens issues and checks URL-safe tokens embedded in account emails.
type ActionTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewActionTokens builds an HS256 action-token codec.
func NewActionTokens(secret string, ttl time.Duration) (*ActionTokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("action token secret required")
	}
	if ttl <= 0 {
		ttl = defaultActionTTL
	}
	return &ActionTokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token binding email to purpose.
func (a *ActionTokens) Issue(purpose ActionPurpose, email string) (string, error) {
	now := a.now().UTC()
	claims := actionClaims{
		Email:   strings.ToLower(strings.TrimSpace(email)),
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates token for purpose and returns the email it was issued to.
func (a *ActionTokens) Parse(purpose ActionPurpose, token string) (string, error) {
	claims := actionClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidActionToken
	}
	if claims.Purpose != purpose || claims.Email == "" {
		return "", ErrInvalidActionToken
	}
	return claims.Email, nil
}
