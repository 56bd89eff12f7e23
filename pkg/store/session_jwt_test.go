package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func newHSStore(t *testing.T, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	s, err := NewJWTHS256SessionStore("test-secret", time.Minute, revoker, opts)
	if err != nil {
		t.Fatalf("new hs256 store: %v", err)
	}
	return s
}

func TestJWTHS256SessionStoreRoundTrip(t *testing.T) {
	s := newHSStore(t, NewMemoryTokenRevoker(), JWTOptions{})
	token, err := s.NewSession("42")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok || userID != "42" {
		t.Fatalf("unexpected verify result: id=%q ok=%v err=%v", userID, ok, err)
	}
}

func TestJWTSessionStoreRejectsOtherSecret(t *testing.T) {
	a := newHSStore(t, nil, JWTOptions{})
	b, err := NewJWTHS256SessionStore("other-secret", time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token, err := a.NewSession("1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := b.GetUserIDByToken(token); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	signing := newHSStore(t, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-a", Leeway: time.Second})
	verify := newHSStore(t, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-b", Leeway: time.Second})

	token, err := signing.NewSession("user-claim")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verify.GetUserIDByToken(token); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestJWTSessionStoreRejectsExpired(t *testing.T) {
	s := newHSStore(t, nil, JWTOptions{Leeway: time.Second})
	issued := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return issued }
	token, err := s.NewSession("7")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	s.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected expired token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	s := newHSStore(t, NewMemoryTokenRevoker(), JWTOptions{})

	token, err := s.NewSession("user-revoke")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRevokesByUserCutoff(t *testing.T) {
	revoker := NewMemoryTokenRevoker()
	s := newHSStore(t, revoker, JWTOptions{})
	issued := time.Now().UTC().Add(-10 * time.Second)
	s.now = func() time.Time { return issued }

	token, err := s.NewSession("9")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	s.now = time.Now
	if err := s.RevokeUserSessions("9", time.Now().UTC()); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected user-revoked token to fail, ok=%v err=%v", ok, err)
	}

	fresh, err := s.NewSession("9")
	if err != nil {
		t.Fatalf("new session after cutoff: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(fresh); err != nil || !ok {
		t.Fatalf("token issued after cutoff should pass, ok=%v err=%v", ok, err)
	}
}

func TestJWTRS256SessionStoreFromPEM(t *testing.T) {
	privatePath, publicPath := writeRSAKeyPairFiles(t, "active")

	s, err := NewJWTRS256SessionStoreFromPEM(privatePath, publicPath, time.Minute, NewMemoryTokenRevoker(), JWTOptions{})
	if err != nil {
		t.Fatalf("new rs256 store: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if !ok || userID != "user-1" {
		t.Fatalf("unexpected verify result: ok=%v userID=%q", ok, userID)
	}

	withoutPublic, err := NewJWTRS256SessionStoreFromPEM(privatePath, "", time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new rs256 store without public key: %v", err)
	}
	if _, _, err := withoutPublic.GetUserIDByToken(token); err != nil {
		t.Fatalf("private key's public half should verify: %v", err)
	}
}

func TestJWTRS256SessionStoreRejectsHS256Token(t *testing.T) {
	privatePath, publicPath := writeRSAKeyPairFiles(t, "alg")
	rs, err := NewJWTRS256SessionStoreFromPEM(privatePath, publicPath, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new rs256 store: %v", err)
	}
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "1",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		ID:        "jti-forged",
	})
	signed, err := forged.SignedString([]byte("guess"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, _, err := rs.GetUserIDByToken(signed); err == nil {
		t.Fatalf("expected algorithm mismatch to fail")
	}
}

func TestJWTSessionStoreRequiresJTIClaim(t *testing.T) {
	s := newHSStore(t, nil, JWTOptions{})
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-missing-jti",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(5 * time.Minute)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, _, err := s.GetUserIDByToken(signed); err == nil {
		t.Fatalf("expected missing jti token to fail")
	}
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}
