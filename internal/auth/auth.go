package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced to the gateway. Expired credentials are a
// distinct condition because the client is expected to renew and reconnect.
var (
	ErrTokenInvalid = errors.New("credential is malformed or has a bad signature")
	ErrTokenExpired = errors.New("credential has expired")
	ErrTokenScope   = errors.New("credential is scoped to a different session")
)

// Claims are the verified contents of a session credential.
type Claims struct {
	SessionID uuid.UUID
	UserID    string
	ExpiresAt time.Time
}

// Authority issues and verifies short-lived credentials, each scoped to one
// session and one user.
type Authority struct {
	secret []byte
	ttl    time.Duration
}

// NewAuthority creates a credential authority with the given signing secret
// and token lifetime.
func NewAuthority(secret []byte, ttl time.Duration) (*Authority, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %v", ttl)
	}
	return &Authority{secret: secret, ttl: ttl}, nil
}

// TTL returns the configured credential lifetime.
func (a *Authority) TTL() time.Duration {
	return a.ttl
}

// Issue creates a signed credential for the session/user pair. The token
// format is base64url(sessionID:userID:expiresUnix).base64url(hmac-sha256).
func (a *Authority) Issue(sessionID uuid.UUID, userID string) string {
	return a.issueAt(sessionID, userID, time.Now().Add(a.ttl))
}

// Renew issues a fresh credential for already-verified claims. Used during
// reconnecting, before the previous credential expires.
func (a *Authority) Renew(claims Claims) string {
	return a.Issue(claims.SessionID, claims.UserID)
}

func (a *Authority) issueAt(sessionID uuid.UUID, userID string, expiresAt time.Time) string {
	payload := fmt.Sprintf("%s:%s:%d", sessionID, userID, expiresAt.Unix())
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + a.sign(encoded)
}

// Verify checks the signature and expiry of a credential and returns its
// claims.
func (a *Authority) Verify(token string) (Claims, error) {
	encoded, sig, found := strings.Cut(token, ".")
	if !found {
		return Claims{}, ErrTokenInvalid
	}

	if !hmac.Equal([]byte(a.sign(encoded)), []byte(sig)) {
		return Claims{}, ErrTokenInvalid
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}

	// The user id may itself contain colons; the session id and expiry
	// never do, so the payload is parsed from its fixed ends.
	idPart, rest, found := strings.Cut(string(raw), ":")
	if !found {
		return Claims{}, ErrTokenInvalid
	}

	sessionID, err := uuid.Parse(idPart)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}

	cut := strings.LastIndex(rest, ":")
	if cut < 0 {
		return Claims{}, ErrTokenInvalid
	}

	expiresUnix, err := strconv.ParseInt(rest[cut+1:], 10, 64)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}

	claims := Claims{
		SessionID: sessionID,
		UserID:    rest[:cut],
		ExpiresAt: time.Unix(expiresUnix, 0),
	}

	if time.Now().After(claims.ExpiresAt) {
		return Claims{}, ErrTokenExpired
	}

	return claims, nil
}

// VerifyForSession verifies a credential and additionally checks its session
// scope.
func (a *Authority) VerifyForSession(token string, sessionID uuid.UUID) (Claims, error) {
	claims, err := a.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.SessionID != sessionID {
		return Claims{}, ErrTokenScope
	}
	return claims, nil
}

func (a *Authority) sign(encoded string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
