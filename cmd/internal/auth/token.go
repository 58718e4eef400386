// Package auth implements the Session Authenticator boundary: bearer token
// issue/verify yielding the caller's identity. Credential storage and login
// flows live outside this server.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"servichat/cmd/internal/chat"
)

const defaultAccessTTL = 24 * time.Hour

// Claims is the token payload: the minimal identity envelope propagated
// across HTTP and WebSocket.
type Claims struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	jwt.RegisteredClaims
}

// Manager issues and verifies HS256 access tokens.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewManager constructs a Manager. The secret must be non-empty.
func NewManager(secret, issuer string, ttl time.Duration) (*Manager, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	return &Manager{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue signs a token for the given identity.
func (m *Manager) Issue(id chat.Identity, now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	claims := Claims{
		UserID:   id.UserID,
		UserName: id.UserName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify validates a token and yields the identity it carries. All failure
// modes collapse into chat.ErrAuthentication: callers must not be able to
// distinguish a forged token from an expired one.
func (m *Manager) Verify(token string, now time.Time) (chat.Identity, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid {
		return chat.Identity{}, chat.ErrAuthentication
	}
	if m.issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != m.issuer {
			return chat.Identity{}, chat.ErrAuthentication
		}
	}
	if claims.UserID == "" {
		return chat.Identity{}, chat.ErrAuthentication
	}

	return chat.Identity{UserID: claims.UserID, UserName: claims.UserName}, nil
}
