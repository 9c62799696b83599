package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionHeader carries the session token on API requests.
const SessionHeader = "X-Session-Token"

const sessionIssuer = "sharegate"

var ErrInvalidSession = errors.New("invalid session token")

// Sessions issues and verifies HS256 session tokens. The token's jti is the
// session id; nothing else about the session lives in the token.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue starts a new session for subject.
func (s *Sessions) Issue(subject string) (token, sessionID string, expires time.Time, err error) {
	now := s.now()
	sessionID = uuid.NewString()
	expires = now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   subject,
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, sessionID, expires, nil
}

// Verify returns the session id carried by a valid, unexpired token.
func (s *Sessions) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.ID == "" {
		return "", fmt.Errorf("%w: missing session id", ErrInvalidSession)
	}
	return claims.ID, nil
}

// ExtractSessionToken reads the session token header.
func ExtractSessionToken(r *http.Request) (string, error) {
	tok := strings.TrimSpace(r.Header.Get(SessionHeader))
	if tok == "" {
		return "", fmt.Errorf("missing %s header", SessionHeader)
	}
	return tok, nil
}
