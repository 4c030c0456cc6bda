package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"courseescrow/escrow"
)

var (
	// ErrInvalidToken signals a token that fails signature, expiry or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrWeakSecret signals a signing secret too short for HS256.
	ErrWeakSecret = errors.New("auth: secret must be at least 16 bytes")
)

const defaultTTL = 24 * time.Hour

// Service issues and verifies bearer tokens that carry a caller principal in
// the subject claim.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a token service signing with secret.
func NewService(secret string) (*Service, error) {
	if len(secret) < 16 {
		return nil, ErrWeakSecret
	}
	return &Service{
		secret: []byte(secret),
		issuer: "courseescrow",
		ttl:    defaultTTL,
		now:    time.Now,
	}, nil
}

// WithTTL overrides token lifetime.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue signs a token for principal.
func (s *Service) Issue(principal escrow.Principal) (string, error) {
	sub := strings.TrimSpace(string(principal))
	if sub == "" {
		return "", fmt.Errorf("auth: principal is required")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// VerifyToken validates a token and returns the principal it was issued to.
func (s *Service) VerifyToken(tokenString string) (escrow.Principal, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return escrow.Principal(sub), nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
