// Package identity resolves the local user every signaling write is
// attributed to.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoIdentity is returned when no usable identity is configured.
	ErrNoIdentity = errors.New("identity: none configured")
	// ErrInvalidToken is returned when the bearer token fails validation.
	ErrInvalidToken = errors.New("identity: invalid token")
)

// Identity is the resolved local user.
type Identity struct {
	UserID      string
	DisplayName string
}

// Provider supplies the current user for signaling writes.
type Provider interface {
	Current(ctx context.Context) (Identity, error)
}

// StaticProvider returns a fixed identity. Used in development and tests.
type StaticProvider struct {
	identity Identity
}

// NewStaticProvider builds a provider around the given user.
func NewStaticProvider(userID, displayName string) (*StaticProvider, error) {
	if userID == "" {
		return nil, ErrNoIdentity
	}
	return &StaticProvider{identity: Identity{UserID: userID, DisplayName: displayName}}, nil
}

func (p *StaticProvider) Current(context.Context) (Identity, error) {
	return p.identity, nil
}

// Claims is the token payload the provider validates. The subject is the
// user id.
type Claims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name,omitempty"`
}

// TokenProvider validates an HMAC-signed bearer token and exposes the
// identity it carries. The parsed identity is cached until the token's
// expiry, then revalidated.
type TokenProvider struct {
	token  string
	secret []byte
	now    func() time.Time

	mu        sync.Mutex
	cached    Identity
	validated bool
	expiresAt time.Time
}

// NewTokenProvider builds a provider for one bearer token.
func NewTokenProvider(token, secret string) (*TokenProvider, error) {
	if token == "" {
		return nil, ErrNoIdentity
	}
	if secret == "" {
		return nil, errors.New("identity: empty signing secret")
	}
	return &TokenProvider{
		token:  token,
		secret: []byte(secret),
		now:    time.Now,
	}, nil
}

func (p *TokenProvider) Current(context.Context) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.validated && now.Before(p.expiresAt) {
		return p.cached, nil
	}

	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(p.token, &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil {
		p.validated = false
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		p.validated = false
		return Identity{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}

	p.cached = Identity{UserID: claims.Subject, DisplayName: claims.DisplayName}
	p.validated = true
	p.expiresAt = claims.ExpiresAt.Time
	return p.cached, nil
}

// Mint signs a token carrying the given identity. Development and test
// helper for the TokenProvider.
func Mint(secret, userID, displayName string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		DisplayName: displayName,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
