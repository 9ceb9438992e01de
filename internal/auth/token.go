package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/punchamoorthee/paywallet/internal/domain"
)

// Identity is the authenticated caller.
type Identity struct {
	PrincipalID int64
	Kind        domain.OwnerKind
	Name        string
	Email       string
}

type claims struct {
	Kind  domain.OwnerKind `json:"kind"`
	Name  string           `json:"name"`
	Email string           `json:"email"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) Issue(p *domain.Principal) (string, error) {
	now := t.now()
	c := claims{
		Kind:  p.Kind,
		Name:  p.Name,
		Email: p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
}

// Verify returns domain.ErrUnauthorized for any invalid, expired or foreign token.
func (t *Tokens) Verify(token string) (*Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || (c.Kind != domain.OwnerUser && c.Kind != domain.OwnerMerchant) {
		return nil, fmt.Errorf("%w: malformed claims", domain.ErrUnauthorized)
	}
	return &Identity{PrincipalID: id, Kind: c.Kind, Name: c.Name, Email: c.Email}, nil
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}
