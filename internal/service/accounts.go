package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/punchamoorthee/paywallet/internal/auth"
	"github.com/punchamoorthee/paywallet/internal/domain"
	"github.com/punchamoorthee/paywallet/internal/store"
)

const (
	minNameLen     = 2
	maxNameLen     = 20
	minPasswordLen = 5
)

// AccountService signs principals up and logs them in.
type AccountService struct {
	store     store.Store
	passwords auth.Passwords
	tokens    *auth.Tokens
}

func NewAccountService(s store.Store, p auth.Passwords, t *auth.Tokens) *AccountService {
	return &AccountService{store: s, passwords: p, tokens: t}
}

// Signup creates the principal and its zero-balance account together.
func (s *AccountService) Signup(ctx context.Context, kind domain.OwnerKind, name, email, password string) (*domain.Principal, error) {
	if kind != domain.OwnerUser && kind != domain.OwnerMerchant {
		return nil, domain.Invalid("kind", "must be user or merchant")
	}
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < minNameLen || n > maxNameLen {
		return nil, domain.Invalid("name", "must be 2 to 20 characters")
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(password) < minPasswordLen {
		return nil, domain.Invalid("password", "must be at least 5 characters")
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, err
	}
	p := &domain.Principal{Kind: kind, Name: name, Email: email, PasswordHash: hash}
	if _, err := s.store.CreatePrincipal(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Login returns a signed token for the principal.
func (s *AccountService) Login(ctx context.Context, kind domain.OwnerKind, email, password string) (string, *domain.Principal, error) {
	if err := validateEmail(email); err != nil {
		return "", nil, err
	}
	if password == "" {
		return "", nil, domain.Invalid("password", "is required")
	}

	p, err := s.store.PrincipalByEmail(ctx, kind, email)
	if err != nil {
		return "", nil, err
	}
	if err := s.passwords.Verify(p.PasswordHash, password); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return "", nil, domain.ErrUnauthorized
		}
		return "", nil, err
	}

	token, err := s.tokens.Issue(p)
	if err != nil {
		return "", nil, err
	}
	return token, p, nil
}

// validateEmail accepts a bare address only, no display name.
func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return domain.Invalid("email", "must be a valid address")
	}
	return nil
}
