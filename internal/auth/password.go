package auth

import (
	"errors"

	"github.com/punchamoorthee/paywallet/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// Passwords hashes and checks passwords with bcrypt. A zero Cost means bcrypt.DefaultCost.
type Passwords struct {
	Cost int
}

func (p Passwords) Hash(password string) (string, error) {
	cost := p.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify returns domain.ErrUnauthorized when password does not match hash.
func (p Passwords) Verify(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return domain.ErrUnauthorized
	}
	return err
}
