package auth

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrEmptyPassword = goerrors.New("password can not be empty", goerrors.CategoryValidation).
	WithCode(goerrors.CodeBadRequest)

// ErrMismatchedHashAndPassword is returned by ComparePasswordAndHash
var ErrMismatchedHashAndPassword = errors.New("password does not match hash")

// BcryptHasher implements PasswordHasher
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a hasher using the build's default cost
func NewBcryptHasher() BcryptHasher {
	return BcryptHasher{Cost: passwordHashCost()}
}

// HashPassword will generate a password hash
func (b BcryptHasher) HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	cost := b.Cost
	if cost < bcrypt.MinCost {
		cost = passwordHashCost()
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(h), err
}

// ComparePasswordAndHash will validate the given cleartext
// password matches the hashed password
func (b BcryptHasher) ComparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatchedHashAndPassword
		}
		return err
	}
	return nil
}

// HashPassword hashes with the default hasher
func HashPassword(password string) (string, error) {
	return NewBcryptHasher().HashPassword(password)
}

// ComparePasswordAndHash compares with the default hasher
func ComparePasswordAndHash(password, hash string) error {
	return NewBcryptHasher().ComparePasswordAndHash(password, hash)
}

// RandomPasswordHash returns a hash nobody knows the password for. The
// authenticator compares against it when no account matches so both paths
// pay the same bcrypt cost.
func RandomPasswordHash(h PasswordHasher) string {
	if h == nil {
		h = NewBcryptHasher()
	}
	hash, err := h.HashPassword(uuid.NewString())
	if err != nil {
		return RandomPasswordHash(h)
	}
	return hash
}
