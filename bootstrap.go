package auth

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
)

// EnsureOwner creates an OWNER account for email unless an account with
// that email already exists. created reports whether a new account was
// stored. The existing account is returned as is, its role is not touched.
func EnsureOwner(ctx context.Context, store AccountStore, hasher PasswordHasher, email, password string) (*Account, bool, error) {
	if email == "" || password == "" {
		return nil, false, goerrors.New("owner email and password are required", goerrors.CategoryValidation).
			WithCode(goerrors.CodeBadRequest)
	}
	if hasher == nil {
		hasher = NewBcryptHasher()
	}

	existing, err := store.FindByEmailOrUsername(ctx, email)
	if err == nil {
		return existing, false, nil
	}
	if !IsAccountNotFound(err) {
		return nil, false, err
	}

	hash, err := hasher.HashPassword(password)
	if err != nil {
		return nil, false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash owner password")
	}

	account, err := store.Create(ctx, NewAccount{
		Email:          email,
		DisplayName:    "Owner",
		CredentialHash: hash,
		Role:           RoleOwner,
		Status:         StatusActive,
	})
	if err != nil {
		return nil, false, err
	}
	return account, true, nil
}
