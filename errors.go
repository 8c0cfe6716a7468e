package auth

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidCredentials     = "INVALID_CREDENTIALS"
	TextCodeAccountNotActive       = "ACCOUNT_NOT_ACTIVE"
	TextCodeDuplicateIdentity      = "DUPLICATE_IDENTITY"
	TextCodeProviderError          = "PROVIDER_ERROR"
	TextCodeTokenInvalid           = "TOKEN_INVALID"
	TextCodeTokenExpired           = "TOKEN_EXPIRED"
	TextCodeAccountNotFound        = "ACCOUNT_NOT_FOUND"
	TextCodeRoleChangeForbidden    = "ROLE_CHANGE_FORBIDDEN"
	TextCodeAccountUpdateForbidden = "ACCOUNT_UPDATE_FORBIDDEN"
	TextCodeAccountDeleteForbidden = "ACCOUNT_DELETE_FORBIDDEN"
	TextCodeRoleNotAssignable      = "ROLE_NOT_ASSIGNABLE"
	TextCodeTooManyLoginAttempts   = "TOO_MANY_LOGIN_ATTEMPTS"
	TextCodeConcurrentUpdate       = "CONCURRENT_UPDATE"
	TextCodeInvalidUsername        = "INVALID_USERNAME"
)

// ErrInvalidCredentials is returned for an unknown identifier or a wrong
// password. Both cases are indistinguishable to the caller.
var ErrInvalidCredentials = goerrors.New("invalid credentials", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountNotActive is returned when a suspended or banned account
// presents valid credentials.
var ErrAccountNotActive = goerrors.New("account not active", goerrors.CategoryAuthz).
	WithTextCode(TextCodeAccountNotActive).
	WithCode(goerrors.CodeForbidden)

// ErrDuplicateIdentity is returned when email, username or external id
// already belong to another account.
var ErrDuplicateIdentity = goerrors.New("identity already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeDuplicateIdentity).
	WithCode(goerrors.CodeConflict)

// ErrProviderError is returned when the external identity provider fails
var ErrProviderError = goerrors.New("external identity provider error", goerrors.CategoryAuth).
	WithTextCode(TextCodeProviderError).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenInvalid covers malformed tokens, bad signatures and bad claims
var ErrTokenInvalid = goerrors.New("invalid session token", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenInvalid).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenExpired is returned once a token reaches its expiry time
var ErrTokenExpired = goerrors.New("session token expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountNotFound is returned by store operations on unknown ids
var ErrAccountNotFound = goerrors.New("account not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeAccountNotFound).
	WithCode(goerrors.CodeNotFound)

var ErrRoleChangeForbidden = goerrors.New("actor may not change this role", goerrors.CategoryAuthz).
	WithTextCode(TextCodeRoleChangeForbidden).
	WithCode(goerrors.CodeForbidden)

var ErrAccountUpdateForbidden = goerrors.New("actor may not update this account", goerrors.CategoryAuthz).
	WithTextCode(TextCodeAccountUpdateForbidden).
	WithCode(goerrors.CodeForbidden)

var ErrAccountDeleteForbidden = goerrors.New("actor may not delete this account", goerrors.CategoryAuthz).
	WithTextCode(TextCodeAccountDeleteForbidden).
	WithCode(goerrors.CodeForbidden)

var ErrRoleNotAssignable = goerrors.New("role can not be assigned", goerrors.CategoryValidation).
	WithTextCode(TextCodeRoleNotAssignable).
	WithCode(goerrors.CodeBadRequest)

var ErrTooManyLoginAttempts = goerrors.New("too many login attempts", goerrors.CategoryRateLimit).
	WithTextCode(TextCodeTooManyLoginAttempts).
	WithCode(http.StatusTooManyRequests)

// ErrConcurrentUpdate is returned when an update lost the version race
// more times than the store retries.
var ErrConcurrentUpdate = goerrors.New("account was modified concurrently", goerrors.CategoryConflict).
	WithTextCode(TextCodeConcurrentUpdate).
	WithCode(goerrors.CodeConflict)

// ErrInvalidUsername is returned for a username outside UsernamePattern
var ErrInvalidUsername = goerrors.New("username may only contain letters, digits, '.', '_' and '-'", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidUsername).
	WithCode(goerrors.CodeBadRequest)

// newError clones a sentinel so metadata and source do not leak between
// callers sharing the package level value.
func newError(base *goerrors.Error, source error, meta map[string]any) *goerrors.Error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	if source != nil {
		clone.Source = source
	}
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}
	return clone
}

func hasTextCode(err error, code string) bool {
	for err != nil {
		var richErr *goerrors.Error
		if !goerrors.As(err, &richErr) || richErr == nil {
			return false
		}
		if richErr.TextCode == code {
			return true
		}
		err = richErr.Source
	}
	return false
}

func IsInvalidCredentials(err error) bool {
	return hasTextCode(err, TextCodeInvalidCredentials)
}

func IsAccountNotActive(err error) bool {
	return hasTextCode(err, TextCodeAccountNotActive)
}

func IsDuplicateIdentity(err error) bool {
	return hasTextCode(err, TextCodeDuplicateIdentity)
}

func IsProviderError(err error) bool {
	return hasTextCode(err, TextCodeProviderError)
}

func IsTokenInvalid(err error) bool {
	return hasTextCode(err, TextCodeTokenInvalid)
}

func IsTokenExpired(err error) bool {
	return hasTextCode(err, TextCodeTokenExpired)
}

func IsAccountNotFound(err error) bool {
	return hasTextCode(err, TextCodeAccountNotFound)
}

func IsTooManyLoginAttempts(err error) bool {
	return hasTextCode(err, TextCodeTooManyLoginAttempts)
}

// IsForbidden matches every policy rejection raised by the account store
func IsForbidden(err error) bool {
	return hasTextCode(err, TextCodeRoleChangeForbidden) ||
		hasTextCode(err, TextCodeAccountUpdateForbidden) ||
		hasTextCode(err, TextCodeAccountDeleteForbidden)
}

// IsAuthenticationFailure groups every error that should surface to an end
// user as a generic authentication failure.
func IsAuthenticationFailure(err error) bool {
	return IsInvalidCredentials(err) ||
		IsAccountNotActive(err) ||
		IsProviderError(err) ||
		IsTooManyLoginAttempts(err)
}

func IsRoleNotAssignable(err error) bool {
	return hasTextCode(err, TextCodeRoleNotAssignable)
}

func IsConcurrentUpdate(err error) bool {
	return hasTextCode(err, TextCodeConcurrentUpdate)
}

func IsInvalidUsername(err error) bool {
	return hasTextCode(err, TextCodeInvalidUsername)
}
