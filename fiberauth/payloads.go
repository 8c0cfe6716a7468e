package fiberauth

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	auth "github.com/goliatone/go-auth-gate"
	goerrors "github.com/goliatone/go-errors"
)

// LoginPayload holds the credential login form
type LoginPayload struct {
	Identifier string `form:"identifier" json:"identifier"`
	Password   string `form:"password" json:"password"`
	ReturnTo   string `form:"return_to" json:"return_to"`
}

// Validate will validate the payload
func (p LoginPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Identifier, validation.Required, validation.Length(1, 100)),
		validation.Field(&p.Password, validation.Required, validation.Length(1, 100)),
	)
}

// PasswordChangePayload holds the self service password change form
type PasswordChangePayload struct {
	Current string `form:"current_password" json:"current_password"`
	Next    string `form:"new_password" json:"new_password"`
}

func (p PasswordChangePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Current, validation.Required),
		validation.Field(&p.Next, validation.Required, validation.Length(8, 100)),
	)
}

// ProfileUpdatePayload holds the self service profile form
type ProfileUpdatePayload struct {
	Email       *string `json:"email"`
	Username    *string `json:"username"`
	DisplayName *string `json:"display_name"`
}

func (p ProfileUpdatePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.NilOrNotEmpty, is.Email),
		validation.Field(&p.Username, validation.NilOrNotEmpty, validation.Length(3, 32), validation.Match(auth.UsernamePattern)),
		validation.Field(&p.DisplayName, validation.Length(0, 100)),
	)
}

func (p ProfileUpdatePayload) Patch() auth.AccountPatch {
	return auth.AccountPatch{
		Email:       p.Email,
		Username:    p.Username,
		DisplayName: p.DisplayName,
	}
}

// AccountCreatePayload holds an administrative account creation, the role
// defaults to USER
type AccountCreatePayload struct {
	auth.RegisterPayload
	Role string `json:"role"`
}

func (p AccountCreatePayload) Validate() error {
	if err := p.RegisterPayload.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(&p,
		validation.Field(&p.Role, validation.By(knownRole)),
	)
}

// TargetRole returns the requested role, USER when none was given
func (p AccountCreatePayload) TargetRole() auth.Role {
	if role, ok := auth.ParseRole(p.Role); ok {
		return role
	}
	return auth.RoleUser
}

// AccountUpdatePayload holds an administrative account change, absent
// fields are left untouched
type AccountUpdatePayload struct {
	Email       *string `json:"email"`
	Username    *string `json:"username"`
	DisplayName *string `json:"display_name"`
	Role        *string `json:"role"`
	Status      *string `json:"status"`
}

func (p AccountUpdatePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.NilOrNotEmpty, is.Email),
		validation.Field(&p.Username, validation.NilOrNotEmpty, validation.Length(3, 32), validation.Match(auth.UsernamePattern)),
		validation.Field(&p.DisplayName, validation.Length(0, 100)),
		validation.Field(&p.Role, validation.NilOrNotEmpty, validation.By(knownRole)),
		validation.Field(&p.Status, validation.NilOrNotEmpty, validation.By(func(v any) error {
			if s, ok := v.(*string); ok && s != nil {
				if _, ok := auth.ParseStatus(*s); !ok {
					return errors.New("unknown status")
				}
			}
			return nil
		})),
	)
}

// Patch converts the payload into a store patch
func (p AccountUpdatePayload) Patch() auth.AccountPatch {
	patch := auth.AccountPatch{
		Email:       p.Email,
		Username:    p.Username,
		DisplayName: p.DisplayName,
	}
	if p.Role != nil {
		if role, ok := auth.ParseRole(*p.Role); ok {
			patch.Role = &role
		}
	}
	if p.Status != nil {
		if status, ok := auth.ParseStatus(*p.Status); ok {
			patch.Status = &status
		}
	}
	return patch
}

func knownRole(v any) error {
	var s string
	switch r := v.(type) {
	case string:
		s = r
	case *string:
		if r == nil {
			return nil
		}
		s = *r
	}
	if s == "" {
		return nil
	}
	if _, ok := auth.ParseRole(s); !ok {
		return errors.New("unknown role")
	}
	return nil
}

func invalidPayload(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid request payload").
		WithCode(goerrors.CodeBadRequest)
}
