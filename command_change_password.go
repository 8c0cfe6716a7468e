package auth

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
)

type ChangePasswordMessage struct {
	AccountID string `json:"account_id"`
	Current   string `json:"current_password"`
	Next      string `json:"new_password"`
}

func (e ChangePasswordMessage) Type() string { return "account.password.change" }

// ChangePasswordHandler runs a self service password change
type ChangePasswordHandler struct {
	credentials *CredentialAuthenticator
}

func NewChangePasswordHandler(credentials *CredentialAuthenticator) *ChangePasswordHandler {
	return &ChangePasswordHandler{credentials: credentials}
}

func (h *ChangePasswordHandler) Execute(ctx context.Context, event ChangePasswordMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password change",
		)
	default:
		return h.credentials.ChangePassword(ctx, event.AccountID, event.Current, event.Next)
	}
}
