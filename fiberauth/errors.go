package fiberauth

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	auth "github.com/goliatone/go-auth-gate"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
)

const genericAuthFailure = "authentication failed"

// ErrorHandler renders errors returned by handlers as JSON. Credential,
// status and provider failures all share one generic message.
func ErrorHandler(logger auth.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = auth.NopLogger()
	}
	return func(c *fiber.Ctx, err error) error {
		return writeError(c, logger, err)
	}
}

func writeError(c *fiber.Ctx, logger auth.Logger, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
	}

	switch {
	case auth.IsTooManyLoginAttempts(err):
		return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{"error": "too many attempts, try again later"})
	case auth.IsAuthenticationFailure(err):
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": genericAuthFailure})
	case auth.IsDuplicateIdentity(err):
		return c.Status(http.StatusConflict).JSON(fiber.Map{"error": "an account with these details already exists"})
	case auth.IsForbidden(err):
		return c.Status(http.StatusForbidden).JSON(fiber.Map{"error": "access denied"})
	case auth.IsAccountNotFound(err):
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "account not found"})
	case auth.IsConcurrentUpdate(err):
		return c.Status(http.StatusConflict).JSON(fiber.Map{"error": "account was modified concurrently, retry"})
	}

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		richErr = goerrors.Wrap(err, goerrors.CategoryInternal, "An unexpected server error occurred").
			WithCode(goerrors.CodeInternal)
	}

	logger.Info(
		"request error",
		"error", richErr.Message,
		"category", richErr.Category,
		"path", c.Path(),
		"details", print.MaybePrettyJSON(richErr.Metadata),
	)

	if richErr.Category == goerrors.CategoryValidation || richErr.Category == goerrors.CategoryBadInput {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": richErr.Message})
	}

	logger.Error("unhandled request error", "path", c.Path(), "error", err)
	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
}
