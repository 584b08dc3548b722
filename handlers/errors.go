// handlers/errors.go
package handlers

import (
	"errors"

	"matrix-reward-engine/services"

	"github.com/gofiber/fiber/v2"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrMemberNotFound),
		errors.Is(err, services.ErrPlacementNotFound),
		errors.Is(err, services.ErrClaimNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrDuplicatePlacement),
		errors.Is(err, services.ErrClaimStateConflict):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrBrokenChain),
		errors.Is(err, services.ErrOrphanedPlacement),
		errors.Is(err, services.ErrInvalidEvent),
		errors.Is(err, services.ErrInvalidLayer):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, services.ErrPlacementConflict):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = "internal error"
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
