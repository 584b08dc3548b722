// handlers/event_routes.go
package handlers

import (
	"matrix-reward-engine/models"
	"matrix-reward-engine/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SetupEventRoutes accepts membership events pushed by the activation service.
func SetupEventRoutes(app *fiber.App, matrixService *services.MatrixService, rewardService *services.RewardService) {
	events := app.Group("/internal/events")

	events.Post("/activated", func(c *fiber.Ctx) error {
		var ev models.MemberActivated
		if err := c.BodyParser(&ev); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
		}
		if err := validate.Struct(ev); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		res, err := matrixService.HandleActivated(c.UserContext(), ev)
		if err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	})

	events.Post("/leveled-up", func(c *fiber.Ctx) error {
		var ev models.MemberLeveledUp
		if err := c.BodyParser(&ev); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
		}
		if err := validate.Struct(ev); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		res, err := rewardService.HandleLeveledUp(c.UserContext(), ev)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(res)
	})
}
