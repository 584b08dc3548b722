// handlers/reward_routes.go
package handlers

import (
	"matrix-reward-engine/middleware"
	"matrix-reward-engine/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func SetupRewardRoutes(app *fiber.App, rewardService *services.RewardService, logger *zap.Logger) {
	rewards := app.Group("/rewards/:wallet")

	rewards.Get("/claimable", func(c *fiber.Ctx) error {
		claims, err := rewardService.GetClaimableRewards(c.UserContext(), c.Params("wallet"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"wallet": c.Params("wallet"), "rewards": claims})
	})

	rewards.Get("/pending", func(c *fiber.Ctx) error {
		claims, err := rewardService.GetPendingRewards(c.UserContext(), c.Params("wallet"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"wallet": c.Params("wallet"), "rewards": claims})
	})

	rewards.Get("/history", func(c *fiber.Ctx) error {
		claims, err := rewardService.GetRewardHistory(c.UserContext(), c.Params("wallet"), c.QueryInt("limit", 100))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"wallet": c.Params("wallet"), "rewards": claims})
	})

	rewards.Get("/summary", func(c *fiber.Ctx) error {
		summary, err := rewardService.GetRewardSummary(c.UserContext(), c.Params("wallet"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(summary)
	})

	// 🔐 the caller claims its own reward
	secured := app.Group("/s", middleware.UserContextMiddleware(logger))
	secured.Post("/rewards/:id/claim", func(c *fiber.Ctx) error {
		wallet := c.Locals("user_id").(string)
		claimID := c.Params("id")
		if _, err := uuid.Parse(claimID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid claim ID format"})
		}

		claim, err := rewardService.ClaimReward(c.UserContext(), claimID, wallet)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"message": "reward claimed",
			"claim":   claim,
		})
	})
}
