// handlers/matrix_routes.go
package handlers

import (
	"matrix-reward-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupMatrixRoutes(app *fiber.App, matrixService *services.MatrixService) {
	matrix := app.Group("/matrix/:root")

	matrix.Get("/layers/:layer", func(c *fiber.Ctx) error {
		layer, err := c.ParamsInt("layer")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "layer must be a number"})
		}
		records, err := matrixService.GetMatrixLayer(c.UserContext(), c.Params("root"), layer)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"root":     c.Params("root"),
			"layer":    layer,
			"members":  records,
			"occupied": len(records),
		})
	})

	matrix.Get("/statistics", func(c *fiber.Ctx) error {
		stats, err := matrixService.GetLayerStatistics(c.UserContext(), c.Params("root"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(stats)
	})

	matrix.Get("/children/:parent", func(c *fiber.Ctx) error {
		children, err := matrixService.GetChildren(c.UserContext(), c.Params("root"), c.Params("parent"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(children)
	})

	matrix.Get("/summary", func(c *fiber.Ctx) error {
		summary, err := matrixService.GetSummary(c.UserContext(), c.Params("root"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(summary)
	})

	matrix.Get("/members/:member", func(c *fiber.Ctx) error {
		rec, err := matrixService.GetPlacement(c.UserContext(), c.Params("root"), c.Params("member"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(rec)
	})
}
