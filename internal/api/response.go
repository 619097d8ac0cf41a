package api

import (
	"github.com/gofiber/fiber/v2"
)

// RespondSuccess sends a standard success response.
func RespondSuccess(c *fiber.Ctx, data interface{}) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

// RespondCreated sends a 201 response with the created resource.
func RespondCreated(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

// RespondMessage sends a success response carrying only a message.
func RespondMessage(c *fiber.Ctx, message string) error {
	return c.JSON(fiber.Map{
		"success": true,
		"message": message,
	})
}

// RespondError sends a standard error response.
func RespondError(c *fiber.Ctx, status int, message, details string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error": fiber.Map{
			"message": message,
			"details": details,
		},
	})
}

// RespondBadRequest sends a 400 error response.
func RespondBadRequest(c *fiber.Ctx, message, details string) error {
	return RespondError(c, fiber.StatusBadRequest, message, details)
}

// RespondNotFound sends a 404 error response.
func RespondNotFound(c *fiber.Ctx, message string) error {
	return RespondError(c, fiber.StatusNotFound, message, "")
}

// RespondConflict sends a 409 error response.
func RespondConflict(c *fiber.Ctx, message string) error {
	return RespondError(c, fiber.StatusConflict, message, "")
}

// RespondInternalError sends a 500 error response.
func RespondInternalError(c *fiber.Ctx, message, details string) error {
	return RespondError(c, fiber.StatusInternalServerError, message, details)
}
