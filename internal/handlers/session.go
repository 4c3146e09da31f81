package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/models"
)

// GetActiveSessions lists open accounting sessions
func GetActiveSessions(c *fiber.Ctx) error {
	q := database.DB.Where("acctstoptime IS NULL")
	if username := c.Query("username"); username != "" {
		q = q.Where("username = ?", username)
	}
	if nasIP := c.Query("nas_ip"); nasIP != "" {
		q = q.Where("nasipaddress = ?", nasIP)
	}

	var sessions []models.RadAcct
	if err := q.Order("acctstarttime DESC").Limit(500).Find(&sessions).Error; err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    sessions,
	})
}

// GetSessionHistory lists past sessions for a username
func GetSessionHistory(c *fiber.Ctx) error {
	username := c.Params("username")
	if username == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Username is required",
		})
	}

	var sessions []models.RadAcct
	if err := database.DB.Where("username = ?", username).
		Order("acctstarttime DESC").Limit(100).Find(&sessions).Error; err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    sessions,
	})
}
