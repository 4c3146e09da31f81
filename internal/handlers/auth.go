package handlers

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/middleware"
	"github.com/ispbase/netcore/internal/models"
)

// LoginRequest represents login credentials
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates an operator and returns a JWT token
func Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	var operator models.Operator
	if err := database.DB.Where("username = ?", req.Username).First(&operator).Error; err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "Invalid username or password",
		})
	}

	if err := bcrypt.CompareHashAndPassword([]byte(operator.Password), []byte(req.Password)); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "Invalid username or password",
		})
	}

	if !operator.IsActive {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "Account is disabled",
		})
	}

	token, err := middleware.GenerateToken(&operator, Cfg)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to generate token",
		})
	}

	now := time.Now()
	database.DB.Model(&operator).Update("last_login", now)

	log.Printf("Auth: operator %s logged in", operator.Username)

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"token":    token,
			"operator": operator,
		},
	})
}

// Me returns the authenticated operator
func Me(c *fiber.Ctx) error {
	operator := middleware.GetCurrentOperator(c)
	if operator == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "Not authenticated",
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    operator,
	})
}
