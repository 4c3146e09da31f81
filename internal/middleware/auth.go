package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ispbase/netcore/internal/config"
	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/models"
)

// JWTClaims represents JWT token claims
type JWTClaims struct {
	OperatorID uint   `json:"operator_id"`
	TenantID   uint   `json:"tenant_id"`
	Username   string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateToken generates a new JWT token for an operator
func GenerateToken(operator *models.Operator, cfg *config.Config) (string, error) {
	claims := JWTClaims{
		OperatorID: operator.ID,
		TenantID:   operator.TenantID,
		Username:   operator.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(cfg.JWTExpireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "netcore",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// AuthRequired middleware to protect routes
func AuthRequired(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Missing authorization header",
			})
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Invalid authorization header format",
			})
		}

		token, err := jwt.ParseWithClaims(parts[1], &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Invalid or expired token",
			})
		}

		claims, ok := token.Claims.(*JWTClaims)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Invalid token claims",
			})
		}

		// Check the operator still exists and is active
		var operator models.Operator
		if err := database.DB.First(&operator, claims.OperatorID).Error; err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Operator not found",
			})
		}
		if !operator.IsActive {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Operator account is disabled",
			})
		}

		c.Locals("operator", &operator)
		c.Locals("operatorID", operator.ID)
		c.Locals("tenantID", operator.TenantID)
		c.Locals("username", operator.Username)

		return c.Next()
	}
}

// GetCurrentOperator returns the authenticated operator from context
func GetCurrentOperator(c *fiber.Ctx) *models.Operator {
	operator, ok := c.Locals("operator").(*models.Operator)
	if !ok {
		return nil
	}
	return operator
}

// GetTenantID returns the authenticated operator's tenant
func GetTenantID(c *fiber.Ctx) uint {
	tenantID, ok := c.Locals("tenantID").(uint)
	if !ok {
		return 0
	}
	return tenantID
}
