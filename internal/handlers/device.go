package handlers

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/middleware"
	"github.com/ispbase/netcore/internal/models"
)

// GetDevices lists the tenant's devices
func GetDevices(c *fiber.Ctx) error {
	var devices []models.Device
	if err := database.DB.Where("tenant_id = ?", middleware.GetTenantID(c)).
		Order("name").Find(&devices).Error; err != nil {
		return fail(c, err)
	}

	for i := range devices {
		devices[i].HasSecret = devices[i].Secret != ""
		devices[i].HasAPIPassword = devices[i].APIPassword != ""
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    devices,
	})
}

// deviceForTenant loads a device scoped to the caller's tenant
func deviceForTenant(c *fiber.Ctx) (*models.Device, error) {
	deviceID, err := c.ParamsInt("id")
	if err != nil {
		return nil, err
	}
	var device models.Device
	if err := database.DB.Where("tenant_id = ?", middleware.GetTenantID(c)).
		First(&device, deviceID).Error; err != nil {
		return nil, err
	}
	return &device, nil
}

// GetDevice returns one device
func GetDevice(c *fiber.Ctx) error {
	device, err := deviceForTenant(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Device not found",
		})
	}
	device.HasSecret = device.Secret != ""
	device.HasAPIPassword = device.APIPassword != ""

	return c.JSON(fiber.Map{
		"success": true,
		"data":    device,
	})
}

// DeviceRequest represents device create/update fields
type DeviceRequest struct {
	Name              string            `json:"name"`
	ShortName         string            `json:"short_name"`
	IPAddress         string            `json:"ip_address"`
	Kind              models.DeviceKind `json:"kind"`
	Description       string            `json:"description"`
	Secret            string            `json:"secret"`
	AcctPort          int               `json:"acct_port"`
	APIUsername       string            `json:"api_username"`
	APIPassword       string            `json:"api_password"`
	APIPort           int               `json:"api_port"`
	OverwriteComments bool              `json:"overwrite_comments"`
	LegacyLogin       bool              `json:"legacy_login"`
}

// CreateDevice registers a device
func CreateDevice(c *fiber.Ctx) error {
	var req DeviceRequest
	if err := c.BodyParser(&req); err != nil || req.Name == "" || req.IPAddress == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Device name and IP address are required",
		})
	}
	if req.Kind == "" {
		req.Kind = models.DeviceKindMikrotik
	}
	if req.AcctPort == 0 {
		req.AcctPort = 1813
	}
	if req.APIPort == 0 {
		req.APIPort = 8728
	}

	device := models.Device{
		TenantID:          middleware.GetTenantID(c),
		Name:              req.Name,
		ShortName:         req.ShortName,
		IPAddress:         req.IPAddress,
		Kind:              req.Kind,
		Description:       req.Description,
		Secret:            req.Secret,
		AcctPort:          req.AcctPort,
		APIUsername:       req.APIUsername,
		APIPassword:       req.APIPassword,
		APIPort:           req.APIPort,
		OverwriteComments: req.OverwriteComments,
		LegacyLogin:       req.LegacyLogin,
		IsActive:          true,
	}
	if err := database.DB.Create(&device).Error; err != nil {
		return fail(c, err)
	}

	log.Printf("Device: registered %s (%s)", device.Name, device.IPAddress)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    device,
	})
}

// UpdateDevice edits a device. Empty secret fields keep the stored values.
func UpdateDevice(c *fiber.Ctx) error {
	device, err := deviceForTenant(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Device not found",
		})
	}

	var req DeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	updates := map[string]interface{}{
		"overwrite_comments": req.OverwriteComments,
		"legacy_login":       req.LegacyLogin,
	}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.ShortName != "" {
		updates["short_name"] = req.ShortName
	}
	if req.IPAddress != "" {
		updates["ip_address"] = req.IPAddress
	}
	if req.Kind != "" {
		updates["kind"] = req.Kind
	}
	if req.Description != "" {
		updates["description"] = req.Description
	}
	if req.Secret != "" {
		updates["secret"] = req.Secret
	}
	if req.AcctPort > 0 {
		updates["acct_port"] = req.AcctPort
	}
	if req.APIUsername != "" {
		updates["api_username"] = req.APIUsername
	}
	if req.APIPassword != "" {
		updates["api_password"] = req.APIPassword
	}
	if req.APIPort > 0 {
		updates["api_port"] = req.APIPort
	}

	if err := database.DB.Model(device).Updates(updates).Error; err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    device,
	})
}

// DeleteDevice removes a device
func DeleteDevice(c *fiber.Ctx) error {
	device, err := deviceForTenant(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Device not found",
		})
	}

	if err := database.DB.Delete(device).Error; err != nil {
		return fail(c, err)
	}

	log.Printf("Device: deleted %s (%s)", device.Name, device.IPAddress)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Device deleted",
	})
}

// TestDeviceConnection probes the device API and records the result
func TestDeviceConnection(c *fiber.Ctx) error {
	device, err := deviceForTenant(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Device not found",
		})
	}

	gw, err := Gateways.Resolve(device.Kind)
	if err != nil {
		return fail(c, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(Cfg.DeviceCommandTimeoutSeconds)*time.Second)
	defer cancel()

	now := time.Now()
	health, err := gw.CheckHealth(ctx, device)

	updates := map[string]interface{}{"last_checked": now}
	if err != nil {
		updates["is_reachable"] = false
		updates["last_error"] = err.Error()
		database.DB.Model(device).Updates(updates)
		return fail(c, err)
	}

	updates["is_reachable"] = health.Reachable
	updates["latency_ms"] = health.LatencyMs
	updates["last_error"] = health.Error
	if health.Identity != "" {
		updates["version"] = health.Identity
	}
	database.DB.Model(device).Updates(updates)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    health,
	})
}
