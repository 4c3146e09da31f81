package handlers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/middleware"
	"github.com/ispbase/netcore/internal/models"
	"github.com/ispbase/netcore/internal/provisioning"
)

// GetTemplates lists the tenant's provisioning templates
func GetTemplates(c *fiber.Ctx) error {
	templates, err := ProvStore.ListTemplates(middleware.GetTenantID(c))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    templates,
	})
}

// TemplateRequest represents template create/update fields
type TemplateRequest struct {
	Name        string              `json:"name"`
	Type        models.TemplateType `json:"type"`
	Description string              `json:"description"`
	Content     json.RawMessage     `json:"content"`
}

// CreateTemplate stores a template after checking its content decodes
func CreateTemplate(c *fiber.Ctx) error {
	var req TemplateRequest
	if err := c.BodyParser(&req); err != nil || req.Name == "" || len(req.Content) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Template name and content are required",
		})
	}

	var tc provisioning.TemplateContent
	if err := json.Unmarshal(req.Content, &tc); err != nil || len(tc.Steps) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success":    false,
			"error_code": "invalid_template",
			"message":    "Template content must contain at least one step",
		})
	}

	tmpl := &models.ProvisioningTemplate{
		TenantID:    middleware.GetTenantID(c),
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Content:     req.Content,
	}
	if err := ProvStore.CreateTemplate(tmpl); err != nil {
		return fail(c, err)
	}

	log.Printf("Provision: created template %s", tmpl.Name)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    tmpl,
	})
}

// UpdateTemplate edits a template in place. Past provisioning logs keep the
// snapshot they applied, so history is unaffected.
func UpdateTemplate(c *fiber.Ctx) error {
	templateID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid template ID",
		})
	}

	tmpl, err := ProvStore.GetTemplate(middleware.GetTenantID(c), uint(templateID))
	if err != nil {
		return fail(c, err)
	}

	var req TemplateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Name != "" {
		tmpl.Name = req.Name
	}
	if req.Type != "" {
		tmpl.Type = req.Type
	}
	if req.Description != "" {
		tmpl.Description = req.Description
	}
	if len(req.Content) > 0 {
		var tc provisioning.TemplateContent
		if err := json.Unmarshal(req.Content, &tc); err != nil || len(tc.Steps) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success":    false,
				"error_code": "invalid_template",
				"message":    "Template content must contain at least one step",
			})
		}
		tmpl.Content = req.Content
	}

	if err := ProvStore.UpdateTemplate(tmpl); err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    tmpl,
	})
}

// DeleteTemplate removes a template
func DeleteTemplate(c *fiber.Ctx) error {
	templateID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid template ID",
		})
	}

	if err := ProvStore.DeleteTemplate(middleware.GetTenantID(c), uint(templateID)); err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Template deleted",
	})
}

// ProvisionRequest represents a provisioning run request
type ProvisionRequest struct {
	TemplateID uint              `json:"template_id"`
	Vars       map[string]string `json:"vars"`
}

// ProvisionDevice applies a template to a device
func ProvisionDevice(c *fiber.Ctx) error {
	device, err := deviceForTenant(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Device not found",
		})
	}

	var req ProvisionRequest
	if err := c.BodyParser(&req); err != nil || req.TemplateID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "template_id is required",
		})
	}

	tmpl, err := ProvStore.GetTemplate(middleware.GetTenantID(c), req.TemplateID)
	if err != nil {
		return fail(c, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	runLog, err := Orchestrator.Provision(ctx, device, tmpl, req.Vars)
	if err != nil {
		if runLog != nil {
			// The run started; return the log alongside the failure
			status, code := mapError(err)
			return c.Status(status).JSON(fiber.Map{
				"success":    false,
				"error_code": code,
				"message":    err.Error(),
				"data":       runLog,
			})
		}
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    runLog,
	})
}

// RollbackDevice restores the device from the backup captured by an earlier run
func RollbackDevice(c *fiber.Ctx) error {
	device, err := deviceForTenant(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Device not found",
		})
	}

	var req struct {
		LogID uint `json:"log_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.LogID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "log_id is required",
		})
	}

	original, err := ProvStore.GetLog(req.LogID)
	if err != nil {
		return fail(c, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rbLog, err := Orchestrator.Rollback(ctx, device, original)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    rbLog,
	})
}

// ValidateDevice dry-runs a template against a device
func ValidateDevice(c *fiber.Ctx) error {
	device, err := deviceForTenant(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Device not found",
		})
	}

	var req ProvisionRequest
	if err := c.BodyParser(&req); err != nil || req.TemplateID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "template_id is required",
		})
	}

	tmpl, err := ProvStore.GetTemplate(middleware.GetTenantID(c), req.TemplateID)
	if err != nil {
		return fail(c, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(Cfg.DeviceCommandTimeoutSeconds)*time.Second)
	defer cancel()

	valLog, err := Orchestrator.Validate(ctx, device, tmpl, req.Vars)
	if err != nil {
		if valLog != nil {
			status, code := mapError(err)
			return c.Status(status).JSON(fiber.Map{
				"success":    false,
				"error_code": code,
				"message":    err.Error(),
				"data":       valLog,
			})
		}
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    valLog,
	})
}

// BackupDevice captures the device's current configuration on demand
func BackupDevice(c *fiber.Ctx) error {
	device, err := deviceForTenant(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Device not found",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(Cfg.DeviceCommandTimeoutSeconds)*time.Second)
	defer cancel()

	bkLog, err := Orchestrator.Backup(ctx, device)
	if err != nil {
		if bkLog != nil {
			status, code := mapError(err)
			return c.Status(status).JSON(fiber.Map{
				"success":    false,
				"error_code": code,
				"message":    err.Error(),
				"data":       bkLog,
			})
		}
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    bkLog,
	})
}

// GetProvisioningLogs lists runs, optionally for one device. A
// correlation_id query looks up the single matching run instead.
func GetProvisioningLogs(c *fiber.Ctx) error {
	if correlationID := c.Query("correlation_id"); correlationID != "" {
		runLog, err := ProvStore.GetLogByCorrelation(correlationID)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"success": true,
			"data":    []models.ProvisioningLog{*runLog},
		})
	}

	deviceID := c.QueryInt("device_id", 0)
	if deviceID > 0 {
		var device models.Device
		if err := database.DB.Where("tenant_id = ?", middleware.GetTenantID(c)).
			First(&device, deviceID).Error; err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "Device not found",
			})
		}
	}

	logs, err := ProvStore.ListLogs(uint(deviceID), c.QueryInt("limit", 50))
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    logs,
	})
}

// GetProvisioningLog returns one run with its decoded steps
func GetProvisioningLog(c *fiber.Ctx) error {
	logID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid log ID",
		})
	}

	runLog, err := ProvStore.GetLog(uint(logID))
	if err != nil {
		return fail(c, err)
	}

	steps, err := runLog.StepList()
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"log":   runLog,
			"steps": steps,
		},
	})
}

// GetDeviceBackups lists configuration backups for a device
func GetDeviceBackups(c *fiber.Ctx) error {
	device, err := deviceForTenant(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Device not found",
		})
	}

	backups, err := ProvStore.ListBackups(device.ID, c.QueryInt("limit", 20))
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    backups,
	})
}
