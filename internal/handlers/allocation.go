package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ispbase/netcore/internal/allocation"
	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/middleware"
	"github.com/ispbase/netcore/internal/models"
)

// subnetForTenant loads a subnet scoped to the caller's tenant
func subnetForTenant(c *fiber.Ctx, subnetID int) (*models.Subnet, error) {
	var subnet models.Subnet
	err := database.DB.Where("tenant_id = ?", middleware.GetTenantID(c)).
		First(&subnet, subnetID).Error
	if err != nil {
		return nil, err
	}
	return &subnet, nil
}

// GetAllocations lists allocations in a subnet, newest first
func GetAllocations(c *fiber.Ctx) error {
	subnetID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid subnet ID",
		})
	}
	if _, err := subnetForTenant(c, subnetID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Subnet not found",
		})
	}

	q := database.DB.Where("subnet_id = ?", subnetID)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var allocations []models.Allocation
	if err := q.Order("allocated_at DESC").Limit(500).Find(&allocations).Error; err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    allocations,
	})
}

// AllocateIPRequest represents an allocation request. IP is optional; when
// empty the lowest free address is chosen.
type AllocateIPRequest struct {
	IP        string                `json:"ip"`
	Type      models.AllocationType `json:"type"`
	OwnerRef  string                `json:"owner_ref"`
	SessionID string                `json:"session_id"`
}

// AllocateIP allocates an address from a subnet
func AllocateIP(c *fiber.Ctx) error {
	subnetID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid subnet ID",
		})
	}
	if _, err := subnetForTenant(c, subnetID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Subnet not found",
		})
	}

	var req AllocateIPRequest
	if err := c.BodyParser(&req); err != nil || req.OwnerRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "owner_ref is required",
		})
	}

	alloc, err := Engine.Allocate(uint(subnetID), allocation.AllocateRequest{
		IP:        req.IP,
		Type:      req.Type,
		OwnerRef:  req.OwnerRef,
		SessionID: req.SessionID,
	})
	if err != nil {
		return fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    alloc,
	})
}

// ReserveIPRequest represents a reservation request
type ReserveIPRequest struct {
	IP         string `json:"ip"`
	OwnerRef   string `json:"owner_ref"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// ReserveIP holds an address without allocating it. A TTL of zero keeps the
// reservation until it is explicitly released.
func ReserveIP(c *fiber.Ctx) error {
	subnetID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid subnet ID",
		})
	}
	if _, err := subnetForTenant(c, subnetID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Subnet not found",
		})
	}

	var req ReserveIPRequest
	if err := c.BodyParser(&req); err != nil || req.IP == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "ip is required",
		})
	}

	var expiresAt *time.Time
	if req.TTLMinutes > 0 {
		t := time.Now().Add(time.Duration(req.TTLMinutes) * time.Minute)
		expiresAt = &t
	}

	alloc, err := Engine.Reserve(uint(subnetID), req.IP, req.OwnerRef, expiresAt)
	if err != nil {
		return fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    alloc,
	})
}

// ReleaseIP releases an allocation or reservation. Releasing an already
// released allocation succeeds without effect.
func ReleaseIP(c *fiber.Ctx) error {
	allocationID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid allocation ID",
		})
	}

	var alloc models.Allocation
	if err := database.DB.
		Joins("JOIN subnets ON subnets.id = allocations.subnet_id").
		Where("allocations.id = ? AND subnets.tenant_id = ?", allocationID, middleware.GetTenantID(c)).
		First(&alloc).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Allocation not found",
		})
	}

	reason := c.Query("reason")
	if reason == "" {
		reason = "operator release"
	}

	if err := Engine.Release(uint(allocationID), reason); err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Allocation released",
	})
}

// GetAllocationHistory returns the append-only change history for a subnet,
// optionally filtered by address
func GetAllocationHistory(c *fiber.Ctx) error {
	subnetID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid subnet ID",
		})
	}
	if _, err := subnetForTenant(c, subnetID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Subnet not found",
		})
	}

	q := database.DB.Where("subnet_id = ?", subnetID)
	if ip := c.Query("ip"); ip != "" {
		q = q.Where("ip_address = ?", ip)
	}
	if action := c.Query("action"); action != "" {
		q = q.Where("action = ?", action)
	}

	var history []models.AllocationHistory
	if err := q.Order("created_at DESC").Limit(500).Find(&history).Error; err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    history,
	})
}

// GetFlaggedAllocations lists flag events awaiting operator review across the
// tenant's subnets
func GetFlaggedAllocations(c *fiber.Ctx) error {
	var flagged []models.AllocationHistory
	err := database.DB.
		Joins("JOIN subnets ON subnets.id = allocation_history.subnet_id").
		Where("subnets.tenant_id = ? AND allocation_history.action = ?",
			middleware.GetTenantID(c), models.HistoryActionFlagged).
		Order("allocation_history.created_at DESC").Limit(200).
		Find(&flagged).Error
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    flagged,
	})
}
