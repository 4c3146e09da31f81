package handlers

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/ispbase/netcore/internal/addrspace"
	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/middleware"
	"github.com/ispbase/netcore/internal/models"
)

// GetPools lists the tenant's pools with their subnets
func GetPools(c *fiber.Ctx) error {
	tenantID := middleware.GetTenantID(c)

	var pools []models.Pool
	if err := database.DB.Preload("Subnets").Where("tenant_id = ?", tenantID).
		Order("name").Find(&pools).Error; err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    pools,
	})
}

// CreatePoolRequest represents a new pool
type CreatePoolRequest struct {
	Name     string              `json:"name"`
	Protocol models.PoolProtocol `json:"protocol"`
}

// CreatePool creates an empty pool
func CreatePool(c *fiber.Ctx) error {
	tenantID := middleware.GetTenantID(c)

	var req CreatePoolRequest
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Pool name is required",
		})
	}
	if req.Protocol == "" {
		req.Protocol = models.PoolProtocolDynamic
	}

	pool := models.Pool{
		TenantID: tenantID,
		Name:     req.Name,
		Protocol: req.Protocol,
		IsActive: true,
	}
	if err := database.DB.Create(&pool).Error; err != nil {
		return fail(c, err)
	}

	log.Printf("Pool: created pool %s (tenant %d)", pool.Name, tenantID)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    pool,
	})
}

// UpdatePool renames a pool or toggles its active flag
func UpdatePool(c *fiber.Ctx) error {
	tenantID := middleware.GetTenantID(c)
	poolID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid pool ID",
		})
	}

	var pool models.Pool
	if err := database.DB.Where("tenant_id = ?", tenantID).First(&pool, poolID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Pool not found",
		})
	}

	var req struct {
		Name     *string              `json:"name"`
		Protocol *models.PoolProtocol `json:"protocol"`
		IsActive *bool                `json:"is_active"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Protocol != nil {
		updates["protocol"] = *req.Protocol
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if len(updates) > 0 {
		if err := database.DB.Model(&pool).Updates(updates).Error; err != nil {
			return fail(c, err)
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    pool,
	})
}

// DeletePool removes a pool. Refused while any of its subnets still holds
// active allocations.
func DeletePool(c *fiber.Ctx) error {
	tenantID := middleware.GetTenantID(c)
	poolID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid pool ID",
		})
	}

	var pool models.Pool
	if err := database.DB.Where("tenant_id = ?", tenantID).First(&pool, poolID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Pool not found",
		})
	}

	var activeCount int64
	database.DB.Model(&models.Allocation{}).
		Joins("JOIN subnets ON subnets.id = allocations.subnet_id").
		Where("subnets.pool_id = ? AND allocations.status IN ?", pool.ID,
			[]models.AllocationStatus{models.AllocationStatusAllocated, models.AllocationStatusReserved}).
		Count(&activeCount)
	if activeCount > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success":    false,
			"error_code": "pool_in_use",
			"message":    fmt.Sprintf("Pool still holds %d active allocations", activeCount),
		})
	}

	if err := database.DB.Select("Subnets").Delete(&pool).Error; err != nil {
		return fail(c, err)
	}

	log.Printf("Pool: deleted pool %s (tenant %d)", pool.Name, tenantID)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Pool deleted",
	})
}

// CreateSubnetRequest represents a new subnet inside a pool
type CreateSubnetRequest struct {
	CIDR    string `json:"cidr"`
	Gateway string `json:"gateway"`
	VlanID  int    `json:"vlan_id"`
}

// CreateSubnet adds a CIDR block to a pool. The block must not overlap any
// existing active subnet of the tenant.
func CreateSubnet(c *fiber.Ctx) error {
	tenantID := middleware.GetTenantID(c)
	poolID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid pool ID",
		})
	}

	var pool models.Pool
	if err := database.DB.Where("tenant_id = ?", tenantID).First(&pool, poolID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Pool not found",
		})
	}

	var req CreateSubnetRequest
	if err := c.BodyParser(&req); err != nil || req.CIDR == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Subnet CIDR is required",
		})
	}

	var existing []string
	database.DB.Model(&models.Subnet{}).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Pluck("cidr", &existing)
	if err := addrspace.CheckNoOverlap(req.CIDR, existing); err != nil {
		return fail(c, err)
	}

	if req.Gateway != "" {
		inside, err := addrspace.SubnetContains(req.CIDR, req.Gateway)
		if err != nil {
			return fail(c, err)
		}
		if !inside {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Gateway must be a usable address inside the subnet",
			})
		}
	}

	subnet := models.Subnet{
		PoolID:   pool.ID,
		TenantID: tenantID,
		CIDR:     req.CIDR,
		Gateway:  req.Gateway,
		VlanID:   req.VlanID,
		IsActive: true,
		Version:  1,
	}
	if err := database.DB.Create(&subnet).Error; err != nil {
		return fail(c, err)
	}

	log.Printf("Pool: added subnet %s to pool %s", subnet.CIDR, pool.Name)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    subnet,
	})
}

// UpdateSubnet edits a subnet's gateway, VLAN, or active flag. The request
// must carry the version it read; a mismatch means a concurrent edit won.
func UpdateSubnet(c *fiber.Ctx) error {
	tenantID := middleware.GetTenantID(c)
	subnetID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid subnet ID",
		})
	}

	var subnet models.Subnet
	if err := database.DB.Where("tenant_id = ?", tenantID).First(&subnet, subnetID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Subnet not found",
		})
	}

	var req struct {
		Version  int     `json:"version"`
		Gateway  *string `json:"gateway"`
		VlanID   *int    `json:"vlan_id"`
		IsActive *bool   `json:"is_active"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	updates := map[string]interface{}{}
	if req.Gateway != nil {
		if *req.Gateway != "" {
			inside, err := addrspace.SubnetContains(subnet.CIDR, *req.Gateway)
			if err != nil {
				return fail(c, err)
			}
			if !inside {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"success": false,
					"message": "Gateway must be a usable address inside the subnet",
				})
			}
		}
		updates["gateway"] = *req.Gateway
	}
	if req.VlanID != nil {
		updates["vlan_id"] = *req.VlanID
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if len(updates) == 0 {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    subnet,
		})
	}
	updates["version"] = subnet.Version + 1

	result := database.DB.Model(&models.Subnet{}).
		Where("id = ? AND version = ?", subnet.ID, req.Version).
		Updates(updates)
	if result.Error != nil {
		return fail(c, result.Error)
	}
	if result.RowsAffected == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success":    false,
			"error_code": "version_conflict",
			"message":    "Subnet was modified by a concurrent edit; reload and retry",
		})
	}

	database.DB.First(&subnet, subnet.ID)
	return c.JSON(fiber.Map{
		"success": true,
		"data":    subnet,
	})
}

// DeleteSubnet removes a subnet with no active allocations
func DeleteSubnet(c *fiber.Ctx) error {
	tenantID := middleware.GetTenantID(c)
	subnetID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid subnet ID",
		})
	}

	var subnet models.Subnet
	if err := database.DB.Where("tenant_id = ?", tenantID).First(&subnet, subnetID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Subnet not found",
		})
	}

	var activeCount int64
	database.DB.Model(&models.Allocation{}).
		Where("subnet_id = ? AND status IN ?", subnet.ID,
			[]models.AllocationStatus{models.AllocationStatusAllocated, models.AllocationStatusReserved}).
		Count(&activeCount)
	if activeCount > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success":    false,
			"error_code": "subnet_in_use",
			"message":    fmt.Sprintf("Subnet still holds %d active allocations", activeCount),
		})
	}

	if err := database.DB.Delete(&subnet).Error; err != nil {
		return fail(c, err)
	}

	log.Printf("Pool: deleted subnet %s (tenant %d)", subnet.CIDR, tenantID)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Subnet deleted",
	})
}

// GetPoolStats reports occupancy across every subnet of a pool, computed
// fresh from the ledger
func GetPoolStats(c *fiber.Ctx) error {
	tenantID := middleware.GetTenantID(c)
	poolID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid pool ID",
		})
	}

	var pool models.Pool
	if err := database.DB.Preload("Subnets").Where("tenant_id = ?", tenantID).
		First(&pool, poolID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Pool not found",
		})
	}

	var totalHosts, totalAllocated, totalReserved int64
	subnetStats := make([]fiber.Map, 0, len(pool.Subnets))
	for _, subnet := range pool.Subnets {
		hosts, err := addrspace.HostCount(subnet.CIDR)
		if err != nil {
			continue
		}
		if subnet.Gateway != "" {
			hosts--
		}

		var allocated, reserved int64
		database.DB.Model(&models.Allocation{}).
			Where("subnet_id = ? AND status = ?", subnet.ID, models.AllocationStatusAllocated).
			Count(&allocated)
		database.DB.Model(&models.Allocation{}).
			Where("subnet_id = ? AND status = ?", subnet.ID, models.AllocationStatusReserved).
			Count(&reserved)

		totalHosts += int64(hosts)
		totalAllocated += allocated
		totalReserved += reserved
		subnetStats = append(subnetStats, fiber.Map{
			"subnet_id": subnet.ID,
			"cidr":      subnet.CIDR,
			"total":     hosts,
			"allocated": allocated,
			"reserved":  reserved,
			"free":      int64(hosts) - allocated - reserved,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"pool":      pool,
			"total":     totalHosts,
			"allocated": totalAllocated,
			"reserved":  totalReserved,
			"free":      totalHosts - totalAllocated - totalReserved,
			"subnets":   subnetStats,
		},
	})
}

// GetSubnetStats reports occupancy for one subnet
func GetSubnetStats(c *fiber.Ctx) error {
	tenantID := middleware.GetTenantID(c)
	subnetID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid subnet ID",
		})
	}

	var subnet models.Subnet
	if err := database.DB.Where("tenant_id = ?", tenantID).First(&subnet, subnetID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Subnet not found",
		})
	}

	total, err := addrspace.HostCount(subnet.CIDR)
	if err != nil {
		return fail(c, err)
	}
	if subnet.Gateway != "" {
		total--
	}

	var allocated, reserved, missing int64
	database.DB.Model(&models.Allocation{}).
		Where("subnet_id = ? AND status = ?", subnet.ID, models.AllocationStatusAllocated).
		Count(&allocated)
	database.DB.Model(&models.Allocation{}).
		Where("subnet_id = ? AND status = ?", subnet.ID, models.AllocationStatusReserved).
		Count(&reserved)
	database.DB.Model(&models.Allocation{}).
		Where("subnet_id = ? AND status = ? AND missing_since IS NOT NULL",
			subnet.ID, models.AllocationStatusAllocated).
		Count(&missing)

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"subnet":    subnet,
			"total":     total,
			"allocated": allocated,
			"reserved":  reserved,
			"missing":   missing,
			"free":      int64(total) - allocated - reserved,
		},
	})
}
