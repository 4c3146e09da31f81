package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ispbase/netcore/internal/addrspace"
	"github.com/ispbase/netcore/internal/allocation"
	"github.com/ispbase/netcore/internal/config"
	"github.com/ispbase/netcore/internal/gateway"
	"github.com/ispbase/netcore/internal/provisioning"
)

// Shared handler dependencies, wired once at startup
var (
	Cfg          *config.Config
	Engine       *allocation.Engine
	Orchestrator *provisioning.Orchestrator
	ProvStore    *provisioning.Store
	Gateways     *gateway.Registry
)

// Setup wires the handler package to its collaborators
func Setup(cfg *config.Config, engine *allocation.Engine, orch *provisioning.Orchestrator, store *provisioning.Store, registry *gateway.Registry) {
	Cfg = cfg
	Engine = engine
	Orchestrator = orch
	ProvStore = store
	Gateways = registry
}

// mapError translates a domain error into an HTTP status and a stable error
// code so clients can branch without parsing messages
func mapError(err error) (int, string) {
	status := fiber.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, allocation.ErrAddressExhausted):
		status, code = fiber.StatusConflict, "address_exhausted"
	case errors.Is(err, allocation.ErrAddressInUse):
		status, code = fiber.StatusConflict, "address_in_use"
	case errors.Is(err, allocation.ErrSubnetNotFound):
		status, code = fiber.StatusNotFound, "subnet_not_found"
	case errors.Is(err, allocation.ErrAllocationNotFound):
		status, code = fiber.StatusNotFound, "allocation_not_found"
	case errors.Is(err, allocation.ErrStaleReconciliation):
		status, code = fiber.StatusConflict, "stale_reconciliation"
	case errors.Is(err, addrspace.ErrInvalidAddress):
		status, code = fiber.StatusBadRequest, "invalid_address"
	case errors.Is(err, addrspace.ErrOverlapConflict):
		status, code = fiber.StatusConflict, "overlap_conflict"
	case errors.Is(err, provisioning.ErrDeviceBusy):
		status, code = fiber.StatusConflict, "device_busy"
	case errors.Is(err, provisioning.ErrBackupMissing):
		status, code = fiber.StatusConflict, "backup_missing"
	case errors.Is(err, provisioning.ErrAlreadyRolledBack):
		status, code = fiber.StatusConflict, "already_rolled_back"
	case errors.Is(err, provisioning.ErrTemplateNotFound):
		status, code = fiber.StatusNotFound, "template_not_found"
	case errors.Is(err, provisioning.ErrLogNotFound):
		status, code = fiber.StatusNotFound, "log_not_found"
	case errors.Is(err, provisioning.ErrBackupNotFound):
		status, code = fiber.StatusNotFound, "backup_not_found"
	case errors.Is(err, provisioning.ErrUnresolvedVar),
		errors.Is(err, provisioning.ErrEmptyTemplate):
		status, code = fiber.StatusBadRequest, "invalid_template"
	case errors.Is(err, gateway.ErrUnreachable):
		status, code = fiber.StatusBadGateway, "device_unreachable"
	case errors.Is(err, gateway.ErrTimeout):
		status, code = fiber.StatusGatewayTimeout, "device_timeout"
	case errors.Is(err, gateway.ErrRejected):
		status, code = fiber.StatusUnprocessableEntity, "device_rejected"
	case errors.Is(err, gateway.ErrUnsupportedKind):
		status, code = fiber.StatusBadRequest, "unsupported_device_kind"
	}

	return status, code
}

func fail(c *fiber.Ctx, err error) error {
	status, code := mapError(err)
	return c.Status(status).JSON(fiber.Map{
		"success":    false,
		"error_code": code,
		"message":    err.Error(),
	})
}
