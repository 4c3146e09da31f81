package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ispbase/netcore/internal/gateway"
	"github.com/ispbase/netcore/internal/models"
)

// Orchestrator drives provisioning runs against devices. One run per device
// at a time; concurrent attempts fail fast with ErrDeviceBusy instead of
// queueing.
type Orchestrator struct {
	store    *Store
	registry *gateway.Registry

	retries int
	backoff time.Duration

	mu      sync.Mutex
	devices map[uint]*sync.Mutex
}

func NewOrchestrator(store *Store, registry *gateway.Registry, retries int, backoff time.Duration) *Orchestrator {
	if retries < 1 {
		retries = 1
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		retries:  retries,
		backoff:  backoff,
		devices:  make(map[uint]*sync.Mutex),
	}
}

// lockDevice acquires the per-device run slot without blocking
func (o *Orchestrator) lockDevice(deviceID uint) (func(), error) {
	o.mu.Lock()
	dm, ok := o.devices[deviceID]
	if !ok {
		dm = &sync.Mutex{}
		o.devices[deviceID] = dm
	}
	o.mu.Unlock()

	if !dm.TryLock() {
		return nil, ErrDeviceBusy
	}
	busy, err := o.store.HasInFlight(deviceID)
	if err != nil {
		dm.Unlock()
		return nil, err
	}
	if busy {
		dm.Unlock()
		return nil, ErrDeviceBusy
	}
	return dm.Unlock, nil
}

// Provision applies a template to a device. A configuration backup is taken
// before the first command runs. Steps execute in order; the first
// non-retryable failure stops the run and remaining steps are never attempted.
// Every step outcome is persisted as it happens so a crash mid-run still
// leaves an accurate log.
func (o *Orchestrator) Provision(ctx context.Context, device *models.Device, template *models.ProvisioningTemplate, vars map[string]string) (*models.ProvisioningLog, error) {
	unlock, err := o.lockDevice(device.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	gw, err := o.registry.Resolve(device.Kind)
	if err != nil {
		return nil, err
	}

	commands, snapshot, err := Render(template.Content, DeviceVars(device, vars))
	if err != nil {
		return nil, err
	}

	runLog := &models.ProvisioningLog{
		CorrelationID: uuid.New().String(),
		DeviceID:      device.ID,
		TemplateID:    &template.ID,
		Action:        models.ProvisioningActionProvision,
		Status:        models.ProvisioningStatusPending,
		Snapshot:      snapshot,
	}
	if err := o.store.CreateLog(runLog); err != nil {
		return nil, err
	}

	content, err := gw.FetchConfigSnapshot(ctx, device)
	if err != nil {
		o.finish(runLog, models.ProvisioningStatusFailed, fmt.Sprintf("backup failed: %v", err))
		return runLog, err
	}
	backup, err := o.store.CreateBackup(device.ID, fmt.Sprintf("pre-provision %s", template.Name), content)
	if err != nil {
		o.finish(runLog, models.ProvisioningStatusFailed, fmt.Sprintf("backup failed: %v", err))
		return runLog, err
	}
	runLog.BackupID = &backup.ID

	now := time.Now()
	runLog.Status = models.ProvisioningStatusInProgress
	runLog.StartedAt = &now
	if err := o.store.SaveLog(runLog); err != nil {
		return runLog, err
	}

	log.Printf("Provision: run %s started on device %s (%d commands)", runLog.CorrelationID, device.Name, len(commands))
	runErr := o.executeAll(ctx, gw, device, runLog, commands)
	if runErr != nil {
		o.finish(runLog, models.ProvisioningStatusFailed, runErr.Error())
		return runLog, runErr
	}
	o.finish(runLog, models.ProvisioningStatusSuccess, "")
	log.Printf("Provision: run %s succeeded on device %s", runLog.CorrelationID, device.Name)
	return runLog, nil
}

// executeAll runs commands in order, persisting each step outcome before the
// next command starts. Only the steps actually attempted appear in the log.
func (o *Orchestrator) executeAll(ctx context.Context, gw gateway.Gateway, device *models.Device, runLog *models.ProvisioningLog, commands []gateway.Command) error {
	var steps []models.ProvisioningStep
	for i, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled before step %d: %w", i, err)
		}

		step := models.ProvisioningStep{
			Index:     i,
			Command:   cmd.String(),
			StartedAt: time.Now(),
		}
		result, attempts, err := o.executeWithRetry(ctx, gw, device, cmd)
		finished := time.Now()
		step.Attempts = attempts
		step.FinishedAt = &finished
		if err != nil {
			step.Status = "failed"
			step.Error = err.Error()
			if result != nil && result.Error != "" {
				step.Error = result.Error
			}
			steps = append(steps, step)
			o.persistSteps(runLog, steps)
			log.Printf("Provision: run %s step %d failed on device %s: %v", runLog.CorrelationID, i, device.Name, err)
			return fmt.Errorf("step %d (%s): %w", i, cmd.Path, err)
		}
		step.Status = "success"
		if result != nil {
			out, _ := json.Marshal(result.Output)
			step.Output = string(out)
		}
		steps = append(steps, step)
		o.persistSteps(runLog, steps)
	}
	return nil
}

// executeWithRetry retries transient failures with a linear backoff. Rejections
// are terminal on the first attempt.
func (o *Orchestrator) executeWithRetry(ctx context.Context, gw gateway.Gateway, device *models.Device, cmd gateway.Command) (*gateway.CommandResult, int, error) {
	var lastResult *gateway.CommandResult
	var lastErr error
	for attempt := 1; attempt <= o.retries; attempt++ {
		result, err := gw.Execute(ctx, device, cmd)
		if err == nil {
			return result, attempt, nil
		}
		lastResult, lastErr = result, err
		if !gateway.Retryable(err) {
			return lastResult, attempt, err
		}
		if attempt < o.retries {
			select {
			case <-time.After(o.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return lastResult, attempt, ctx.Err()
			}
		}
	}
	return lastResult, o.retries, lastErr
}

func (o *Orchestrator) persistSteps(runLog *models.ProvisioningLog, steps []models.ProvisioningStep) {
	data, err := json.Marshal(steps)
	if err != nil {
		log.Printf("Provision: run %s failed to encode steps: %v", runLog.CorrelationID, err)
		return
	}
	runLog.Steps = data
	if err := o.store.SaveLog(runLog); err != nil {
		log.Printf("Provision: run %s failed to persist steps: %v", runLog.CorrelationID, err)
	}
}

func (o *Orchestrator) finish(runLog *models.ProvisioningLog, status models.ProvisioningStatus, errMsg string) {
	now := time.Now()
	runLog.Status = status
	runLog.Error = errMsg
	runLog.FinishedAt = &now
	if err := o.store.SaveLog(runLog); err != nil {
		log.Printf("Provision: run %s failed to persist final status: %v", runLog.CorrelationID, err)
	}
}

// Backup captures the device's current configuration on demand, outside any
// provisioning run. The capture is logged like every other device action.
func (o *Orchestrator) Backup(ctx context.Context, device *models.Device) (*models.ProvisioningLog, error) {
	unlock, err := o.lockDevice(device.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	gw, err := o.registry.Resolve(device.Kind)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	bkLog := &models.ProvisioningLog{
		CorrelationID: uuid.New().String(),
		DeviceID:      device.ID,
		Action:        models.ProvisioningActionBackup,
		Status:        models.ProvisioningStatusInProgress,
		StartedAt:     &now,
	}
	if err := o.store.CreateLog(bkLog); err != nil {
		return nil, err
	}

	content, err := gw.FetchConfigSnapshot(ctx, device)
	if err != nil {
		o.finish(bkLog, models.ProvisioningStatusFailed, err.Error())
		return bkLog, err
	}
	backup, err := o.store.CreateBackup(device.ID, fmt.Sprintf("manual %s", now.Format("2006-01-02 15:04")), content)
	if err != nil {
		o.finish(bkLog, models.ProvisioningStatusFailed, err.Error())
		return bkLog, err
	}
	bkLog.BackupID = &backup.ID
	bkLog.Snapshot = content
	o.finish(bkLog, models.ProvisioningStatusSuccess, "")
	log.Printf("Provision: backup %s captured for device %s (backup %d)", bkLog.CorrelationID, device.Name, backup.ID)
	return bkLog, nil
}

// Rollback restores the device to the configuration backup captured by an
// earlier run. It refuses to touch the device when that run has no backup.
func (o *Orchestrator) Rollback(ctx context.Context, device *models.Device, original *models.ProvisioningLog) (*models.ProvisioningLog, error) {
	if original.DeviceID != device.ID {
		return nil, fmt.Errorf("log %d does not belong to device %d", original.ID, device.ID)
	}
	if original.Status == models.ProvisioningStatusRolledBack {
		return nil, ErrAlreadyRolledBack
	}
	if original.BackupID == nil {
		return nil, ErrBackupMissing
	}
	backup, err := o.store.GetBackup(*original.BackupID)
	if err != nil {
		return nil, err
	}

	unlock, err := o.lockDevice(device.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	gw, err := o.registry.Resolve(device.Kind)
	if err != nil {
		return nil, err
	}

	commands, err := restoreCommands(backup.Content)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rbLog := &models.ProvisioningLog{
		CorrelationID: uuid.New().String(),
		DeviceID:      device.ID,
		TemplateID:    original.TemplateID,
		BackupID:      original.BackupID,
		RollbackOfID:  &original.ID,
		Action:        models.ProvisioningActionRollback,
		Status:        models.ProvisioningStatusInProgress,
		Snapshot:      backup.Content,
		StartedAt:     &now,
	}
	if err := o.store.CreateLog(rbLog); err != nil {
		return nil, err
	}

	log.Printf("Provision: rollback %s started on device %s (restoring backup %d)", rbLog.CorrelationID, device.Name, backup.ID)
	if runErr := o.executeAll(ctx, gw, device, rbLog, commands); runErr != nil {
		o.finish(rbLog, models.ProvisioningStatusFailed, runErr.Error())
		return rbLog, runErr
	}
	o.finish(rbLog, models.ProvisioningStatusSuccess, "")

	original.Status = models.ProvisioningStatusRolledBack
	if err := o.store.SaveLog(original); err != nil {
		return rbLog, err
	}
	log.Printf("Provision: rollback %s succeeded on device %s", rbLog.CorrelationID, device.Name)
	return rbLog, nil
}

// restoreCommands turns a configuration snapshot back into add commands,
// section by section. Internal identifiers are dropped since the device
// assigns fresh ones.
func restoreCommands(content json.RawMessage) ([]gateway.Command, error) {
	var sections map[string][]map[string]string
	if err := json.Unmarshal(content, &sections); err != nil {
		return nil, fmt.Errorf("invalid backup content: %w", err)
	}

	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)

	var commands []gateway.Command
	for _, name := range names {
		base := strings.TrimSuffix(name, "/print")
		for _, row := range sections[name] {
			args := make(map[string]string, len(row))
			for k, v := range row {
				if strings.HasPrefix(k, ".") {
					continue
				}
				args[k] = v
			}
			commands = append(commands, gateway.Command{Path: base + "/add", Args: args})
		}
	}
	return commands, nil
}

// Validate renders the template against the device context and probes the
// device, without executing anything. The outcome is still logged.
func (o *Orchestrator) Validate(ctx context.Context, device *models.Device, template *models.ProvisioningTemplate, vars map[string]string) (*models.ProvisioningLog, error) {
	gw, err := o.registry.Resolve(device.Kind)
	if err != nil {
		return nil, err
	}

	valLog := &models.ProvisioningLog{
		CorrelationID: uuid.New().String(),
		DeviceID:      device.ID,
		TemplateID:    &template.ID,
		Action:        models.ProvisioningActionValidate,
		Status:        models.ProvisioningStatusInProgress,
	}

	commands, snapshot, renderErr := Render(template.Content, DeviceVars(device, vars))
	if renderErr == nil {
		valLog.Snapshot = snapshot
	}
	if err := o.store.CreateLog(valLog); err != nil {
		return nil, err
	}
	if renderErr != nil {
		o.finish(valLog, models.ProvisioningStatusFailed, renderErr.Error())
		return valLog, renderErr
	}

	health, err := gw.CheckHealth(ctx, device)
	if err != nil || !health.Reachable {
		msg := "device unreachable"
		if err != nil {
			msg = err.Error()
		} else if health.Error != "" {
			msg = health.Error
		}
		o.finish(valLog, models.ProvisioningStatusFailed, msg)
		if err != nil {
			return valLog, err
		}
		return valLog, gateway.ErrUnreachable
	}

	steps := make([]models.ProvisioningStep, 0, len(commands))
	now := time.Now()
	for i, cmd := range commands {
		steps = append(steps, models.ProvisioningStep{
			Index:      i,
			Command:    cmd.String(),
			Status:     "skipped",
			StartedAt:  now,
			FinishedAt: &now,
		})
	}
	o.persistSteps(valLog, steps)
	o.finish(valLog, models.ProvisioningStatusSuccess, "")
	return valLog, nil
}
