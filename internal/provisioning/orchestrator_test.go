package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ispbase/netcore/internal/gateway"
	"github.com/ispbase/netcore/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func seedDevice(t *testing.T, db *gorm.DB) *models.Device {
	t.Helper()
	device := &models.Device{
		TenantID:  1,
		Name:      "edge-router-1",
		ShortName: "edge1",
		IPAddress: "192.168.88.1",
		Kind:      models.DeviceKindMikrotik,
		Secret:    "radsecret",
		IsActive:  true,
	}
	require.NoError(t, db.Create(device).Error)
	return device
}

func seedTemplate(t *testing.T, db *gorm.DB, steps int) *models.ProvisioningTemplate {
	t.Helper()
	tc := TemplateContent{}
	for i := 0; i < steps; i++ {
		tc.Steps = append(tc.Steps, TemplateStep{
			Path: "/ppp/profile/add",
			Args: map[string]string{"name": fmt.Sprintf("profile-%d", i), "comment": "{{device_name}}"},
		})
	}
	content, err := json.Marshal(tc)
	require.NoError(t, err)
	tmpl := &models.ProvisioningTemplate{
		TenantID: 1,
		Name:     "pppoe-base",
		Type:     models.TemplateTypePPPoE,
		Content:  content,
	}
	require.NoError(t, db.Create(tmpl).Error)
	return tmpl
}

// fakeGateway scripts per-command outcomes by the command's sequence number
type fakeGateway struct {
	mu        sync.Mutex
	executed  []gateway.Command
	failAt    int   // 1-based index of the command that fails, 0 = never
	failWith  error // error returned at failAt
	unhealthy bool
	blockOn   chan struct{} // when set, Execute blocks until closed
	entered   chan struct{} // signalled once Execute is reached

	snapshot json.RawMessage
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		snapshot: json.RawMessage(`{"/ppp/profile/print":[{"name":"default",".id":"*1"}]}`),
	}
}

func (f *fakeGateway) Execute(ctx context.Context, device *models.Device, cmd gateway.Command) (*gateway.CommandResult, error) {
	if f.blockOn != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.blockOn
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cmd)
	if f.failAt > 0 && len(f.executed) == f.failAt {
		return &gateway.CommandResult{Error: f.failWith.Error()}, f.failWith
	}
	return &gateway.CommandResult{Success: true}, nil
}

func (f *fakeGateway) CheckHealth(ctx context.Context, device *models.Device) (*gateway.HealthResult, error) {
	if f.unhealthy {
		return &gateway.HealthResult{Reachable: false, Error: "refused"}, gateway.ErrUnreachable
	}
	return &gateway.HealthResult{Reachable: true, LatencyMs: 3, Identity: device.Name}, nil
}

func (f *fakeGateway) FetchConfigSnapshot(ctx context.Context, device *models.Device) (json.RawMessage, error) {
	return f.snapshot, nil
}

func (f *fakeGateway) executedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func testOrchestrator(db *gorm.DB, fake *fakeGateway) (*Orchestrator, *Store) {
	registry := gateway.NewRegistry()
	registry.Register(models.DeviceKindMikrotik, fake)
	store := NewStore(db)
	return NewOrchestrator(store, registry, 3, time.Millisecond), store
}

func TestProvisionSuccess(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	orch, store := testOrchestrator(db, fake)
	device := seedDevice(t, db)
	tmpl := seedTemplate(t, db, 3)

	runLog, err := orch.Provision(context.Background(), device, tmpl, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProvisioningStatusSuccess, runLog.Status)
	assert.NotNil(t, runLog.BackupID)
	assert.NotNil(t, runLog.StartedAt)
	assert.NotNil(t, runLog.FinishedAt)
	assert.Equal(t, 3, fake.executedCount())

	steps, err := runLog.StepList()
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i, step.Index)
		assert.Equal(t, "success", step.Status)
		assert.Equal(t, 1, step.Attempts)
	}

	// Placeholders resolved from the device context
	assert.Contains(t, steps[0].Command, "=comment=edge-router-1")

	// A backup was captured before the run
	backup, err := store.GetBackup(*runLog.BackupID)
	require.NoError(t, err)
	assert.Equal(t, device.ID, backup.DeviceID)
}

func TestProvisionStopsOnRejection(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	fake.failAt = 2
	fake.failWith = gateway.ErrRejected
	orch, _ := testOrchestrator(db, fake)
	device := seedDevice(t, db)
	tmpl := seedTemplate(t, db, 4)

	runLog, err := orch.Provision(context.Background(), device, tmpl, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrRejected)
	assert.Equal(t, models.ProvisioningStatusFailed, runLog.Status)

	// Rejection is terminal: no retry on step 2, steps 3 and 4 never attempted
	assert.Equal(t, 2, fake.executedCount())

	steps, err := runLog.StepList()
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "success", steps[0].Status)
	assert.Equal(t, "failed", steps[1].Status)
	assert.NotEmpty(t, steps[1].Error)
	assert.Equal(t, 1, steps[1].Attempts)
}

func TestProvisionRetriesTransientFailure(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	fake.failAt = 1
	fake.failWith = gateway.ErrUnreachable
	orch, _ := testOrchestrator(db, fake)
	device := seedDevice(t, db)
	tmpl := seedTemplate(t, db, 1)

	// First attempt fails as unreachable, second succeeds
	runLog, err := orch.Provision(context.Background(), device, tmpl, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProvisioningStatusSuccess, runLog.Status)

	steps, err := runLog.StepList()
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 2, steps[0].Attempts)
}

func TestProvisionDeviceBusy(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	fake.blockOn = make(chan struct{})
	fake.entered = make(chan struct{}, 1)
	orch, _ := testOrchestrator(db, fake)
	device := seedDevice(t, db)
	tmpl := seedTemplate(t, db, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = orch.Provision(context.Background(), device, tmpl, nil)
	}()

	// Once the first run reaches the device it holds the run slot
	<-fake.entered
	_, err := orch.Provision(context.Background(), device, tmpl, nil)
	assert.ErrorIs(t, err, ErrDeviceBusy)

	close(fake.blockOn)
	<-done
}

func TestProvisionCancelledBetweenSteps(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	fake.blockOn = make(chan struct{})
	fake.entered = make(chan struct{}, 1)
	orch, _ := testOrchestrator(db, fake)
	device := seedDevice(t, db)
	tmpl := seedTemplate(t, db, 3)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		runLog *models.ProvisioningLog
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		runLog, err := orch.Provision(ctx, device, tmpl, nil)
		done <- outcome{runLog, err}
	}()

	// Cancel while step 1 is still executing, then let it finish
	<-fake.entered
	cancel()
	close(fake.blockOn)

	out := <-done
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, context.Canceled)
	require.NotNil(t, out.runLog)
	assert.Equal(t, models.ProvisioningStatusFailed, out.runLog.Status)

	// Step 1 completed before the cancellation took effect; steps 2 and 3
	// never ran and never appear in the log
	assert.Equal(t, 1, fake.executedCount())
	steps, err := out.runLog.StepList()
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "success", steps[0].Status)
}

func TestProvisionUnresolvedVariable(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	orch, store := testOrchestrator(db, fake)
	device := seedDevice(t, db)

	content := json.RawMessage(`{"steps":[{"path":"/ppp/secret/add","args":{"name":"{{customer}}"}}]}`)
	tmpl := &models.ProvisioningTemplate{TenantID: 1, Name: "bad", Type: models.TemplateTypePPPoE, Content: content}
	require.NoError(t, db.Create(tmpl).Error)

	_, err := orch.Provision(context.Background(), device, tmpl, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvedVar)

	// Render failures stop the run before any log or device activity
	logs, err := store.ListLogs(device.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Equal(t, 0, fake.executedCount())
}

func TestManualBackup(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	orch, store := testOrchestrator(db, fake)
	device := seedDevice(t, db)

	bkLog, err := orch.Backup(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, models.ProvisioningActionBackup, bkLog.Action)
	assert.Equal(t, models.ProvisioningStatusSuccess, bkLog.Status)
	require.NotNil(t, bkLog.BackupID)

	backup, err := store.GetBackup(*bkLog.BackupID)
	require.NoError(t, err)
	assert.Equal(t, device.ID, backup.DeviceID)
	assert.JSONEq(t, string(fake.snapshot), string(backup.Content))

	// A capture reads configuration, it never executes commands
	assert.Equal(t, 0, fake.executedCount())
}

func TestRollbackRestoresBackup(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	fake.failAt = 2
	fake.failWith = gateway.ErrRejected
	orch, store := testOrchestrator(db, fake)
	device := seedDevice(t, db)
	tmpl := seedTemplate(t, db, 4)

	failed, err := orch.Provision(context.Background(), device, tmpl, nil)
	require.Error(t, err)
	require.NotNil(t, failed.BackupID)

	fake.failAt = 0
	rbLog, err := orch.Rollback(context.Background(), device, failed)
	require.NoError(t, err)
	assert.Equal(t, models.ProvisioningStatusSuccess, rbLog.Status)
	assert.Equal(t, models.ProvisioningActionRollback, rbLog.Action)
	require.NotNil(t, rbLog.RollbackOfID)
	assert.Equal(t, failed.ID, *rbLog.RollbackOfID)

	// The original run is marked rolled back
	reloaded, err := store.GetLog(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProvisioningStatusRolledBack, reloaded.Status)

	// Restore replays the backed-up rows without device-internal ids
	restored := fake.executed[len(fake.executed)-1]
	assert.Equal(t, "/ppp/profile/add", restored.Path)
	assert.Equal(t, "default", restored.Args["name"])
	_, hasID := restored.Args[".id"]
	assert.False(t, hasID)
}

func TestRollbackWithoutBackup(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	orch, store := testOrchestrator(db, fake)
	device := seedDevice(t, db)

	orphan := &models.ProvisioningLog{
		CorrelationID: "11111111-2222-3333-4444-555555555555",
		DeviceID:      device.ID,
		Action:        models.ProvisioningActionProvision,
		Status:        models.ProvisioningStatusFailed,
	}
	require.NoError(t, store.CreateLog(orphan))

	_, err := orch.Rollback(context.Background(), device, orphan)
	assert.ErrorIs(t, err, ErrBackupMissing)

	// No device state was touched and no rollback log was created
	assert.Equal(t, 0, fake.executedCount())
	logs, err := store.ListLogs(device.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, orphan.ID, logs[0].ID)
}

func TestValidateDryRun(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	orch, _ := testOrchestrator(db, fake)
	device := seedDevice(t, db)
	tmpl := seedTemplate(t, db, 2)

	valLog, err := orch.Validate(context.Background(), device, tmpl, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProvisioningStatusSuccess, valLog.Status)
	assert.Equal(t, models.ProvisioningActionValidate, valLog.Action)

	// Nothing executed against the device
	assert.Equal(t, 0, fake.executedCount())
	steps, err := valLog.StepList()
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "skipped", steps[0].Status)
}

func TestValidateUnreachableDevice(t *testing.T) {
	db := testDB(t)
	fake := newFakeGateway()
	fake.unhealthy = true
	orch, _ := testOrchestrator(db, fake)
	device := seedDevice(t, db)
	tmpl := seedTemplate(t, db, 1)

	valLog, err := orch.Validate(context.Background(), device, tmpl, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrUnreachable)
	assert.Equal(t, models.ProvisioningStatusFailed, valLog.Status)
}
