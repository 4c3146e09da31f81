package allocation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

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

func seedSubnet(t *testing.T, db *gorm.DB, cidr, gateway string) *models.Subnet {
	t.Helper()
	pool := models.Pool{TenantID: 1, Name: "test-pool", Protocol: models.PoolProtocolDynamic, IsActive: true}
	require.NoError(t, db.Create(&pool).Error)
	subnet := models.Subnet{PoolID: pool.ID, TenantID: 1, CIDR: cidr, Gateway: gateway, IsActive: true, Version: 1}
	require.NoError(t, db.Create(&subnet).Error)
	return &subnet
}

func TestAllocateLifecycle(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/29", "10.0.0.1")

	// Lowest free address, skipping network and gateway
	first, err := engine.Allocate(subnet.ID, AllocateRequest{OwnerRef: "cust-1"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", first.IPAddress)
	assert.Equal(t, models.AllocationStatusAllocated, first.Status)

	second, err := engine.Allocate(subnet.ID, AllocateRequest{OwnerRef: "cust-2"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", second.IPAddress)

	// Release and re-allocate the freed address explicitly
	require.NoError(t, engine.Release(first.ID, "service terminated"))

	third, err := engine.Allocate(subnet.ID, AllocateRequest{IP: "10.0.0.2", OwnerRef: "cust-3"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", third.IPAddress)
	// New allocation row, never a reuse of the released one
	assert.NotEqual(t, first.ID, third.ID)

	// The same explicit address again must collide
	_, err = engine.Allocate(subnet.ID, AllocateRequest{IP: "10.0.0.2", OwnerRef: "cust-4"})
	assert.True(t, errors.Is(err, ErrAddressInUse))
}

func TestAtMostOneHolder(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/29", "10.0.0.1")

	for i := 0; i < 10; i++ {
		engine.Allocate(subnet.ID, AllocateRequest{OwnerRef: fmt.Sprintf("cust-%d", i)})
	}

	var rows []struct {
		IPAddress string
		N         int64
	}
	err := db.Model(&models.Allocation{}).
		Select("ip_address, count(*) as n").
		Where("subnet_id = ? AND status IN ?", subnet.ID,
			[]models.AllocationStatus{models.AllocationStatusAllocated, models.AllocationStatusReserved}).
		Group("ip_address").Scan(&rows).Error
	require.NoError(t, err)
	for _, row := range rows {
		assert.LessOrEqual(t, row.N, int64(1), "address %s has multiple active holders", row.IPAddress)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/29", "10.0.0.1")

	// /29 has 6 usable hosts, one of which is the gateway
	for i := 0; i < 5; i++ {
		_, err := engine.Allocate(subnet.ID, AllocateRequest{OwnerRef: fmt.Sprintf("cust-%d", i)})
		require.NoError(t, err)
	}

	_, err := engine.Allocate(subnet.ID, AllocateRequest{OwnerRef: "cust-over"})
	assert.True(t, errors.Is(err, ErrAddressExhausted))
}

func TestReleaseIdempotent(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/29", "10.0.0.1")

	alloc, err := engine.Allocate(subnet.ID, AllocateRequest{OwnerRef: "cust-1"})
	require.NoError(t, err)

	require.NoError(t, engine.Release(alloc.ID, "first"))
	require.NoError(t, engine.Release(alloc.ID, "second"))

	var reloaded models.Allocation
	require.NoError(t, db.First(&reloaded, alloc.ID).Error)
	assert.Equal(t, models.AllocationStatusReleased, reloaded.Status)

	// Second release is a no-op: exactly one released history row
	var count int64
	db.Model(&models.AllocationHistory{}).
		Where("allocation_id = ? AND action = ?", alloc.ID, models.HistoryActionReleased).
		Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestHistoryCompleteness(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/29", "10.0.0.1")

	alloc, err := engine.Allocate(subnet.ID, AllocateRequest{OwnerRef: "cust-1"})
	require.NoError(t, err)
	require.NoError(t, engine.Release(alloc.ID, "done"))

	var history []models.AllocationHistory
	require.NoError(t, db.Where("allocation_id = ?", alloc.ID).Order("id").Find(&history).Error)
	require.Len(t, history, 2)
	assert.Equal(t, models.HistoryActionAllocated, history[0].Action)
	assert.Equal(t, models.HistoryActionReleased, history[1].Action)
}

func TestReserveAndExpiry(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/29", "10.0.0.1")

	past := time.Now().Add(-time.Minute)
	reserved, err := engine.Reserve(subnet.ID, "10.0.0.4", "cust-1", &past)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusReserved, reserved.Status)

	// Reserved addresses collide like allocated ones
	_, err = engine.Allocate(subnet.ID, AllocateRequest{IP: "10.0.0.4", OwnerRef: "cust-2"})
	assert.True(t, errors.Is(err, ErrAddressInUse))

	released, err := engine.SweepExpiredReservations()
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// Address is free again after the sweep
	alloc, err := engine.Allocate(subnet.ID, AllocateRequest{IP: "10.0.0.4", OwnerRef: "cust-2"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", alloc.IPAddress)
}

func TestAllocateInvalidAddress(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/29", "10.0.0.1")

	for _, ip := range []string{"10.0.0.0", "10.0.0.7", "10.0.1.5", "10.0.0.1", "garbage"} {
		_, err := engine.Allocate(subnet.ID, AllocateRequest{IP: ip, OwnerRef: "cust-1"})
		assert.Error(t, err, "address %s must be rejected", ip)
	}
}

func TestReconcile(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/24", "10.0.0.1")

	held, err := engine.Allocate(subnet.ID, AllocateRequest{IP: "10.0.0.10", OwnerRef: "cust-1"})
	require.NoError(t, err)
	ghost, err := engine.Allocate(subnet.ID, AllocateRequest{IP: "10.0.0.11", OwnerRef: "cust-2"})
	require.NoError(t, err)

	observedAt := time.Now().Add(time.Second)
	observed := []Lease{
		{IP: "10.0.0.10", OwnerRef: "cust-1"}, // matches ledger
		{IP: "10.0.0.50", OwnerRef: "cust-9"}, // unknown to ledger
	}

	result, err := engine.Reconcile(subnet.ID, observed, observedAt, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Adopted)
	assert.Equal(t, 1, result.Missing)
	require.Len(t, result.Flagged, 1)
	assert.Equal(t, "10.0.0.50", result.Flagged[0].IP)

	// Adopted allocation is confirmed, ghost enters the grace window
	var reloaded models.Allocation
	require.NoError(t, db.First(&reloaded, held.ID).Error)
	assert.NotNil(t, reloaded.LastSeenAt)
	reloaded = models.Allocation{}
	require.NoError(t, db.First(&reloaded, ghost.ID).Error)
	require.NotNil(t, reloaded.MissingSince)
	assert.Equal(t, models.AllocationStatusAllocated, reloaded.Status)

	// Unknown-live address is flagged, never silently allocated
	active, err := engine.ActiveByIP("10.0.0.50")
	require.NoError(t, err)
	assert.Nil(t, active)

	// Push the ghost past the grace window; next pass releases it
	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.Allocation{}).Where("id = ?", ghost.ID).
		Update("missing_since", past).Error)

	result, err = engine.Reconcile(subnet.ID, []Lease{{IP: "10.0.0.10", OwnerRef: "cust-1"}},
		time.Now().Add(time.Second), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Released)

	reloaded = models.Allocation{}
	require.NoError(t, db.First(&reloaded, ghost.ID).Error)
	assert.Equal(t, models.AllocationStatusReleased, reloaded.Status)
}

func TestReconcileSparesReservationsAndStatic(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/24", "10.0.0.1")

	expiry := time.Now().Add(24 * time.Hour)
	reserved, err := engine.Reserve(subnet.ID, "10.0.0.20", "cust-1", &expiry)
	require.NoError(t, err)
	openEnded, err := engine.Reserve(subnet.ID, "10.0.0.21", "cust-2", nil)
	require.NoError(t, err)
	static, err := engine.Allocate(subnet.ID, AllocateRequest{
		IP: "10.0.0.22", OwnerRef: "cust-3", Type: models.AllocationTypeStatic})
	require.NoError(t, err)

	// None of the three appears live, but none enters the grace window:
	// reservations are released only by their own expiry and static
	// assignments survive session churn
	result, err := engine.Reconcile(subnet.ID, nil, time.Now().Add(time.Second), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Missing)
	assert.Equal(t, 0, result.Released)

	var reloaded models.Allocation
	require.NoError(t, db.First(&reloaded, reserved.ID).Error)
	assert.Nil(t, reloaded.MissingSince)
	assert.Equal(t, models.AllocationStatusReserved, reloaded.Status)

	reloaded = models.Allocation{}
	require.NoError(t, db.First(&reloaded, static.ID).Error)
	assert.Nil(t, reloaded.MissingSince)
	assert.Equal(t, models.AllocationStatusAllocated, reloaded.Status)

	// Even with a stale grace stamp a no-expiry reservation survives
	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.Allocation{}).Where("id = ?", openEnded.ID).
		Update("missing_since", past).Error)

	result, err = engine.Reconcile(subnet.ID, nil, time.Now().Add(time.Second), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Released)
	reloaded = models.Allocation{}
	require.NoError(t, db.First(&reloaded, openEnded.ID).Error)
	assert.Equal(t, models.AllocationStatusReserved, reloaded.Status)
}

func TestReconcileFlagNotRepeated(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/24", "10.0.0.1")

	observed := []Lease{{IP: "10.0.0.50", OwnerRef: "cust-9"}}
	for i := 0; i < 3; i++ {
		_, err := engine.Reconcile(subnet.ID, observed, time.Now().Add(time.Second), 30*time.Minute)
		require.NoError(t, err)
	}

	// The same condition produces one review row, not one per sweep
	var flags int64
	require.NoError(t, db.Model(&models.AllocationHistory{}).
		Where("ip_address = ? AND action = ?", "10.0.0.50", models.HistoryActionFlagged).
		Count(&flags).Error)
	assert.Equal(t, int64(1), flags)

	// Ledger activity on the address supersedes the flag; a recurrence
	// is flagged again
	alloc, err := engine.Allocate(subnet.ID, AllocateRequest{IP: "10.0.0.50", OwnerRef: "cust-9"})
	require.NoError(t, err)
	require.NoError(t, engine.Release(alloc.ID, "operator release"))

	_, err = engine.Reconcile(subnet.ID, observed, time.Now().Add(time.Second), 30*time.Minute)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.AllocationHistory{}).
		Where("ip_address = ? AND action = ?", "10.0.0.50", models.HistoryActionFlagged).
		Count(&flags).Error)
	assert.Equal(t, int64(2), flags)
}

func TestReconcileStaleObservation(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/24", "10.0.0.1")

	_, err := engine.Allocate(subnet.ID, AllocateRequest{IP: "10.0.0.10", OwnerRef: "cust-1"})
	require.NoError(t, err)

	// Observation predates the allocation: must be discarded, not applied
	observedAt := time.Now().Add(-time.Hour)
	result, err := engine.Reconcile(subnet.ID, nil, observedAt, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stale)
	assert.Equal(t, 0, result.Missing)
}

func TestCheckHint(t *testing.T) {
	db := testDB(t)
	engine := NewEngine(db)
	subnet := seedSubnet(t, db, "10.0.0.0/24", "10.0.0.1")

	alloc, err := engine.Allocate(subnet.ID, AllocateRequest{IP: "10.0.0.10", OwnerRef: "cust-1"})
	require.NoError(t, err)

	// Stop hint for the holder stamps the grace timer
	require.NoError(t, engine.CheckHint("10.0.0.10", "cust-1", time.Now().Add(time.Second)))
	var reloaded models.Allocation
	require.NoError(t, db.First(&reloaded, alloc.ID).Error)
	assert.NotNil(t, reloaded.MissingSince)

	// Hint older than the ledger state is rejected
	err = engine.CheckHint("10.0.0.10", "cust-1", time.Now().Add(-time.Hour))
	assert.True(t, errors.Is(err, ErrStaleReconciliation))

	// Hint for an unallocated address is a no-op
	assert.NoError(t, engine.CheckHint("10.0.0.99", "cust-1", time.Now()))
}
