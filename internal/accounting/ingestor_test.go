package accounting

import (
	"context"
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

func newTestIngestor(t *testing.T) (*Ingestor, *MemoryHintQueue, *gorm.DB) {
	t.Helper()
	db := testDB(t)
	hints := NewMemoryHintQueue(16)
	return NewIngestor(db, hints), hints, db
}

func startEvent(session, user, ip string) Event {
	return Event{
		Type:            EventStart,
		SessionID:       session,
		Username:        user,
		NASIPAddress:    "192.168.88.1",
		FramedIPAddress: ip,
	}
}

func TestIngestStartStop(t *testing.T) {
	in, hints, db := newTestIngestor(t)
	ctx := context.Background()

	require.NoError(t, in.Ingest(ctx, startEvent("s1", "alice", "10.0.0.2")))

	var acct models.RadAcct
	require.NoError(t, db.Where("acctsessionid = ?", "s1").First(&acct).Error)
	assert.Equal(t, "alice", acct.Username)
	assert.True(t, acct.IsOpen())
	assert.Len(t, acct.AcctUniqueID, 32)

	stop := Event{
		Type:            EventStop,
		SessionID:       "s1",
		Username:        "alice",
		FramedIPAddress: "10.0.0.2",
		SessionTime:     3600,
		InputOctets:     1000,
		OutputOctets:    5000,
		TerminateCause:  "User-Request",
	}
	require.NoError(t, in.Ingest(ctx, stop))

	require.NoError(t, db.Where("acctsessionid = ?", "s1").First(&acct).Error)
	assert.False(t, acct.IsOpen())
	assert.Equal(t, 3600, acct.AcctSessionTime)
	assert.Equal(t, int64(5000), acct.AcctOutputOctets)

	// Stop enqueues a reconcile hint for the framed IP
	hint, err := hints.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, hint)
	assert.Equal(t, "10.0.0.2", hint.IP)
	assert.Equal(t, "alice", hint.Username)
}

func TestIngestDuplicateStart(t *testing.T) {
	in, _, db := newTestIngestor(t)
	ctx := context.Background()

	require.NoError(t, in.Ingest(ctx, startEvent("s1", "alice", "10.0.0.2")))
	require.NoError(t, in.Ingest(ctx, startEvent("s1", "alice", "10.0.0.2")))

	var count int64
	db.Model(&models.RadAcct{}).Where("acctsessionid = ?", "s1").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestIngestStopIdempotent(t *testing.T) {
	in, hints, db := newTestIngestor(t)
	ctx := context.Background()

	require.NoError(t, in.Ingest(ctx, startEvent("s1", "alice", "10.0.0.2")))

	stop := Event{
		Type:            EventStop,
		SessionID:       "s1",
		Username:        "alice",
		FramedIPAddress: "10.0.0.2",
		SessionTime:     100,
		InputOctets:     42,
		OutputOctets:    43,
	}
	require.NoError(t, in.Ingest(ctx, stop))

	// Replaying the same stop must not double-count or error
	stop.SessionTime = 999999
	require.NoError(t, in.Ingest(ctx, stop))

	var acct models.RadAcct
	require.NoError(t, db.Where("acctsessionid = ?", "s1").First(&acct).Error)
	assert.Equal(t, 100, acct.AcctSessionTime)

	// Exactly one hint from the first stop
	hint, _ := hints.Pop(ctx, 50*time.Millisecond)
	require.NotNil(t, hint)
	hint, _ = hints.Pop(ctx, 50*time.Millisecond)
	assert.Nil(t, hint)
}

func TestIngestInterimSynthesizesSession(t *testing.T) {
	in, _, db := newTestIngestor(t)
	ctx := context.Background()

	// Interim update without a prior start (e.g., listener restarted)
	interim := Event{
		Type:            EventInterim,
		SessionID:       "s9",
		Username:        "bob",
		NASIPAddress:    "192.168.88.1",
		FramedIPAddress: "10.0.0.9",
		SessionTime:     600,
		InputOctets:     100,
		OutputOctets:    200,
	}
	require.NoError(t, in.Ingest(ctx, interim))

	var acct models.RadAcct
	require.NoError(t, db.Where("acctsessionid = ?", "s9").First(&acct).Error)
	assert.True(t, acct.IsOpen())
	assert.Equal(t, 600, acct.AcctSessionTime)
	require.NotNil(t, acct.AcctStartTime)
	// Start time estimated backwards from the reported uptime
	assert.WithinDuration(t, time.Now().Add(-600*time.Second), *acct.AcctStartTime, 5*time.Second)

	// A further interim update lands on the synthesized row
	interim.SessionTime = 1200
	require.NoError(t, in.Ingest(ctx, interim))
	var count int64
	db.Model(&models.RadAcct{}).Where("acctsessionid = ?", "s9").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestIngestDuplicateIPDefense(t *testing.T) {
	in, hints, db := newTestIngestor(t)
	ctx := context.Background()

	require.NoError(t, in.Ingest(ctx, startEvent("s1", "alice", "10.0.0.2")))
	// bob starts with alice's IP: alice's session is closed, a hint is queued
	require.NoError(t, in.Ingest(ctx, startEvent("s2", "bob", "10.0.0.2")))

	var old models.RadAcct
	require.NoError(t, db.Where("acctsessionid = ?", "s1").First(&old).Error)
	assert.False(t, old.IsOpen())
	assert.Equal(t, "Duplicate-IP-Cleanup", old.AcctTerminateCause)

	hint, err := hints.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, hint)
	assert.Equal(t, "alice", hint.Username)
}

func TestIngestMalformedEvent(t *testing.T) {
	in, _, _ := newTestIngestor(t)

	err := in.Ingest(context.Background(), Event{Type: EventStart, Username: "alice"})
	assert.ErrorIs(t, err, ErrMalformedEvent)

	err = in.Ingest(context.Background(), Event{Type: "bogus", SessionID: "s1", Username: "alice"})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
