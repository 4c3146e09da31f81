// Package accounting applies RADIUS accounting events to the session tables
// and feeds the reconciliation pipeline. Session state here is never
// authoritative for allocation ownership; it is reconciled against the
// ledger, not the reverse.
package accounting

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ispbase/netcore/internal/models"
)

// Ingestor consumes accounting events. Events for the same session key are
// applied in arrival order; cross-session ordering is not guaranteed.
type Ingestor struct {
	db    *gorm.DB
	hints HintQueue

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewIngestor creates an ingestor writing through db and hinting into hints
func NewIngestor(db *gorm.DB, hints HintQueue) *Ingestor {
	return &Ingestor{
		db:    db,
		hints: hints,
		keys:  make(map[string]*sync.Mutex),
	}
}

func (in *Ingestor) keyLock(key string) *sync.Mutex {
	in.mu.Lock()
	defer in.mu.Unlock()
	l, ok := in.keys[key]
	if !ok {
		l = &sync.Mutex{}
		in.keys[key] = l
	}
	return l
}

// Ingest applies one event. Malformed events return ErrMalformedEvent; the
// caller logs and drops them, ingestion never halts on one bad record.
func (in *Ingestor) Ingest(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	lock := in.keyLock(ev.key())
	lock.Lock()
	defer lock.Unlock()

	switch ev.Type {
	case EventStart:
		return in.handleStart(ctx, ev)
	case EventInterim:
		return in.handleInterim(ev)
	default:
		return in.handleStop(ctx, ev)
	}
}

func (in *Ingestor) handleStart(ctx context.Context, ev Event) error {
	in.closeConflictingSessions(ctx, ev)

	var open models.RadAcct
	err := in.db.Where("acctsessionid = ? AND username = ? AND acctstoptime IS NULL",
		ev.SessionID, ev.Username).First(&open).Error
	if err == nil {
		// Duplicate start: logged, not fatal
		log.Printf("Acct: duplicate start for %s session=%s", ev.Username, ev.SessionID)
		return in.db.Model(&open).Updates(map[string]interface{}{
			"acctupdatetime":  ev.Timestamp,
			"framedipaddress": ev.FramedIPAddress,
		}).Error
	}
	if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("failed to check open session: %w", err)
	}

	start := ev.Timestamp
	acct := models.RadAcct{
		AcctSessionID:    ev.SessionID,
		AcctUniqueID:     newUniqueID(),
		Username:         ev.Username,
		NasIPAddress:     ev.NASIPAddress,
		AcctStartTime:    &start,
		CallingStationID: ev.CallingStationID,
		FramedIPAddress:  ev.FramedIPAddress,
	}
	if err := in.db.Create(&acct).Error; err != nil {
		return fmt.Errorf("failed to create radacct record: %w", err)
	}
	log.Printf("Acct: session start %s session=%s ip=%s", ev.Username, ev.SessionID, ev.FramedIPAddress)
	return nil
}

func (in *Ingestor) handleInterim(ev Event) error {
	result := in.db.Model(&models.RadAcct{}).
		Where("acctsessionid = ? AND username = ? AND acctstoptime IS NULL", ev.SessionID, ev.Username).
		Updates(map[string]interface{}{
			"acctupdatetime":   ev.Timestamp,
			"acctsessiontime":  ev.SessionTime,
			"acctinputoctets":  ev.InputOctets,
			"acctoutputoctets": ev.OutputOctets,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to apply interim update: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// No open session for this key: devices lose or duplicate start records,
	// so synthesize the row from the update
	estimatedStart := ev.Timestamp.Add(-time.Duration(ev.SessionTime) * time.Second)
	update := ev.Timestamp
	acct := models.RadAcct{
		AcctSessionID:    ev.SessionID,
		AcctUniqueID:     newUniqueID(),
		Username:         ev.Username,
		NasIPAddress:     ev.NASIPAddress,
		AcctStartTime:    &estimatedStart,
		AcctUpdateTime:   &update,
		AcctSessionTime:  ev.SessionTime,
		AcctInputOctets:  ev.InputOctets,
		AcctOutputOctets: ev.OutputOctets,
		CallingStationID: ev.CallingStationID,
		FramedIPAddress:  ev.FramedIPAddress,
	}
	if err := in.db.Create(&acct).Error; err != nil {
		return fmt.Errorf("failed to synthesize session from interim update: %w", err)
	}
	log.Printf("Acct: synthesized session for %s from interim update (session=%s, uptime=%ds)",
		ev.Username, ev.SessionID, ev.SessionTime)
	return nil
}

func (in *Ingestor) handleStop(ctx context.Context, ev Event) error {
	// Keyed update on the open row only: replaying the same stop is a no-op
	result := in.db.Model(&models.RadAcct{}).
		Where("acctsessionid = ? AND username = ? AND acctstoptime IS NULL", ev.SessionID, ev.Username).
		Updates(map[string]interface{}{
			"acctstoptime":       ev.Timestamp,
			"acctsessiontime":    ev.SessionTime,
			"acctinputoctets":    ev.InputOctets,
			"acctoutputoctets":   ev.OutputOctets,
			"acctterminatecause": ev.TerminateCause,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to close session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		log.Printf("Acct: stop for unknown/closed session %s user=%s", ev.SessionID, ev.Username)
		return nil
	}

	if validFramedIP(ev.FramedIPAddress) {
		hint := Hint{
			IP:       ev.FramedIPAddress,
			Username: ev.Username,
			Reason:   "session stop",
			HintedAt: ev.Timestamp,
		}
		if err := in.hints.Push(ctx, hint); err != nil {
			log.Printf("Acct: failed to enqueue reconcile hint for %s: %v", ev.FramedIPAddress, err)
		}
	}
	log.Printf("Acct: session stop %s session=%s cause=%s", ev.Username, ev.SessionID, ev.TerminateCause)
	return nil
}

// closeConflictingSessions closes open sessions holding the starting
// session's framed IP under a different username. The ledger is not touched
// here; the hint lets the reconciliation worker flag the address.
func (in *Ingestor) closeConflictingSessions(ctx context.Context, ev Event) {
	if !validFramedIP(ev.FramedIPAddress) {
		return
	}

	var conflicts []models.RadAcct
	if err := in.db.Where("framedipaddress = ? AND username != ? AND acctstoptime IS NULL",
		ev.FramedIPAddress, ev.Username).Find(&conflicts).Error; err != nil {
		log.Printf("Acct: failed to check duplicate IP for %s: %v", ev.FramedIPAddress, err)
		return
	}

	for _, old := range conflicts {
		log.Printf("Acct: duplicate IP %s held by %s, closed by start from %s",
			ev.FramedIPAddress, old.Username, ev.Username)
		in.db.Model(&models.RadAcct{}).Where("id = ?", old.ID).Updates(map[string]interface{}{
			"acctstoptime":       ev.Timestamp,
			"acctterminatecause": "Duplicate-IP-Cleanup",
		})
		hint := Hint{
			IP:       ev.FramedIPAddress,
			Username: old.Username,
			Reason:   "duplicate ip cleanup",
			HintedAt: ev.Timestamp,
		}
		if err := in.hints.Push(ctx, hint); err != nil {
			log.Printf("Acct: failed to enqueue duplicate-ip hint: %v", err)
		}
	}
}

func validFramedIP(ip string) bool {
	return ip != "" && ip != "<nil>" && ip != "0.0.0.0"
}

func newUniqueID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
