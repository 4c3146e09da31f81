package services

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/ispbase/netcore/internal/accounting"
	"github.com/ispbase/netcore/internal/addrspace"
	"github.com/ispbase/netcore/internal/allocation"
	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/models"
)

// ReconcileWorker keeps the allocation ledger aligned with what accounting
// reports as live. It drains stop hints for prompt per-address checks and
// runs a periodic full sweep per subnet as the safety net.
type ReconcileWorker struct {
	engine        *allocation.Engine
	hints         accounting.HintQueue
	grace         time.Duration
	sweepInterval time.Duration

	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewReconcileWorker(engine *allocation.Engine, hints accounting.HintQueue, graceMinutes, sweepMinutes int) *ReconcileWorker {
	if graceMinutes <= 0 {
		graceMinutes = 30
	}
	if sweepMinutes <= 0 {
		sweepMinutes = 10
	}
	return &ReconcileWorker{
		engine:        engine,
		hints:         hints,
		grace:         time.Duration(graceMinutes) * time.Minute,
		sweepInterval: time.Duration(sweepMinutes) * time.Minute,
		stopChan:      make(chan struct{}),
	}
}

func (w *ReconcileWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(2)
	go w.drainHints(ctx)
	go w.sweep()

	log.Printf("ReconcileWorker started (grace: %v, sweep: %v)", w.grace, w.sweepInterval)
}

func (w *ReconcileWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	close(w.stopChan)
	w.wg.Wait()
	log.Println("ReconcileWorker stopped")
}

func (w *ReconcileWorker) drainHints(ctx context.Context) {
	defer w.wg.Done()

	for {
		hint, err := w.hints.Pop(ctx, 5*time.Second)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("ReconcileWorker: hint pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if hint == nil {
			continue
		}

		err = w.engine.CheckHint(hint.IP, hint.Username, hint.HintedAt)
		if errors.Is(err, allocation.ErrStaleReconciliation) {
			// The ledger moved on since the hint was queued; the periodic
			// sweep will see the current state
			continue
		}
		if err != nil {
			log.Printf("ReconcileWorker: hint check failed for %s: %v", hint.IP, err)
		}
	}
}

func (w *ReconcileWorker) sweep() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.sweepAll()
		}
	}
}

// sweepAll reconciles every active subnet against the open accounting
// sessions, which are the system's view of what is live on the network
func (w *ReconcileWorker) sweepAll() {
	if database.DB == nil {
		return
	}
	observedAt := time.Now()
	grace := w.currentGrace()

	var open []models.RadAcct
	if err := database.DB.
		Where("acctstoptime IS NULL AND framedipaddress != ''").
		Find(&open).Error; err != nil {
		log.Printf("ReconcileWorker: failed to load open sessions: %v", err)
		return
	}

	var subnets []models.Subnet
	if err := database.DB.Where("is_active = ?", true).Find(&subnets).Error; err != nil {
		log.Printf("ReconcileWorker: failed to load subnets: %v", err)
		return
	}

	for _, subnet := range subnets {
		var observed []allocation.Lease
		for _, session := range open {
			inside, err := addrspace.SubnetContains(subnet.CIDR, session.FramedIPAddress)
			if err != nil || !inside {
				continue
			}
			observed = append(observed, allocation.Lease{
				IP:       session.FramedIPAddress,
				OwnerRef: session.Username,
			})
		}
		if _, err := w.engine.Reconcile(subnet.ID, observed, observedAt, grace); err != nil {
			log.Printf("ReconcileWorker: sweep failed for subnet %d: %v", subnet.ID, err)
		}
	}
}

// currentGrace returns the grace window, preferring the operator-set system
// preference over the configured default
func (w *ReconcileWorker) currentGrace() time.Duration {
	var pref models.SystemPreference
	if err := database.DB.Where("key = ?", "reconcile_grace_minutes").First(&pref).Error; err != nil {
		return w.grace
	}
	minutes, err := strconv.Atoi(pref.Value)
	if err != nil || minutes <= 0 {
		return w.grace
	}
	return time.Duration(minutes) * time.Minute
}
