package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ispbase/netcore/internal/accounting"
	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/models"
)

// StaleSessionCleanupService periodically closes radacct sessions that have
// had no interim update for the threshold period. Devices that crash or lose
// power never send STOP packets, so ghost sessions accumulate without this.
type StaleSessionCleanupService struct {
	staleThreshold time.Duration
	checkInterval  time.Duration
	hints          accounting.HintQueue
	stopChan       chan struct{}
	wg             sync.WaitGroup
	mu             sync.Mutex
	isRunning      bool
}

func NewStaleSessionCleanupService(staleMinutes int, hints accounting.HintQueue) *StaleSessionCleanupService {
	if staleMinutes <= 0 {
		staleMinutes = 30
	}
	return &StaleSessionCleanupService{
		staleThreshold: time.Duration(staleMinutes) * time.Minute,
		checkInterval:  5 * time.Minute,
		hints:          hints,
		stopChan:       make(chan struct{}),
	}
}

func (s *StaleSessionCleanupService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	log.Printf("StaleSessionCleanupService started (threshold: %v, interval: %v)",
		s.staleThreshold, s.checkInterval)
}

func (s *StaleSessionCleanupService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	log.Println("StaleSessionCleanupService stopped")
}

func (s *StaleSessionCleanupService) run() {
	defer s.wg.Done()

	// Let the accounting listener catch up after a restart before judging
	// sessions stale
	select {
	case <-time.After(2 * time.Minute):
		s.cleanup()
	case <-s.stopChan:
		return
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *StaleSessionCleanupService) cleanup() {
	if database.DB == nil {
		return
	}

	now := time.Now()
	threshold := now.Add(-s.staleThreshold)

	// Collect the sessions first so their addresses can be hinted for
	// reconciliation after the close
	var stale []models.RadAcct
	err := database.DB.
		Where("acctstoptime IS NULL").
		Where("(acctupdatetime IS NULL OR acctupdatetime < ?)", threshold).
		Where("acctstarttime < ?", threshold).
		Find(&stale).Error
	if err != nil {
		log.Printf("StaleSessionCleanup: query failed: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	result := database.DB.Model(&models.RadAcct{}).
		Where("acctstoptime IS NULL").
		Where("(acctupdatetime IS NULL OR acctupdatetime < ?)", threshold).
		Where("acctstarttime < ?", threshold).
		Updates(map[string]interface{}{
			"acctstoptime":       now,
			"acctterminatecause": "Stale-Session-Cleanup",
		})
	if result.Error != nil {
		log.Printf("StaleSessionCleanup: error closing stale sessions: %v", result.Error)
		return
	}

	log.Printf("StaleSessionCleanup: closed %d stale sessions (no update since %v)",
		result.RowsAffected, threshold)

	if s.hints == nil {
		return
	}
	ctx := context.Background()
	for _, session := range stale {
		if session.FramedIPAddress == "" {
			continue
		}
		hint := accounting.Hint{
			IP:       session.FramedIPAddress,
			Username: session.Username,
			Reason:   "stale-session",
			HintedAt: now,
		}
		if err := s.hints.Push(ctx, hint); err != nil {
			log.Printf("StaleSessionCleanup: hint push failed for %s: %v", session.FramedIPAddress, err)
		}
	}
}
