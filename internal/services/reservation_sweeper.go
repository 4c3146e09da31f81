package services

import (
	"log"
	"sync"
	"time"

	"github.com/ispbase/netcore/internal/allocation"
)

// ReservationSweeper expires reservations whose hold window has passed so
// their addresses return to the free set.
type ReservationSweeper struct {
	engine   *allocation.Engine
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewReservationSweeper(engine *allocation.Engine, sweepSeconds int) *ReservationSweeper {
	if sweepSeconds <= 0 {
		sweepSeconds = 60
	}
	return &ReservationSweeper{
		engine:   engine,
		interval: time.Duration(sweepSeconds) * time.Second,
		stopChan: make(chan struct{}),
	}
}

func (s *ReservationSweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	log.Printf("ReservationSweeper started (interval: %v)", s.interval)
}

func (s *ReservationSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	log.Println("ReservationSweeper stopped")
}

func (s *ReservationSweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			expired, err := s.engine.SweepExpiredReservations()
			if err != nil {
				log.Printf("ReservationSweeper: sweep failed: %v", err)
				continue
			}
			if expired > 0 {
				log.Printf("ReservationSweeper: expired %d reservations", expired)
			}
		}
	}
}
