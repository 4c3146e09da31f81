package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/gateway"
	"github.com/ispbase/netcore/internal/models"
)

// DeviceHealthMonitor probes every active device on a fixed cadence and
// records reachability on the device row. The latest probe is also cached in
// Redis for cheap dashboard reads.
type DeviceHealthMonitor struct {
	registry *gateway.Registry
	interval time.Duration
	timeout  time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewDeviceHealthMonitor(registry *gateway.Registry, timeoutSeconds int) *DeviceHealthMonitor {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 10
	}
	return &DeviceHealthMonitor{
		registry: registry,
		interval: time.Minute,
		timeout:  time.Duration(timeoutSeconds) * time.Second,
		stopChan: make(chan struct{}),
	}
}

func (m *DeviceHealthMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()

	log.Printf("DeviceHealthMonitor started (interval: %v)", m.interval)
}

func (m *DeviceHealthMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	log.Println("DeviceHealthMonitor stopped")
}

func (m *DeviceHealthMonitor) run() {
	defer m.wg.Done()

	// First pass shortly after startup so dashboards aren't empty
	select {
	case <-time.After(10 * time.Second):
		m.checkAll()
	case <-m.stopChan:
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *DeviceHealthMonitor) checkAll() {
	if database.DB == nil {
		return
	}

	var devices []models.Device
	if err := database.DB.Where("is_active = ?", true).Find(&devices).Error; err != nil {
		log.Printf("DeviceHealthMonitor: failed to load devices: %v", err)
		return
	}

	for i := range devices {
		m.checkOne(&devices[i])
	}
}

func (m *DeviceHealthMonitor) checkOne(device *models.Device) {
	gw, err := m.registry.Resolve(device.Kind)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	now := time.Now()
	health, err := gw.CheckHealth(ctx, device)

	updates := map[string]interface{}{
		"last_checked": now,
	}
	switch {
	case err != nil:
		updates["is_reachable"] = false
		updates["last_error"] = err.Error()
		if device.IsReachable {
			log.Printf("DeviceHealthMonitor: device %s became unreachable: %v", device.Name, err)
		}
	default:
		updates["is_reachable"] = health.Reachable
		updates["latency_ms"] = health.LatencyMs
		updates["last_error"] = health.Error
		if health.Identity != "" {
			updates["version"] = health.Identity
		}
	}

	if err := database.DB.Model(&models.Device{}).Where("id = ?", device.ID).
		Updates(updates).Error; err != nil {
		log.Printf("DeviceHealthMonitor: failed to update device %d: %v", device.ID, err)
		return
	}

	if database.Redis != nil {
		reachable := err == nil && health.Reachable
		key := fmt.Sprintf("netcore:device:health:%d", device.ID)
		database.Redis.Set(context.Background(), key, reachable, 5*time.Minute)
	}
}
