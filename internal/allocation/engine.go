// Package allocation owns the address ledger: acquiring, reserving and
// releasing addresses against subnets, with an append-only history trail.
package allocation

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ispbase/netcore/internal/addrspace"
	"github.com/ispbase/netcore/internal/models"
)

// Engine serializes ledger writes per subnet. Reads never block.
type Engine struct {
	db *gorm.DB

	mu      sync.Mutex
	subnets map[uint]*sync.Mutex
}

// NewEngine creates an allocation engine on top of db
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{
		db:      db,
		subnets: make(map[uint]*sync.Mutex),
	}
}

// subnetLock returns the mutex serializing writes for one subnet
func (e *Engine) subnetLock(subnetID uint) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.subnets[subnetID]
	if !ok {
		l = &sync.Mutex{}
		e.subnets[subnetID] = l
	}
	return l
}

// AllocateRequest describes one address acquisition
type AllocateRequest struct {
	IP        string // optional; when set, exactly this address is attempted
	Type      models.AllocationType
	OwnerRef  string
	SessionID string
}

// Allocate acquires an address in the subnet. With an explicit IP it attempts
// exactly that address; otherwise it selects the lowest free address in the
// usable range, skipping network, broadcast and gateway. The allocation and
// its history row are written atomically.
func (e *Engine) Allocate(subnetID uint, req AllocateRequest) (*models.Allocation, error) {
	lock := e.subnetLock(subnetID)
	lock.Lock()
	defer lock.Unlock()

	if req.Type == "" {
		req.Type = models.AllocationTypeDynamic
	}
	return e.acquire(subnetID, req.IP, req.Type, models.AllocationStatusAllocated, req.OwnerRef, req.SessionID, nil)
}

// Reserve holds an address without activating it. A reservation past its
// expiry is released by the background sweep.
func (e *Engine) Reserve(subnetID uint, ip, ownerRef string, expiresAt *time.Time) (*models.Allocation, error) {
	lock := e.subnetLock(subnetID)
	lock.Lock()
	defer lock.Unlock()

	return e.acquire(subnetID, ip, models.AllocationTypeReserved, models.AllocationStatusReserved, ownerRef, "", expiresAt)
}

// acquire implements the shared Allocate/Reserve path. Caller holds the
// subnet lock.
func (e *Engine) acquire(subnetID uint, ip string, typ models.AllocationType, status models.AllocationStatus, ownerRef, sessionID string, expiresAt *time.Time) (*models.Allocation, error) {
	var subnet models.Subnet
	if err := e.db.First(&subnet, subnetID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: id %d", ErrSubnetNotFound, subnetID)
		}
		return nil, fmt.Errorf("failed to load subnet: %w", err)
	}
	if !subnet.IsActive {
		return nil, fmt.Errorf("%w: subnet %d is inactive", ErrSubnetNotFound, subnetID)
	}

	action := models.HistoryActionAllocated
	if status == models.AllocationStatusReserved {
		action = models.HistoryActionReserved
	}

	// Occupancy check and insert run in one transaction with the active
	// rows locked, so concurrent writers in other processes serialize on
	// the database rather than on this process's subnet mutex alone
	var alloc *models.Allocation
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if ip != "" {
			if err := e.checkAssignable(tx, &subnet, ip); err != nil {
				return err
			}
		} else {
			free, err := e.lowestFreeAddress(tx, &subnet)
			if err != nil {
				return err
			}
			ip = free
		}

		now := time.Now()
		alloc = &models.Allocation{
			SubnetID:    subnetID,
			IPAddress:   ip,
			OwnerRef:    ownerRef,
			SessionID:   sessionID,
			Type:        typ,
			Status:      status,
			AllocatedAt: &now,
			ExpiresAt:   expiresAt,
			LastSeenAt:  nil,
		}
		if err := tx.Create(alloc).Error; err != nil {
			return err
		}
		return tx.Create(&models.AllocationHistory{
			AllocationID: &alloc.ID,
			SubnetID:     subnetID,
			IPAddress:    ip,
			OwnerRef:     ownerRef,
			Action:       action,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrAddressInUse) || errors.Is(err, ErrAddressExhausted) ||
			errors.Is(err, addrspace.ErrInvalidAddress) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to write allocation: %w", err)
	}

	log.Printf("Alloc: %s %s in subnet %d for %s", action, ip, subnetID, ownerRef)
	return alloc, nil
}

// lockForUpdate adds row locking to a read inside a transaction. SQLite has
// no FOR UPDATE; its whole-database write lock covers the same ground in
// tests.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// checkAssignable validates an explicitly requested address against the
// subnet and the at-most-one-holder invariant. Caller runs it inside the
// write transaction; the active row, if any, is locked.
func (e *Engine) checkAssignable(tx *gorm.DB, subnet *models.Subnet, ip string) error {
	ok, err := addrspace.SubnetContains(subnet.CIDR, ip)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s not usable in %s", addrspace.ErrInvalidAddress, ip, subnet.CIDR)
	}
	if subnet.Gateway != "" && ip == subnet.Gateway {
		return fmt.Errorf("%w: %s is the gateway address", addrspace.ErrInvalidAddress, ip)
	}

	var holders []models.Allocation
	if err := lockForUpdate(tx).
		Where("subnet_id = ? AND ip_address = ? AND status IN ?", subnet.ID,
			ip, []models.AllocationStatus{models.AllocationStatusAllocated, models.AllocationStatusReserved}).
		Find(&holders).Error; err != nil {
		return fmt.Errorf("failed to check address: %w", err)
	}
	if len(holders) > 0 {
		return fmt.Errorf("%w: %s", ErrAddressInUse, ip)
	}
	return nil
}

// lowestFreeAddress derives occupancy fresh from the ledger and returns the
// lowest usable address with no active holder. Caller runs it inside the
// write transaction; the active rows are locked.
func (e *Engine) lowestFreeAddress(tx *gorm.DB, subnet *models.Subnet) (string, error) {
	first, last, err := addrspace.UsableRange(subnet.CIDR)
	if err != nil {
		return "", err
	}

	var active []models.Allocation
	if err := lockForUpdate(tx).Where("subnet_id = ? AND status IN ?", subnet.ID,
		[]models.AllocationStatus{models.AllocationStatusAllocated, models.AllocationStatusReserved}).
		Find(&active).Error; err != nil {
		return "", fmt.Errorf("failed to load allocations: %w", err)
	}

	held := make(map[string]bool, len(active))
	for _, a := range active {
		held[a.IPAddress] = true
	}

	lastStr := last.String()
	for ip := first; ; ip = addrspace.NextIP(ip) {
		s := ip.String()
		if s != subnet.Gateway && !held[s] {
			return s, nil
		}
		if s == lastStr {
			break
		}
	}
	return "", fmt.Errorf("%w: subnet %s", ErrAddressExhausted, subnet.CIDR)
}

// Release frees an allocation. Releasing an already-released allocation is a
// no-op success.
func (e *Engine) Release(allocationID uint, reason string) error {
	var alloc models.Allocation
	if err := e.db.First(&alloc, allocationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("%w: id %d", ErrAllocationNotFound, allocationID)
		}
		return fmt.Errorf("failed to load allocation: %w", err)
	}

	lock := e.subnetLock(alloc.SubnetID)
	lock.Lock()
	defer lock.Unlock()

	return e.releaseLocked(allocationID, reason)
}

// releaseLocked performs the release. Caller holds the subnet lock.
func (e *Engine) releaseLocked(allocationID uint, reason string) error {
	// Re-read under the lock; a concurrent release may have won
	var alloc models.Allocation
	if err := e.db.First(&alloc, allocationID).Error; err != nil {
		return fmt.Errorf("failed to load allocation: %w", err)
	}
	if alloc.Status == models.AllocationStatusReleased {
		return nil
	}

	now := time.Now()
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Allocation{}).
			Where("id = ?", alloc.ID).
			Updates(map[string]interface{}{
				"status":      models.AllocationStatusReleased,
				"released_at": now,
				"session_id":  "",
			}).Error; err != nil {
			return err
		}
		return tx.Create(&models.AllocationHistory{
			AllocationID: &alloc.ID,
			SubnetID:     alloc.SubnetID,
			IPAddress:    alloc.IPAddress,
			OwnerRef:     alloc.OwnerRef,
			Action:       models.HistoryActionReleased,
			Reason:       reason,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to release allocation: %w", err)
	}

	log.Printf("Alloc: released %s in subnet %d (%s)", alloc.IPAddress, alloc.SubnetID, reason)
	return nil
}

// ActiveByIP returns the active allocation holding ip, if any
func (e *Engine) ActiveByIP(ip string) (*models.Allocation, error) {
	var alloc models.Allocation
	err := e.db.Where("ip_address = ? AND status IN ?", ip,
		[]models.AllocationStatus{models.AllocationStatusAllocated, models.AllocationStatusReserved}).
		First(&alloc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up allocation: %w", err)
	}
	return &alloc, nil
}

// SweepExpiredReservations releases reservations past their expiry and
// returns how many were released
func (e *Engine) SweepExpiredReservations() (int, error) {
	var expired []models.Allocation
	if err := e.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?",
		models.AllocationStatusReserved, time.Now()).Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("failed to load expired reservations: %w", err)
	}

	released := 0
	for _, alloc := range expired {
		if err := e.Release(alloc.ID, "reservation expired"); err != nil {
			log.Printf("Alloc: failed to expire reservation %d: %v", alloc.ID, err)
			continue
		}
		released++
	}
	return released, nil
}
