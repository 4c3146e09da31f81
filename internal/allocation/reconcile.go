package allocation

import (
	"fmt"
	"log"
	"time"

	"github.com/ispbase/netcore/internal/models"
)

// Lease is one (address, owner) pair observed live on the network
type Lease struct {
	IP       string `json:"ip"`
	OwnerRef string `json:"owner_ref"`
}

// ReconcileResult summarizes one reconciliation pass over a subnet
type ReconcileResult struct {
	Adopted  int     `json:"adopted"`  // ledger allocations confirmed live
	Flagged  []Lease `json:"flagged"`  // observations needing operator review
	Missing  int     `json:"missing"`  // allocations newly entering the grace window
	Released int     `json:"released"` // allocations auto-released past the grace window
	Stale    int     `json:"stale"`    // observations older than the ledger state, discarded
}

// Reconcile applies a set of live observations to the ledger. Allocations
// confirmed live are adopted; allocations not seen live enter a grace window
// and are auto-released once it elapses; addresses seen live but unknown to
// the ledger (or held by a different owner) are flagged for operator review.
// The engine never allocates from observation alone.
//
// observedAt is when the observations were taken; entries whose ledger row
// changed after that point are discarded as stale.
func (e *Engine) Reconcile(subnetID uint, observed []Lease, observedAt time.Time, grace time.Duration) (*ReconcileResult, error) {
	lock := e.subnetLock(subnetID)
	lock.Lock()
	defer lock.Unlock()

	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	var active []models.Allocation
	if err := e.db.Where("subnet_id = ? AND status IN ?", subnetID,
		[]models.AllocationStatus{models.AllocationStatusAllocated, models.AllocationStatusReserved}).
		Find(&active).Error; err != nil {
		return nil, fmt.Errorf("failed to load allocations: %w", err)
	}

	byIP := make(map[string]Lease, len(observed))
	for _, lease := range observed {
		byIP[lease.IP] = lease
	}

	result := &ReconcileResult{}
	now := time.Now()
	known := make(map[string]bool, len(active))

	for i := range active {
		alloc := &active[i]
		known[alloc.IPAddress] = true

		if alloc.UpdatedAt.After(observedAt) {
			result.Stale++
			continue
		}

		lease, seen := byIP[alloc.IPAddress]
		switch {
		case seen && lease.OwnerRef == alloc.OwnerRef:
			if err := e.db.Model(alloc).Updates(map[string]interface{}{
				"last_seen_at":  now,
				"missing_since": nil,
			}).Error; err != nil {
				return nil, fmt.Errorf("failed to adopt allocation %d: %w", alloc.ID, err)
			}
			result.Adopted++

		case seen:
			// Seen live under a different owner: never reassigned silently
			result.Flagged = append(result.Flagged, lease)
			e.flag(alloc.SubnetID, &alloc.ID, lease.IP, lease.OwnerRef,
				fmt.Sprintf("owner mismatch: ledger holds %s", alloc.OwnerRef))

		default:
			// Reservations have no live session yet; only their own expiry
			// releases them. Static assignments survive session churn.
			if alloc.Status == models.AllocationStatusReserved ||
				alloc.Type == models.AllocationTypeStatic {
				continue
			}
			// Allocated in the ledger but not seen live
			if alloc.MissingSince == nil {
				if err := e.db.Model(alloc).Update("missing_since", now).Error; err != nil {
					return nil, fmt.Errorf("failed to mark allocation %d missing: %w", alloc.ID, err)
				}
				result.Missing++
			} else if now.Sub(*alloc.MissingSince) >= grace {
				if err := e.releaseLocked(alloc.ID, "not seen live past grace period"); err != nil {
					log.Printf("Reconcile: failed to release %s: %v", alloc.IPAddress, err)
					continue
				}
				result.Released++
			}
		}
	}

	// Addresses live on the network but unknown to the ledger
	for _, lease := range observed {
		if known[lease.IP] {
			continue
		}
		result.Flagged = append(result.Flagged, lease)
		e.flag(subnetID, nil, lease.IP, lease.OwnerRef, "seen live but not in ledger")
	}

	if result.Adopted > 0 || len(result.Flagged) > 0 || result.Released > 0 {
		log.Printf("Reconcile: subnet %d adopted=%d flagged=%d missing=%d released=%d stale=%d",
			subnetID, result.Adopted, len(result.Flagged), result.Missing, result.Released, result.Stale)
	}
	return result, nil
}

// flag writes an operator-review history row. A flag is informational and
// never mutates the allocation itself. A condition already flagged stays
// flagged once; it is not repeated on every sweep until other ledger
// activity supersedes the flag.
func (e *Engine) flag(subnetID uint, allocationID *uint, ip, ownerRef, reason string) {
	var last models.AllocationHistory
	err := e.db.Where("subnet_id = ? AND ip_address = ?", subnetID, ip).
		Order("id DESC").First(&last).Error
	if err == nil && last.Action == models.HistoryActionFlagged && last.Reason == reason {
		return
	}
	if err := e.db.Create(&models.AllocationHistory{
		AllocationID: allocationID,
		SubnetID:     subnetID,
		IPAddress:    ip,
		OwnerRef:     ownerRef,
		Action:       models.HistoryActionFlagged,
		Reason:       reason,
	}).Error; err != nil {
		log.Printf("Reconcile: failed to write flag for %s: %v", ip, err)
	}
}

// CheckHint verifies a single (ip, owner) hint against the ledger, used by
// the event-driven reconciliation path after a session stop. It stamps the
// allocation as missing so the next sweep can release it after the grace
// window. Returns ErrStaleReconciliation when the ledger changed after the
// hint was generated.
func (e *Engine) CheckHint(ip, ownerRef string, hintedAt time.Time) error {
	alloc, err := e.ActiveByIP(ip)
	if err != nil {
		return err
	}
	if alloc == nil {
		return nil
	}
	if alloc.UpdatedAt.After(hintedAt) {
		return fmt.Errorf("%w: allocation %d changed after hint", ErrStaleReconciliation, alloc.ID)
	}

	lock := e.subnetLock(alloc.SubnetID)
	lock.Lock()
	defer lock.Unlock()

	if alloc.OwnerRef != "" && alloc.OwnerRef != ownerRef {
		e.flag(alloc.SubnetID, &alloc.ID, ip, ownerRef,
			fmt.Sprintf("session stop for %s but ledger holds %s", ownerRef, alloc.OwnerRef))
		return nil
	}
	if alloc.Type == models.AllocationTypeStatic {
		// Static assignments survive session churn
		return nil
	}
	if alloc.MissingSince != nil {
		return nil
	}
	return e.db.Model(&models.Allocation{}).Where("id = ?", alloc.ID).
		Update("missing_since", time.Now()).Error
}
