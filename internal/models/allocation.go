package models

import (
	"time"
)

// AllocationStatus represents the lifecycle state of an address assignment
type AllocationStatus string

const (
	AllocationStatusAllocated AllocationStatus = "allocated"
	AllocationStatusReserved  AllocationStatus = "reserved"
	AllocationStatusReleased  AllocationStatus = "released"
)

// AllocationType classifies how the address was assigned
type AllocationType string

const (
	AllocationTypeStatic   AllocationType = "static"
	AllocationTypeDynamic  AllocationType = "dynamic"
	AllocationTypeReserved AllocationType = "reserved"
)

// Allocation is the current assignment record for one address.
// A released allocation is never reused; a new row is created instead.
type Allocation struct {
	ID        uint             `gorm:"column:id;primaryKey" json:"id"`
	SubnetID  uint             `gorm:"column:subnet_id;not null;index" json:"subnet_id"`
	IPAddress string           `gorm:"column:ip_address;size:45;not null;index" json:"ip_address"`
	OwnerRef  string           `gorm:"column:owner_ref;size:100;index" json:"owner_ref"`
	SessionID string           `gorm:"column:session_id;size:100" json:"session_id"`
	Type      AllocationType   `gorm:"column:type;size:20;not null;default:dynamic" json:"type"`
	Status    AllocationStatus `gorm:"column:status;size:20;not null;index" json:"status"`

	AllocatedAt *time.Time `gorm:"column:allocated_at" json:"allocated_at"`
	ReleasedAt  *time.Time `gorm:"column:released_at" json:"released_at"`
	ExpiresAt   *time.Time `gorm:"column:expires_at;index" json:"expires_at"`

	// Reconciliation bookkeeping: when the address was last confirmed live,
	// and since when it has been missing from live state (grace-period timer).
	LastSeenAt   *time.Time `gorm:"column:last_seen_at" json:"last_seen_at"`
	MissingSince *time.Time `gorm:"column:missing_since" json:"missing_since"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Allocation) TableName() string {
	return "allocations"
}

// IsActive reports whether the allocation currently holds its address
func (a *Allocation) IsActive() bool {
	return a.Status == AllocationStatusAllocated || a.Status == AllocationStatusReserved
}

// History actions
const (
	HistoryActionAllocated = "allocated"
	HistoryActionReserved  = "reserved"
	HistoryActionReleased  = "released"
	HistoryActionFlagged   = "flagged"
)

// AllocationHistory is the append-only transition log. Rows are immutable;
// the allocation itself may be deleted later, so the reference is nullable.
type AllocationHistory struct {
	ID           uint      `gorm:"column:id;primaryKey" json:"id"`
	AllocationID *uint     `gorm:"column:allocation_id;index" json:"allocation_id"`
	SubnetID     uint      `gorm:"column:subnet_id;not null;index" json:"subnet_id"`
	IPAddress    string    `gorm:"column:ip_address;size:45;not null;index" json:"ip_address"`
	OwnerRef     string    `gorm:"column:owner_ref;size:100;index" json:"owner_ref"`
	Action       string    `gorm:"column:action;size:20;not null" json:"action"`
	Reason       string    `gorm:"column:reason;size:255" json:"reason"`
	CreatedAt    time.Time `gorm:"column:created_at;index" json:"created_at"`
}

func (AllocationHistory) TableName() string {
	return "allocation_history"
}
