package allocation

import "errors"

var (
	// ErrAddressExhausted means the subnet has no free usable address left
	ErrAddressExhausted = errors.New("address space exhausted")
	// ErrAddressInUse means the requested address is already allocated or reserved
	ErrAddressInUse = errors.New("address in use")
	// ErrSubnetNotFound means the subnet does not exist or is inactive
	ErrSubnetNotFound = errors.New("subnet not found")
	// ErrAllocationNotFound means no allocation exists for the given id
	ErrAllocationNotFound = errors.New("allocation not found")
	// ErrStaleReconciliation means the ledger changed after the observation
	// was taken; the observation must be discarded, not applied
	ErrStaleReconciliation = errors.New("stale reconciliation")
)
