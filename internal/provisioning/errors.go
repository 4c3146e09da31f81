package provisioning

import "errors"

var (
	// ErrDeviceBusy means another provisioning run holds the device
	ErrDeviceBusy = errors.New("device busy with another provisioning run")
	// ErrBackupMissing means a rollback was requested for a run that never
	// captured a configuration backup
	ErrBackupMissing     = errors.New("no configuration backup for this run")
	ErrTemplateNotFound  = errors.New("provisioning template not found")
	ErrLogNotFound       = errors.New("provisioning log not found")
	ErrBackupNotFound    = errors.New("configuration backup not found")
	ErrUnresolvedVar     = errors.New("unresolved template variable")
	ErrEmptyTemplate     = errors.New("template contains no steps")
	ErrAlreadyRolledBack = errors.New("run already rolled back")
)
