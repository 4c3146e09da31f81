package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// TemplateType classifies what a provisioning template configures
type TemplateType string

const (
	TemplateTypeRadius   TemplateType = "radius"
	TemplateTypeHotspot  TemplateType = "hotspot"
	TemplateTypePPPoE    TemplateType = "pppoe"
	TemplateTypeFirewall TemplateType = "firewall"
	TemplateTypeQueue    TemplateType = "queue"
)

// ProvisioningTemplate is a named configuration blueprint. Templates are
// versionless; edits mutate in place and provisioning logs snapshot the
// configuration actually applied.
type ProvisioningTemplate struct {
	ID          uint            `gorm:"column:id;primaryKey" json:"id"`
	TenantID    uint            `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	Name        string          `gorm:"column:name;size:100;not null" json:"name"`
	Type        TemplateType    `gorm:"column:type;size:20;not null" json:"type"`
	Description string          `gorm:"column:description;size:255" json:"description"`
	Content     json.RawMessage `gorm:"column:content;type:json;not null" json:"content"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (ProvisioningTemplate) TableName() string {
	return "provisioning_templates"
}

// Provisioning log actions
const (
	ProvisioningActionProvision = "provision"
	ProvisioningActionRollback  = "rollback"
	ProvisioningActionValidate  = "validate"
	ProvisioningActionBackup    = "backup"
)

// ProvisioningStatus is the per-log state machine:
// pending -> in_progress -> {success | failed | rolled_back}
type ProvisioningStatus string

const (
	ProvisioningStatusPending    ProvisioningStatus = "pending"
	ProvisioningStatusInProgress ProvisioningStatus = "in_progress"
	ProvisioningStatusSuccess    ProvisioningStatus = "success"
	ProvisioningStatusFailed     ProvisioningStatus = "failed"
	ProvisioningStatusRolledBack ProvisioningStatus = "rolled_back"
)

// ProvisioningStep is one executed command and its outcome. Steps are stored
// in order inside the log's Steps column and never reordered.
type ProvisioningStep struct {
	Index      int        `json:"index"`
	Command    string     `json:"command"`
	Status     string     `json:"status"` // success, failed, skipped
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ProvisioningLog is one row per provisioning attempt. Status transitions are
// forward-only; the Snapshot column holds the template content as rendered at
// execution time so later template edits don't rewrite history.
type ProvisioningLog struct {
	ID            uint               `gorm:"column:id;primaryKey" json:"id"`
	CorrelationID string             `gorm:"column:correlation_id;size:36;uniqueIndex" json:"correlation_id"`
	DeviceID      uint               `gorm:"column:device_id;not null;index" json:"device_id"`
	TemplateID    *uint              `gorm:"column:template_id;index" json:"template_id"`
	BackupID      *uint              `gorm:"column:backup_id" json:"backup_id"`
	RollbackOfID  *uint              `gorm:"column:rollback_of_id;index" json:"rollback_of_id"`
	Action        string             `gorm:"column:action;size:20;not null" json:"action"`
	Status        ProvisioningStatus `gorm:"column:status;size:20;not null;index" json:"status"`
	Steps         json.RawMessage    `gorm:"column:steps;type:json" json:"steps"`
	Snapshot      json.RawMessage    `gorm:"column:snapshot;type:json" json:"snapshot"`
	Error         string             `gorm:"column:error;size:500" json:"error"`

	StartedAt  *time.Time `gorm:"column:started_at" json:"started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at"`
	CreatedAt  time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (ProvisioningLog) TableName() string {
	return "provisioning_logs"
}

// StepList decodes the ordered step outcomes
func (l *ProvisioningLog) StepList() ([]ProvisioningStep, error) {
	if len(l.Steps) == 0 {
		return nil, nil
	}
	var steps []ProvisioningStep
	if err := json.Unmarshal(l.Steps, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// InFlight reports whether the log still occupies its device
func (l *ProvisioningLog) InFlight() bool {
	return l.Status == ProvisioningStatusPending || l.Status == ProvisioningStatusInProgress
}

// ConfigurationBackup is an immutable snapshot of a device's configuration,
// captured before destructive provisioning actions.
type ConfigurationBackup struct {
	ID         uint            `gorm:"column:id;primaryKey" json:"id"`
	DeviceID   uint            `gorm:"column:device_id;not null;index" json:"device_id"`
	Label      string          `gorm:"column:label;size:100" json:"label"`
	Content    json.RawMessage `gorm:"column:content;type:json;not null" json:"content"`
	UploadedAt *time.Time      `gorm:"column:uploaded_at" json:"uploaded_at"` // set after FTP offload
	CreatedAt  time.Time       `gorm:"column:created_at;index" json:"created_at"`
}

func (ConfigurationBackup) TableName() string {
	return "configuration_backups"
}
