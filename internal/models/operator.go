package models

import (
	"time"

	"gorm.io/gorm"
)

// Operator is a panel user allowed to drive allocation and provisioning
type Operator struct {
	ID       uint   `gorm:"column:id;primaryKey" json:"id"`
	TenantID uint   `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	Username string `gorm:"column:username;size:100;not null;uniqueIndex" json:"username"`
	Password string `gorm:"column:password;size:255;not null" json:"-"` // bcrypt hash
	Name     string `gorm:"column:name;size:100" json:"name"`
	IsActive bool   `gorm:"column:is_active;default:true" json:"is_active"`

	LastLogin *time.Time     `gorm:"column:last_login" json:"last_login"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Operator) TableName() string {
	return "operators"
}

// SystemPreference represents system-wide preferences
type SystemPreference struct {
	ID        uint   `gorm:"column:id;primaryKey" json:"id"`
	Key       string `gorm:"column:key;size:100;uniqueIndex;not null" json:"key"`
	Value     string `gorm:"column:value;type:text" json:"value"`
	ValueType string `gorm:"column:value_type;size:20;default:string" json:"value_type"` // string, int, bool, json
}

func (SystemPreference) TableName() string {
	return "system_preferences"
}
