package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DeviceKind selects the gateway adapter used to talk to the device
type DeviceKind string

const (
	DeviceKindMikrotik DeviceKind = "mikrotik"
	DeviceKindOLT      DeviceKind = "olt"
	DeviceKindONU      DeviceKind = "onu"
)

// Device is a router/NAS the system provisions and receives accounting from
type Device struct {
	ID          uint       `gorm:"column:id;primaryKey" json:"id"`
	TenantID    uint       `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	Name        string     `gorm:"column:name;size:100;not null" json:"name"`
	ShortName   string     `gorm:"column:short_name;size:50;uniqueIndex" json:"short_name"`
	IPAddress   string     `gorm:"column:ip_address;size:50;not null;uniqueIndex" json:"ip_address"`
	Kind        DeviceKind `gorm:"column:kind;size:20;default:mikrotik" json:"kind"`
	Description string     `gorm:"column:description;size:255" json:"description"`

	// RADIUS
	Secret    string `gorm:"column:secret;size:100;not null" json:"-"` // Hidden from API responses for security
	HasSecret bool   `gorm:"-" json:"has_secret"`                      // Computed field to indicate if secret is set
	AcctPort  int    `gorm:"column:acct_port;default:1813" json:"acct_port"`

	// Device API
	APIUsername    string `gorm:"column:api_username;size:100" json:"api_username"`
	APIPassword    string `gorm:"column:api_password;size:255" json:"-"` // Hidden from API responses for security
	HasAPIPassword bool   `gorm:"-" json:"has_api_password"`             // Computed field to indicate if API password is set
	APIPort        int    `gorm:"column:api_port;default:8728" json:"api_port"`

	// Rendering options passed into command rendering as context, not control flow
	OverwriteComments bool `gorm:"column:overwrite_comments;default:false" json:"overwrite_comments"`
	LegacyLogin       bool `gorm:"column:legacy_login;default:false" json:"legacy_login"`

	// Health
	IsActive    bool       `gorm:"column:is_active;default:true" json:"is_active"`
	IsReachable bool       `gorm:"column:is_reachable;default:false" json:"is_reachable"`
	LastChecked *time.Time `gorm:"column:last_checked" json:"last_checked"`
	LastError   string     `gorm:"column:last_error;size:255" json:"last_error"`
	LatencyMs   int64      `gorm:"column:latency_ms;default:0" json:"latency_ms"`
	Version     string     `gorm:"column:version;size:50" json:"version"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Device) TableName() string {
	return "devices"
}

// GetSecretForRADIUS returns the RADIUS shared secret
func (d *Device) GetSecretForRADIUS() []byte {
	return []byte(d.Secret)
}

// APIAddress returns the host:port the gateway adapter dials
func (d *Device) APIAddress() string {
	port := d.APIPort
	if port == 0 {
		port = 8728
	}
	return fmt.Sprintf("%s:%d", d.IPAddress, port)
}
