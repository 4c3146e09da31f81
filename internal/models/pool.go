package models

import (
	"time"

	"gorm.io/gorm"
)

// PoolProtocol classifies what kind of service a pool feeds
type PoolProtocol string

const (
	PoolProtocolStatic  PoolProtocol = "static"
	PoolProtocolDynamic PoolProtocol = "dynamic"
	PoolProtocolPPP     PoolProtocol = "ppp"
	PoolProtocolVPN     PoolProtocol = "vpn"
)

// Pool is an operator-owned container of address ranges
type Pool struct {
	ID       uint         `gorm:"column:id;primaryKey" json:"id"`
	TenantID uint         `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	Name     string       `gorm:"column:name;size:100;not null" json:"name"`
	Protocol PoolProtocol `gorm:"column:protocol;size:20;not null;default:dynamic" json:"protocol"`
	IsActive bool         `gorm:"column:is_active;default:true" json:"is_active"`

	Subnets []Subnet `gorm:"foreignKey:PoolID;constraint:OnDelete:CASCADE" json:"subnets,omitempty"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Pool) TableName() string {
	return "pools"
}

// Subnet is a CIDR block inside a pool
type Subnet struct {
	ID       uint   `gorm:"column:id;primaryKey" json:"id"`
	PoolID   uint   `gorm:"column:pool_id;not null;index" json:"pool_id"`
	TenantID uint   `gorm:"column:tenant_id;not null;uniqueIndex:idx_subnet_tenant_cidr" json:"tenant_id"`
	CIDR     string `gorm:"column:cidr;size:45;not null;uniqueIndex:idx_subnet_tenant_cidr" json:"cidr"`
	Gateway  string `gorm:"column:gateway;size:45" json:"gateway"`
	VlanID   int    `gorm:"column:vlan_id;default:0" json:"vlan_id"`
	IsActive bool   `gorm:"column:is_active;default:true" json:"is_active"`

	// Version guards administrative edits against overlapping-subnet races.
	// Updates must carry the version they were based on.
	Version int `gorm:"column:version;not null;default:1" json:"version"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Subnet) TableName() string {
	return "subnets"
}
