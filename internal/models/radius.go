package models

import (
	"time"
)

// RadAcct represents RADIUS accounting records (standard radacct column set)
type RadAcct struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	AcctSessionID      string     `gorm:"column:acctsessionid;size:64;not null;index" json:"acctsessionid"`
	AcctUniqueID       string     `gorm:"column:acctuniqueid;size:32;uniqueIndex" json:"acctuniqueid"`
	Username           string     `gorm:"column:username;size:64;not null;index" json:"username"`
	Realm              string     `gorm:"column:realm;size:64" json:"realm"`
	NasIPAddress       string     `gorm:"column:nasipaddress;size:15;not null;index" json:"nasipaddress"`
	NasPortID          string     `gorm:"column:nasportid;size:50" json:"nasportid"`
	NasPortType        string     `gorm:"column:nasporttype;size:32" json:"nasporttype"`
	AcctStartTime      *time.Time `gorm:"column:acctstarttime;index" json:"acctstarttime"`
	AcctUpdateTime     *time.Time `gorm:"column:acctupdatetime" json:"acctupdatetime"`
	AcctStopTime       *time.Time `gorm:"column:acctstoptime;index" json:"acctstoptime"`
	AcctSessionTime    int        `gorm:"column:acctsessiontime;default:0" json:"acctsessiontime"`
	AcctAuthentic      string     `gorm:"column:acctauthentic;size:32" json:"acctauthentic"`
	AcctInputOctets    int64      `gorm:"column:acctinputoctets;default:0" json:"acctinputoctets"`
	AcctOutputOctets   int64      `gorm:"column:acctoutputoctets;default:0" json:"acctoutputoctets"`
	CalledStationID    string     `gorm:"column:calledstationid;size:50" json:"calledstationid"`
	CallingStationID   string     `gorm:"column:callingstationid;size:50;index" json:"callingstationid"` // MAC Address
	AcctTerminateCause string     `gorm:"column:acctterminatecause;size:32" json:"acctterminatecause"`
	ServiceType        string     `gorm:"column:servicetype;size:32" json:"servicetype"`
	FramedProtocol     string     `gorm:"column:framedprotocol;size:32" json:"framedprotocol"`
	FramedIPAddress    string     `gorm:"column:framedipaddress;size:15;index" json:"framedipaddress"`
}

func (RadAcct) TableName() string {
	return "radacct"
}

// IsOpen reports whether the session has not yet stopped
func (r *RadAcct) IsOpen() bool {
	return r.AcctStopTime == nil
}
