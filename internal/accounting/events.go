package accounting

import (
	"errors"
	"time"
)

// EventType mirrors RADIUS Acct-Status-Type
type EventType string

const (
	EventStart   EventType = "start"
	EventInterim EventType = "interim-update"
	EventStop    EventType = "stop"
)

// Event is one accounting record reported by a NAS
type Event struct {
	Type             EventType `json:"type"`
	SessionID        string    `json:"session_id"`
	Username         string    `json:"username"`
	NASIPAddress     string    `json:"nas_ip_address"`
	FramedIPAddress  string    `json:"framed_ip_address"`
	CallingStationID string    `json:"calling_station_id"`
	SessionTime      int       `json:"session_time"`
	InputOctets      int64     `json:"input_octets"`
	OutputOctets     int64     `json:"output_octets"`
	TerminateCause   string    `json:"terminate_cause"`
	Timestamp        time.Time `json:"timestamp"`
}

// ErrMalformedEvent marks events the ingestor must drop, not fatal to the stream
var ErrMalformedEvent = errors.New("malformed accounting event")

// Validate checks the fields every event must carry
func (e *Event) Validate() error {
	if e.SessionID == "" || e.Username == "" {
		return ErrMalformedEvent
	}
	switch e.Type {
	case EventStart, EventInterim, EventStop:
		return nil
	}
	return ErrMalformedEvent
}

// key identifies the per-session ordering domain
func (e *Event) key() string {
	return e.SessionID + "/" + e.Username
}
