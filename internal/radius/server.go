package radius

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"github.com/ispbase/netcore/internal/accounting"
	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/models"
)

// Server is the RADIUS accounting listener. It converts accounting packets
// into events for the ingestor; it never authenticates subscribers.
type Server struct {
	acctAddr string
	ingestor *accounting.Ingestor

	mu      sync.RWMutex
	secrets map[string][]byte // device IP -> shared secret
}

func NewServer(acctPort int, ingestor *accounting.Ingestor) *Server {
	return &Server{
		acctAddr: fmt.Sprintf(":%d", acctPort),
		ingestor: ingestor,
		secrets:  make(map[string][]byte),
	}
}

// LoadSecrets refreshes the shared-secret map from the devices table
func (s *Server) LoadSecrets() error {
	var devices []models.Device
	if err := database.DB.Where("is_active = ?", true).Find(&devices).Error; err != nil {
		return err
	}

	secrets := make(map[string][]byte, len(devices))
	for _, device := range devices {
		if device.Secret != "" {
			secrets[device.IPAddress] = device.GetSecretForRADIUS()
		}
	}

	s.mu.Lock()
	s.secrets = secrets
	s.mu.Unlock()

	log.Printf("RADIUS: loaded %d device secrets", len(secrets))
	return nil
}

// RADIUSSecret implements radius.SecretSource. Packets from unknown devices
// are dropped by the library when no secret resolves.
func (s *Server) RADIUSSecret(ctx context.Context, remoteAddr net.Addr) ([]byte, error) {
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	secret, ok := s.secrets[host]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown device: %s", host)
	}
	return secret, nil
}

// Start loads secrets and serves accounting packets until the listener fails
func (s *Server) Start() error {
	if err := s.LoadSecrets(); err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	go func() {
		acctServer := radius.PacketServer{
			Addr:         s.acctAddr,
			Network:      "udp",
			SecretSource: s,
			Handler:      radius.HandlerFunc(s.handleAcct),
		}

		log.Printf("RADIUS: accounting server listening on %s", s.acctAddr)
		if err := acctServer.ListenAndServe(); err != nil {
			log.Printf("RADIUS: accounting server error: %v", err)
		}
	}()

	// Devices added at runtime get their secret picked up on the next refresh
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if err := s.LoadSecrets(); err != nil {
				log.Printf("RADIUS: secret refresh failed: %v", err)
			}
		}
	}()

	return nil
}

// handleAcct converts an accounting packet to an event and ingests it. The
// ingestor is idempotent, so retransmitted packets are safe; we always send
// Accounting-Response so the device stops retrying.
func (s *Server) handleAcct(w radius.ResponseWriter, r *radius.Request) {
	statusType := rfc2866.AcctStatusType_Get(r.Packet)

	event := accounting.Event{
		SessionID:        rfc2866.AcctSessionID_GetString(r.Packet),
		Username:         rfc2865.UserName_GetString(r.Packet),
		NASIPAddress:     rfc2865.NASIPAddress_Get(r.Packet).String(),
		FramedIPAddress:  rfc2865.FramedIPAddress_Get(r.Packet).String(),
		CallingStationID: rfc2865.CallingStationID_GetString(r.Packet),
		SessionTime:      int(rfc2866.AcctSessionTime_Get(r.Packet)),
		InputOctets:      int64(rfc2866.AcctInputOctets_Get(r.Packet)),
		OutputOctets:     int64(rfc2866.AcctOutputOctets_Get(r.Packet)),
		Timestamp:        time.Now(),
	}

	switch statusType {
	case rfc2866.AcctStatusType_Value_Start:
		event.Type = accounting.EventStart
	case rfc2866.AcctStatusType_Value_Stop:
		event.Type = accounting.EventStop
		if cause := rfc2866.AcctTerminateCause_Get(r.Packet); cause > 0 {
			event.TerminateCause = fmt.Sprintf("%d", cause)
		}
	case rfc2866.AcctStatusType_Value_InterimUpdate:
		event.Type = accounting.EventInterim
	default:
		// Accounting-On/Off and vendor types are acknowledged, not stored
		w.Write(r.Response(radius.CodeAccountingResponse))
		return
	}

	if err := s.ingestor.Ingest(r.Context(), event); err != nil {
		log.Printf("RADIUS: ingest failed for user=%s session=%s: %v", event.Username, event.SessionID, err)
	}

	w.Write(r.Response(radius.CodeAccountingResponse))
}
