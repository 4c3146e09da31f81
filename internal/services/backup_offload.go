package services

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/ispbase/netcore/internal/config"
	"github.com/ispbase/netcore/internal/provisioning"
)

// BackupOffloadService ships configuration backups to an FTP server so the
// database isn't the only copy. Backups already offloaded are skipped; the
// database row stays the source of truth for rollbacks.
type BackupOffloadService struct {
	cfg      *config.Config
	store    *provisioning.Store
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewBackupOffloadService(cfg *config.Config, store *provisioning.Store) *BackupOffloadService {
	return &BackupOffloadService{
		cfg:      cfg,
		store:    store,
		interval: 15 * time.Minute,
		stopChan: make(chan struct{}),
	}
}

// Start is a no-op when FTP_HOST is not configured
func (s *BackupOffloadService) Start() {
	if s.cfg.FTPHost == "" {
		log.Println("BackupOffloadService disabled (no FTP host configured)")
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	log.Printf("BackupOffloadService started (interval: %v, target: %s)", s.interval, s.cfg.FTPHost)
}

func (s *BackupOffloadService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	log.Println("BackupOffloadService stopped")
}

func (s *BackupOffloadService) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.offloadPending()
		}
	}
}

func (s *BackupOffloadService) offloadPending() {
	backups, err := s.store.PendingUploads(10)
	if err != nil {
		log.Printf("BackupOffload: failed to list pending backups: %v", err)
		return
	}
	if len(backups) == 0 {
		return
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.FTPHost, s.cfg.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		log.Printf("BackupOffload: FTP connection failed: %v", err)
		return
	}
	defer conn.Quit()

	if err := conn.Login(s.cfg.FTPUser, s.cfg.FTPPassword); err != nil {
		log.Printf("BackupOffload: FTP login failed: %v", err)
		return
	}

	if s.cfg.FTPPath != "" && s.cfg.FTPPath != "/" {
		if err := conn.ChangeDir(s.cfg.FTPPath); err != nil {
			conn.MakeDir(s.cfg.FTPPath)
			if err := conn.ChangeDir(s.cfg.FTPPath); err != nil {
				log.Printf("BackupOffload: FTP directory change failed: %v", err)
				return
			}
		}
	}

	for _, backup := range backups {
		filename := fmt.Sprintf("device-%d-backup-%d-%s.json",
			backup.DeviceID, backup.ID, backup.CreatedAt.Format("20060102-150405"))
		if err := conn.Stor(filename, bytes.NewReader(backup.Content)); err != nil {
			log.Printf("BackupOffload: upload of %s failed: %v", filename, err)
			continue
		}
		if err := s.store.MarkUploaded(backup.ID, time.Now()); err != nil {
			log.Printf("BackupOffload: failed to mark backup %d uploaded: %v", backup.ID, err)
			continue
		}
		log.Printf("BackupOffload: uploaded %s to %s", filename, s.cfg.FTPHost)
	}
}
