package provisioning

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ispbase/netcore/internal/models"
	"gorm.io/gorm"
)

// Store persists templates, provisioning logs and configuration backups
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Templates

func (s *Store) CreateTemplate(t *models.ProvisioningTemplate) error {
	return s.db.Create(t).Error
}

func (s *Store) UpdateTemplate(t *models.ProvisioningTemplate) error {
	return s.db.Save(t).Error
}

func (s *Store) DeleteTemplate(tenantID, id uint) error {
	res := s.db.Where("tenant_id = ?", tenantID).Delete(&models.ProvisioningTemplate{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (s *Store) GetTemplate(tenantID, id uint) (*models.ProvisioningTemplate, error) {
	var t models.ProvisioningTemplate
	err := s.db.Where("tenant_id = ?", tenantID).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTemplates(tenantID uint) ([]models.ProvisioningTemplate, error) {
	var templates []models.ProvisioningTemplate
	err := s.db.Where("tenant_id = ?", tenantID).Order("name").Find(&templates).Error
	return templates, err
}

// Logs

func (s *Store) CreateLog(l *models.ProvisioningLog) error {
	return s.db.Create(l).Error
}

func (s *Store) SaveLog(l *models.ProvisioningLog) error {
	return s.db.Save(l).Error
}

func (s *Store) GetLog(id uint) (*models.ProvisioningLog, error) {
	var l models.ProvisioningLog
	err := s.db.First(&l, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLogNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) GetLogByCorrelation(correlationID string) (*models.ProvisioningLog, error) {
	var l models.ProvisioningLog
	err := s.db.Where("correlation_id = ?", correlationID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLogNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) ListLogs(deviceID uint, limit int) ([]models.ProvisioningLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []models.ProvisioningLog
	q := s.db.Order("created_at DESC").Limit(limit)
	if deviceID > 0 {
		q = q.Where("device_id = ?", deviceID)
	}
	err := q.Find(&logs).Error
	return logs, err
}

// HasInFlight reports whether the device already has a pending or running log
func (s *Store) HasInFlight(deviceID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.ProvisioningLog{}).
		Where("device_id = ? AND status IN ?", deviceID,
			[]models.ProvisioningStatus{models.ProvisioningStatusPending, models.ProvisioningStatusInProgress}).
		Count(&count).Error
	return count > 0, err
}

// Backups

func (s *Store) CreateBackup(deviceID uint, label string, content json.RawMessage) (*models.ConfigurationBackup, error) {
	backup := &models.ConfigurationBackup{
		DeviceID:  deviceID,
		Label:     label,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.db.Create(backup).Error; err != nil {
		return nil, err
	}
	return backup, nil
}

func (s *Store) GetBackup(id uint) (*models.ConfigurationBackup, error) {
	var b models.ConfigurationBackup
	err := s.db.First(&b, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBackups(deviceID uint, limit int) ([]models.ConfigurationBackup, error) {
	if limit <= 0 {
		limit = 20
	}
	var backups []models.ConfigurationBackup
	err := s.db.Where("device_id = ?", deviceID).Order("created_at DESC").Limit(limit).Find(&backups).Error
	return backups, err
}

// MarkUploaded stamps the backup after the FTP offload finishes
func (s *Store) MarkUploaded(id uint, at time.Time) error {
	return s.db.Model(&models.ConfigurationBackup{}).Where("id = ?", id).
		Update("uploaded_at", at).Error
}

// PendingUploads lists backups not yet offloaded to FTP
func (s *Store) PendingUploads(limit int) ([]models.ConfigurationBackup, error) {
	if limit <= 0 {
		limit = 10
	}
	var backups []models.ConfigurationBackup
	err := s.db.Where("uploaded_at IS NULL").Order("created_at").Limit(limit).Find(&backups).Error
	return backups, err
}
