package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the relational persistence collaborator spec.md §1 treats as
// external and §6 specifies the row layout for. All writes are funneled
// through a single mutex, matching the "serialized per process" contract
// spec.md §4.10 requires of the status recorder.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open creates (or attaches to) a sqlite database at path, migrating the
// schema on first use.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Devices returns every registered device, enabled or not.
func (s *Store) Devices() ([]Device, error) {
	var devices []Device
	err := s.db.Find(&devices).Error
	return devices, err
}

// EnabledDevices returns only devices with Enabled=true.
func (s *Store) EnabledDevices() ([]Device, error) {
	var devices []Device
	err := s.db.Where("enabled = ?", true).Find(&devices).Error
	return devices, err
}

func (s *Store) Device(id uint) (Device, error) {
	var d Device
	err := s.db.First(&d, id).Error
	return d, err
}

func (s *Store) SaveDevice(d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Save(d).Error
}

// Profiles returns the connection profiles belonging to a device.
func (s *Store) Profiles(deviceID uint) ([]ConnectionProfile, error) {
	var profiles []ConnectionProfile
	err := s.db.Where("device_id = ?", deviceID).Find(&profiles).Error
	return profiles, err
}

// SaveProfile creates or updates a connection profile row.
func (s *Store) SaveProfile(p *ConnectionProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Save(p).Error
}

// Tasks returns every task belonging to a profile, in creation order.
func (s *Store) Tasks(profileID uint) ([]ConnectionProfileTask, error) {
	var tasks []ConnectionProfileTask
	err := s.db.Where("connection_profile_id = ?", profileID).Order("id asc").Find(&tasks).Error
	return tasks, err
}

// SaveTask creates or updates a profile task row.
func (s *Store) SaveTask(t *ConnectionProfileTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Save(t).Error
}

// EnqueueTaskRun records a task invocation's queued state; the insert
// fills in row.ID so later states can be patched in with UpdateTaskRun.
func (s *Store) EnqueueTaskRun(row *ConnectionProfileTaskQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Create(row).Error
}

func (s *Store) UpdateTaskRun(row *ConnectionProfileTaskQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Save(row).Error
}

// UpsertStatusLog writes the device's single most-recent-outcome row.
func (s *Store) UpsertStatusLog(row *StatusLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing StatusLog
	err := s.db.First(&existing, "device_id = ?", row.DeviceID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.Create(row).Error
	case err != nil:
		return err
	default:
		return s.db.Model(&StatusLog{}).Where("device_id = ?", row.DeviceID).Updates(row).Error
	}
}

func (s *Store) AppendDownloadedFile(row *DownloadedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Create(row).Error
}

// QueryAllDownloadedFiles is a test/diagnostics helper; production code
// paths are write-only onto DownloadedFile from the recorder's
// perspective.
func QueryAllDownloadedFiles(s *Store) ([]DownloadedFile, error) {
	var rows []DownloadedFile
	err := s.db.Order("id asc").Find(&rows).Error
	return rows, err
}

// QueryStatusLog is a test/diagnostics helper that reads back a device's
// StatusLog row.
func QueryStatusLog(s *Store, deviceID uint) (StatusLog, error) {
	var row StatusLog
	err := s.db.First(&row, "device_id = ?", deviceID).Error
	return row, err
}

// GetSetting reads a global config key; ok is false if unset.
func (s *Store) GetSetting(key string) (string, bool) {
	var row AppSetting
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		return "", false
	}
	return row.Value, true
}

func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := AppSetting{Key: key, Value: value}
	return s.db.Save(&row).Error
}
