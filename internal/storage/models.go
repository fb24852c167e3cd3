// Package storage holds the gorm models and the relational store for
// devices, connection profiles, tasks and download history.
package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Device is a managed remote endpoint (a power-quality or fault recorder).
// spec.md §3 enumerates identity (acronym/enabled/originalSource) only;
// the remaining fields supplement the connection details the FTP-client
// and dial-up interfaces need in a real deployment (spec.md §1 treats
// both as external collaborators "specified only at their interface").
type Device struct {
	ID                uint          `gorm:"primaryKey" json:"id"`
	Acronym           string        `gorm:"uniqueIndex;not null" json:"acronym"`
	Name              string        `json:"name"`
	Enabled           bool          `gorm:"default:true" json:"enabled"`
	OriginalSource    string        `json:"original_source"` // folder-name hint; falls back to Acronym
	UseDialUp         bool          `json:"use_dial_up"`
	DialUpEntry       string        `json:"dial_up_entry_name"`
	FTPHost           string        `json:"ftp_host"`
	FTPPort           int           `json:"ftp_port"`
	FTPUser           string        `json:"ftp_user"`
	FTPPassword       string        `json:"ftp_password"`
	FTPConnectTimeout time.Duration `json:"ftp_connect_timeout"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Device) TableName() string { return "devices" }

// FolderName returns OriginalSource if set, else the Acronym, per spec §6
// <DeviceFolderName>.
func (d Device) FolderName() string {
	if d.OriginalSource != "" {
		return d.OriginalSource
	}
	return d.Acronym
}

// FTPAddr returns host:port, defaulting to the standard FTP control port.
func (d Device) FTPAddr() string {
	port := d.FTPPort
	if port == 0 {
		port = 21
	}
	return fmt.Sprintf("%s:%d", d.FTPHost, port)
}

// ConnectionProfile is a reusable set of tasks describing what to fetch from
// a device.
type ConnectionProfile struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	DeviceID  uint   `gorm:"index" json:"device_id"`
	Name      string `json:"name"`
	Schedule  string `json:"schedule"` // 5-field cron expression
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ConnectionProfile) TableName() string { return "connection_profiles" }

// ConnectionProfileTask is a single unit of work within a profile: one
// directory tree to fetch, or one external command.
type ConnectionProfileTask struct {
	ID                  uint   `gorm:"primaryKey" json:"id"`
	ConnectionProfileID uint   `gorm:"index" json:"connection_profile_id"`
	Name                string `json:"name"`
	Settings            string `json:"settings"` // opaque string, expands to TaskSettings
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (ConnectionProfileTask) TableName() string { return "connection_profile_tasks" }

// ConnectionProfileTaskQueue records one invocation of a task: queued,
// running, and its terminal outcome. Named in spec §6 but left unwritten by
// the distillation; supplementing it gives an execution audit trail
// independent of the coarser StatusLog.
type ConnectionProfileTaskQueue struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	ConnectionProfileTaskID uint       `gorm:"index" json:"connection_profile_task_id"`
	RunID                   string     `gorm:"index" json:"run_id"`
	QueuedAt                time.Time  `json:"queued_at"`
	StartedAt               *time.Time `json:"started_at"`
	FinishedAt              *time.Time `json:"finished_at"`
	Status                  string     `json:"status"` // queued, running, succeeded, failed, aborted
	Message                 string     `json:"message"`
}

func (ConnectionProfileTaskQueue) TableName() string { return "connection_profile_task_queue" }

// StatusLog holds the device's single most-recent outcome row.
type StatusLog struct {
	DeviceID              uint      `gorm:"primaryKey" json:"device_id"`
	LastFile              string    `json:"last_file"`
	LastSuccess           time.Time `json:"last_success"`
	LastFailure           time.Time `json:"last_failure"`
	Message               string    `json:"message"`
	FileDownloadTimestamp time.Time `json:"file_download_timestamp"`
}

func (StatusLog) TableName() string { return "status_log" }

// DownloadedFile is appended for every successful in-scope download.
type DownloadedFile struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	DeviceID        uint      `gorm:"index" json:"device_id"`
	CreationTimeUTC time.Time `json:"creation_time_utc"`
	File            string    `json:"file"`
	// FileSizeKB preserves the teacher's apparent length/1028 computation
	// literally, per spec §9's open question: flagged, not "fixed".
	FileSizeKB int64     `json:"file_size_kb"`
	Timestamp  time.Time `json:"timestamp"`
}

func (DownloadedFile) TableName() string { return "downloaded_files" }

// AppSetting is a generic key/value row for global configuration (§6).
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// Migrate runs auto-migration for every model the engine persists.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Device{},
		&ConnectionProfile{},
		&ConnectionProfileTask{},
		&ConnectionProfileTaskQueue{},
		&StatusLog{},
		&DownloadedFile{},
		&AppSetting{},
	)
}
