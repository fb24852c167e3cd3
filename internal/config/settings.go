// Package config exposes typed getters/setters over the engine's global
// settings table.
package config

import (
	"strconv"
	"strings"
	"time"

	"meterfleet/internal/storage"
)

// Manager wraps the AppSetting key/value table with typed accessors and
// spec-documented defaults.
type Manager struct {
	store *storage.Store
}

func New(store *storage.Store) *Manager {
	return &Manager{store: store}
}

const (
	keyFTPThreadCount                 = "FTPThreadCount"
	keyMaxDownloadThreshold           = "MaxDownloadThreshold"
	keyMaxDownloadThresholdTimeWindow = "MaxDownloadThresholdTimeWindow"
	keyStatusLogInclusions            = "StatusLogInclusions"
	keyStatusLogExclusions            = "StatusLogExclusions"
	keyMaxRemoteFileAge               = "MaxRemoteFileAge"
	keyMaxLocalFileAge                = "MaxLocalFileAge"
	keyDefaultLocalPath               = "DefaultLocalPath"
	keySMTPHost                       = "SMTPHost"
	keySMTPPort                       = "SMTPPort"
	keySMTPUsername                   = "SMTPUsername"
	keySMTPPassword                   = "SMTPPassword"
	keySMTPFrom                       = "SMTPFrom"
	keyAPIPort                        = "APIPort"
)

// FTPThreadCount is the bounded thread pool size (C4); 0 disables pooling
// (every device gets a private worker).
func (m *Manager) FTPThreadCount() int {
	return m.getInt(keyFTPThreadCount, 20)
}

func (m *Manager) SetFTPThreadCount(n int) error {
	return m.setInt(keyFTPThreadCount, n)
}

// MaxDownloadThreshold caps bytes transferred within
// MaxDownloadThresholdTimeWindow, counted across all devices together
// (the daemon builds one shared limiter from it); 0 disables the cap.
func (m *Manager) MaxDownloadThreshold() int64 {
	return m.getInt64(keyMaxDownloadThreshold, 0)
}

func (m *Manager) SetMaxDownloadThreshold(n int64) error {
	return m.setInt64(keyMaxDownloadThreshold, n)
}

func (m *Manager) MaxDownloadThresholdTimeWindow() time.Duration {
	return m.getDuration(keyMaxDownloadThresholdTimeWindow, 24*time.Hour)
}

func (m *Manager) SetMaxDownloadThresholdTimeWindow(d time.Duration) error {
	return m.store.SetSetting(keyMaxDownloadThresholdTimeWindow, d.String())
}

// StatusLogInclusions/Exclusions are comma-separated file-extension lists
// controlling which retrieved files update StatusLog (§4.10).
func (m *Manager) StatusLogInclusions() []string {
	if exts := m.getList(keyStatusLogInclusions); exts != nil {
		return exts
	}
	return []string{".rcd", ".d00", ".dat", ".ctl", ".cfg", ".pcd"}
}

func (m *Manager) SetStatusLogInclusions(exts []string) error {
	return m.store.SetSetting(keyStatusLogInclusions, strings.Join(exts, ","))
}

func (m *Manager) StatusLogExclusions() []string {
	if patterns := m.getList(keyStatusLogExclusions); patterns != nil {
		return patterns
	}
	return []string{"rms.", "trend."}
}

func (m *Manager) SetStatusLogExclusions(exts []string) error {
	return m.store.SetSetting(keyStatusLogExclusions, strings.Join(exts, ","))
}

// MaxRemoteFileAge filters out remote files older than this during
// enumeration; 0 disables the filter.
func (m *Manager) MaxRemoteFileAge() time.Duration {
	return m.getDuration(keyMaxRemoteFileAge, 0)
}

func (m *Manager) SetMaxRemoteFileAge(d time.Duration) error {
	return m.store.SetSetting(keyMaxRemoteFileAge, d.String())
}

// MaxLocalFileAge is the retention window for purging local downloaded
// files; 0 disables purging.
func (m *Manager) MaxLocalFileAge() time.Duration {
	return m.getDuration(keyMaxLocalFileAge, 0)
}

func (m *Manager) SetMaxLocalFileAge(d time.Duration) error {
	return m.store.SetSetting(keyMaxLocalFileAge, d.String())
}

// DefaultLocalPath is the root directory new tasks resolve
// <DeviceFolderPath> against when a task defines no override.
func (m *Manager) DefaultLocalPath() string {
	raw, ok := m.store.GetSetting(keyDefaultLocalPath)
	if !ok || raw == "" {
		return "./data"
	}
	return raw
}

func (m *Manager) SetDefaultLocalPath(path string) error {
	return m.store.SetSetting(keyDefaultLocalPath, path)
}

// SMTP* expose the outbound-mail collaborator's connection settings;
// SMTPHost empty means notification email is disabled.
func (m *Manager) SMTPHost() string {
	raw, _ := m.store.GetSetting(keySMTPHost)
	return raw
}

func (m *Manager) SetSMTPHost(host string) error {
	return m.store.SetSetting(keySMTPHost, host)
}

func (m *Manager) SMTPPort() int {
	return m.getInt(keySMTPPort, 587)
}

func (m *Manager) SetSMTPPort(port int) error {
	return m.setInt(keySMTPPort, port)
}

func (m *Manager) SMTPUsername() string {
	raw, _ := m.store.GetSetting(keySMTPUsername)
	return raw
}

func (m *Manager) SetSMTPUsername(user string) error {
	return m.store.SetSetting(keySMTPUsername, user)
}

func (m *Manager) SMTPPassword() string {
	raw, _ := m.store.GetSetting(keySMTPPassword)
	return raw
}

func (m *Manager) SetSMTPPassword(password string) error {
	return m.store.SetSetting(keySMTPPassword, password)
}

func (m *Manager) SMTPFrom() string {
	raw, _ := m.store.GetSetting(keySMTPFrom)
	return raw
}

func (m *Manager) SetSMTPFrom(from string) error {
	return m.store.SetSetting(keySMTPFrom, from)
}

// APIPort is the control API's loopback listen port.
func (m *Manager) APIPort() int {
	return m.getInt(keyAPIPort, 8642)
}

func (m *Manager) SetAPIPort(port int) error {
	return m.setInt(keyAPIPort, port)
}

func (m *Manager) getInt(key string, def int) int {
	raw, ok := m.store.GetSetting(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (m *Manager) setInt(key string, n int) error {
	return m.store.SetSetting(key, strconv.Itoa(n))
}

func (m *Manager) getInt64(key string, def int64) int64 {
	raw, ok := m.store.GetSetting(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (m *Manager) setInt64(key string, n int64) error {
	return m.store.SetSetting(key, strconv.FormatInt(n, 10))
}

func (m *Manager) getDuration(key string, def time.Duration) time.Duration {
	raw, ok := m.store.GetSetting(key)
	if !ok || raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func (m *Manager) getList(key string) []string {
	raw, ok := m.store.GetSetting(key)
	if !ok || raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
