// Package status writes terminal per-device outcomes to the relational
// store, isolating the transfer engine from persistence failures (§4.10,
// §7: "DB write failure: Warning; never aborts transfer").
package status

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"meterfleet/internal/storage"
)

// Recorder serializes StatusLog/DownloadedFile writes and applies the
// configured extension inclusion/exclusion filter on success.
type Recorder struct {
	store  *storage.Store
	logger *slog.Logger

	inclusions []string
	exclusions []string
}

func New(store *storage.Store, logger *slog.Logger, inclusions, exclusions []string) *Recorder {
	return &Recorder{
		store:      store,
		logger:     logger,
		inclusions: inclusions,
		exclusions: exclusions,
	}
}

// RecordSuccess updates StatusLog only if file's extension is in
// inclusions and not in exclusions, and always appends a DownloadedFile
// row for an in-scope success.
func (r *Recorder) RecordSuccess(deviceID uint, file string, fileLength int64, downloadTimestamp time.Time) {
	if !r.inScope(file) {
		return
	}

	now := time.Now()
	row := &storage.StatusLog{
		DeviceID:              deviceID,
		LastFile:              file,
		LastSuccess:           now,
		FileDownloadTimestamp: downloadTimestamp,
	}
	if err := r.store.UpsertStatusLog(row); err != nil {
		r.logger.Warn("status log update failed", "device_id", deviceID, "file", file, "error", err)
	}

	downloaded := &storage.DownloadedFile{
		DeviceID:        deviceID,
		CreationTimeUTC: now.UTC(),
		File:            file,
		// length/1028 preserved literally per spec.md §9 open question;
		// see DESIGN.md "Open Question decisions".
		FileSizeKB: fileLength / 1028,
		Timestamp:  downloadTimestamp,
	}
	if err := r.store.AppendDownloadedFile(downloaded); err != nil {
		r.logger.Warn("downloaded-file record failed", "device_id", deviceID, "file", file, "error", err)
	}
}

// RecordFailure updates StatusLog unconditionally with the failure
// message (§4.10: "On failure the row is updated unconditionally").
func (r *Recorder) RecordFailure(deviceID uint, message string) {
	row := &storage.StatusLog{
		DeviceID:    deviceID,
		LastFailure: time.Now(),
		Message:     message,
	}
	if err := r.store.UpsertStatusLog(row); err != nil {
		r.logger.Warn("status log failure-write failed", "device_id", deviceID, "error", err)
	}
}

func (r *Recorder) inScope(file string) bool {
	ext := strings.ToLower(filepath.Ext(file))
	if len(r.exclusions) > 0 && matchesAny(file, ext, r.exclusions) {
		return false
	}
	if len(r.inclusions) == 0 {
		return true
	}
	return matchesAny(file, ext, r.inclusions)
}

// matchesAny checks membership against a list of patterns that may be
// plain extensions (".dat") or teacher-style prefix fragments ("rms.",
// "trend.") matched against the base filename.
func matchesAny(file, ext string, patterns []string) bool {
	base := strings.ToLower(filepath.Base(file))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, ".") {
			if ext == p {
				return true
			}
			continue
		}
		if strings.Contains(base, p) {
			return true
		}
	}
	return false
}
