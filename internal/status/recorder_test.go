package status

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meterfleet/internal/storage"
)

func newTestRecorder(t *testing.T, inclusions, exclusions []string) (*Recorder, *storage.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger, inclusions, exclusions), store
}

func TestRecordSuccessHonorsInclusionsAndExclusions(t *testing.T) {
	r, store := newTestRecorder(t, []string{".dat", ".cfg"}, []string{"trend."})

	r.RecordSuccess(1, "reading.dat", 2056, time.Now())
	r.RecordSuccess(1, "trend.dat", 2056, time.Now()) // excluded despite matching extension
	r.RecordSuccess(1, "notes.txt", 2056, time.Now()) // not in inclusions

	rows, err := storage.QueryAllDownloadedFiles(store)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "reading.dat", rows[0].File)
}

func TestRecordSuccessComputesFileSizeKBWithLegacyDivisor(t *testing.T) {
	r, store := newTestRecorder(t, nil, nil)

	r.RecordSuccess(7, "a.dat", 2056, time.Now())

	rows, err := queryDownloadedFiles(store)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 2056/1028, rows[0].FileSizeKB, "FileSizeKB must preserve the length/1028 computation literally")
}

func TestRecordFailureAlwaysUpdatesStatusLog(t *testing.T) {
	r, store := newTestRecorder(t, []string{".dat"}, nil)

	r.RecordFailure(3, "connection refused")

	row, err := storage.QueryStatusLog(store, 3)
	require.NoError(t, err)
	require.Equal(t, "connection refused", row.Message)
	require.False(t, row.LastFailure.IsZero())
}

func queryDownloadedFiles(store *storage.Store) ([]storage.DownloadedFile, error) {
	// Recorder has no direct read path by design (write-only from the
	// engine's perspective); tests reach into storage for assertions.
	return storage.QueryAllDownloadedFiles(store)
}
