package transfer

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meterfleet/internal/filesystem"
	"meterfleet/internal/ftpclient"
	"meterfleet/internal/progress"
	"meterfleet/internal/status"
	"meterfleet/internal/storage"
	"meterfleet/internal/token"
)

type fakeEntry struct {
	name  string
	data  []byte
	mtime time.Time
}

type fakeSession struct {
	dir     string
	entries map[string][]fakeEntry
	deleted []string
}

func (f *fakeSession) ChangeDir(path string) error {
	f.dir = path
	return nil
}

func (f *fakeSession) List(string) ([]ftpclient.Entry, error) {
	out := make([]ftpclient.Entry, 0)
	for _, e := range f.entries[f.dir] {
		out = append(out, ftpclient.Entry{Name: e.name, Size: int64(len(e.data)), Time: e.mtime})
	}
	return out, nil
}

func (f *fakeSession) Retrieve(name string) (io.ReadCloser, error) {
	for _, e := range f.entries[f.dir] {
		if e.name == name || name == f.dir+"/"+e.name {
			return io.NopCloser(bytes.NewReader(e.data)), nil
		}
	}
	return nil, os.ErrNotExist
}

func (f *fakeSession) Store(string, io.Reader) error { return nil }
func (f *fakeSession) Delete(name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}
func (f *fakeSession) Quit() error { return nil }

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := status.New(store, logger, nil, nil)
	bus := progress.New(logger)

	return New(Deps{
		Logger:   logger,
		Bus:      bus,
		Recorder: recorder,
	}), store
}

func TestEngineRunDownloadsAllMatchingFiles(t *testing.T) {
	engine, _ := newTestEngine(t)
	localRoot := t.TempDir()

	session := &fakeSession{
		entries: map[string][]fakeEntry{
			"/remote": {
				{name: "a.dat", data: bytes.Repeat([]byte{1}, 100)},
				{name: "b.dat", data: bytes.Repeat([]byte{2}, 50)},
			},
		},
	}

	task := Task{
		ID:         1,
		DeviceID:   1,
		DeviceName: "DEV1",
		Settings: TaskSettings{
			FileExtensions:              "*.dat",
			RemotePath:                  "/remote",
			LocalPath:                   localRoot,
			OverwriteExistingLocalFiles: true,
			DirectoryNamingExpression:   "flat",
			MaximumFileCount:            -1,
		},
	}

	tok := token.New()
	result, err := engine.Run(tok, session, task)
	require.NoError(t, err)

	// spec.md §8 Testable Property 1 / scenario S1: filesDownloaded(R) must
	// equal the count of files that actually succeeded, with bytes summed
	// across them.
	require.Equal(t, int64(2), result.FilesProcessed)
	require.Equal(t, int64(2), result.FilesDownloaded)
	require.Equal(t, int64(150), result.BytesDownloaded)

	data, err := os.ReadFile(filepath.Join(localRoot, "flat", "a.dat"))
	require.NoError(t, err)
	require.Len(t, data, 100)

	data, err = os.ReadFile(filepath.Join(localRoot, "flat", "b.dat"))
	require.NoError(t, err)
	require.Len(t, data, 50)
}

func TestEngineSkipsUnchangedFiles(t *testing.T) {
	engine, _ := newTestEngine(t)
	localRoot := t.TempDir()
	destDir := filepath.Join(localRoot, "flat")
	require.NoError(t, os.MkdirAll(destDir, 0o755))

	mtime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := bytes.Repeat([]byte{9}, 100)
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "a.dat"), existing, 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(destDir, "a.dat"), mtime, mtime))

	session := &fakeSession{
		entries: map[string][]fakeEntry{
			"/remote": {
				{name: "a.dat", data: existing, mtime: mtime},
				{name: "b.dat", data: bytes.Repeat([]byte{2}, 50), mtime: mtime},
			},
		},
	}

	task := Task{
		ID:         2,
		DeviceID:   1,
		DeviceName: "DEV1",
		Settings: TaskSettings{
			FileExtensions:              "*.dat",
			RemotePath:                  "/remote",
			LocalPath:                   localRoot,
			DirectoryNamingExpression:   "flat",
			SkipDownloadIfUnchanged:     true,
			SynchronizeTimestamps:       true,
			OverwriteExistingLocalFiles: false,
			MaximumFileCount:            -1,
		},
	}

	tok := token.New()
	result, err := engine.Run(tok, session, task)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.FilesDownloaded, "only b.dat should count as downloaded")

	// b.dat should now exist (it was downloaded); a.dat should be
	// untouched content (never re-fetched).
	data, err := os.ReadFile(filepath.Join(destDir, "b.dat"))
	require.NoError(t, err)
	require.Len(t, data, 50)

	data, err = os.ReadFile(filepath.Join(destDir, "a.dat"))
	require.NoError(t, err)
	require.Equal(t, existing, data)
}

func TestEngineFiltersByMaximumFileSize(t *testing.T) {
	engine, _ := newTestEngine(t)
	localRoot := t.TempDir()

	session := &fakeSession{
		entries: map[string][]fakeEntry{
			"/remote": {
				{name: "small.dat", data: bytes.Repeat([]byte{1}, 10)},
				{name: "big.dat", data: bytes.Repeat([]byte{1}, 2_000_000)},
			},
		},
	}

	task := Task{
		ID:         3,
		DeviceID:   1,
		DeviceName: "DEV1",
		Settings: TaskSettings{
			FileExtensions:              "*.dat",
			RemotePath:                  "/remote",
			LocalPath:                   localRoot,
			DirectoryNamingExpression:   "flat",
			OverwriteExistingLocalFiles: true,
			MaximumFileSizeMB:           1,
			MaximumFileCount:            -1,
		},
	}

	tok := token.New()
	_, err := engine.Run(tok, session, task)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(localRoot, "flat", "small.dat"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(localRoot, "flat", "big.dat"))
	require.True(t, os.IsNotExist(err), "oversized file must be filtered out before transfer")
}

func TestEngineDeletesRemoteAfterDownloadWhenConfigured(t *testing.T) {
	engine, _ := newTestEngine(t)
	localRoot := t.TempDir()

	session := &fakeSession{
		entries: map[string][]fakeEntry{
			"/remote": {{name: "a.dat", data: []byte{1, 2, 3}}},
		},
	}

	task := Task{
		ID:         4,
		DeviceID:   1,
		DeviceName: "DEV1",
		Settings: TaskSettings{
			FileExtensions:                 "*.dat",
			RemotePath:                     "/remote",
			LocalPath:                      localRoot,
			DirectoryNamingExpression:      "flat",
			OverwriteExistingLocalFiles:    true,
			DeleteRemoteFilesAfterDownload: true,
			MaximumFileCount:               -1,
		},
	}

	tok := token.New()
	_, err := engine.Run(tok, session, task)
	require.NoError(t, err)
	require.Contains(t, session.deleted, "/remote/a.dat")
}

func TestEngineAllocatorApprovesDownloadWithFreeSpace(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.deps.Allocator = filesystem.NewAllocator()
	localRoot := t.TempDir()

	session := &fakeSession{
		entries: map[string][]fakeEntry{
			"/remote": {{name: "a.dat", data: bytes.Repeat([]byte{7}, 64)}},
		},
	}

	task := Task{
		ID:         5,
		DeviceID:   1,
		DeviceName: "DEV1",
		Settings: TaskSettings{
			FileExtensions:              "*.dat",
			RemotePath:                  "/remote",
			LocalPath:                   localRoot,
			DirectoryNamingExpression:   "flat",
			OverwriteExistingLocalFiles: true,
			MaximumFileCount:            -1,
		},
	}

	tok := token.New()
	_, err := engine.Run(tok, session, task)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(localRoot, "flat", "a.dat"))
	require.NoError(t, err)
	require.Len(t, data, 64)
}
