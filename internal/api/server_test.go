package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meterfleet/internal/cothread"
	"meterfleet/internal/dialup"
	"meterfleet/internal/progress"
	"meterfleet/internal/runner"
	"meterfleet/internal/status"
	"meterfleet/internal/storage"
	"meterfleet/internal/transfer"
)

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	device := storage.Device{Acronym: "DEV1", Name: "Device One", Enabled: true}
	require.NoError(t, store.SaveDevice(&device))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := progress.New(logger)
	recorder := status.New(store, logger, nil, nil)
	audit := NewAuditLogger(logger, t.TempDir())
	t.Cleanup(audit.Close)

	r := runner.New(runner.Config{Device: device}, runner.Deps{
		Logger:   logger,
		Store:    store,
		Bus:      bus,
		Recorder: recorder,
		Pool:     cothread.NewPool(2, nil),
		Registry: cothread.NewRegistry(nil),
		Dialer:   dialupNoop{},
		DialTimeout: time.Second,
		TransferDeps: transfer.Deps{
			Logger:   logger,
			Bus:      bus,
			Recorder: recorder,
		},
	})

	runners := map[string]*runner.Runner{"DEV1": r}
	return New(store, bus, audit, logger, runners), store
}

type dialupNoop struct{}

func (dialupNoop) Dial(ctx context.Context, entryName string, timeout time.Duration) error {
	return nil
}
func (dialupNoop) Hangup(entryName string) error { return nil }

var _ dialup.Dialer = dialupNoop{}

func TestHandleListDevicesReturnsRegisteredDevices(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "DEV1")
}

func TestLocalhostOnlyRejectsExternalAddresses(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleDeviceStatsReturnsCounters(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/devices/DEV1/stats", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "attempted_connections")
}

func TestHandleDeviceStatsUnknownDeviceReturns404(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/devices/UNKNOWN/stats", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTriggerRunAccepted(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/devices/DEV1/run", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
}
