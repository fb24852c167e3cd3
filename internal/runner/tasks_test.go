package runner

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"meterfleet/internal/storage"
)

func TestLoadTasksDecodesSettingsAndIdentity(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	device := storage.Device{Acronym: "DEV1", Name: "Device One", OriginalSource: "DeviceOneFolder"}
	require.NoError(t, store.SaveDevice(&device))

	profile := storage.ConnectionProfile{DeviceID: device.ID, Name: "nightly"}
	require.NoError(t, store.SaveProfile(&profile))

	task := storage.ConnectionProfileTask{
		ConnectionProfileID: profile.ID,
		Name:                "rms-export",
		Settings:            `{"RemotePath":"/export","MaximumFileCount":-1}`,
	}
	require.NoError(t, store.SaveTask(&task))

	tasks, err := LoadTasks(store, device, profile)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, device.ID, tasks[0].DeviceID)
	require.Equal(t, "DeviceOneFolder", tasks[0].FolderName)
	require.Equal(t, "nightly", tasks[0].ProfileName)
	require.Equal(t, "/export", tasks[0].Settings.RemotePath)
	require.Equal(t, -1, tasks[0].Settings.MaximumFileCount)
}

func TestLoadTasksRejectsMalformedSettings(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	device := storage.Device{Acronym: "DEV1"}
	require.NoError(t, store.SaveDevice(&device))
	profile := storage.ConnectionProfile{DeviceID: device.ID, Name: "p"}
	require.NoError(t, store.SaveProfile(&profile))
	task := storage.ConnectionProfileTask{ConnectionProfileID: profile.ID, Name: "bad", Settings: "not json"}
	require.NoError(t, store.SaveTask(&task))

	_, err = LoadTasks(store, device, profile)
	require.Error(t, err)
}
