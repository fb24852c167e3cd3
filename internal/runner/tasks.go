package runner

import (
	"encoding/json"
	"fmt"

	"meterfleet/internal/storage"
	"meterfleet/internal/transfer"
)

// LoadTasks expands a profile's stored task rows into transfer.Task
// values, decoding each row's opaque Settings column into a
// transfer.TaskSettings (spec.md §6: "Settings... expands to
// TaskSettings").
func LoadTasks(store *storage.Store, device storage.Device, profile storage.ConnectionProfile) ([]transfer.Task, error) {
	rows, err := store.Tasks(profile.ID)
	if err != nil {
		return nil, fmt.Errorf("load tasks for profile %d: %w", profile.ID, err)
	}

	tasks := make([]transfer.Task, 0, len(rows))
	for _, row := range rows {
		var settings transfer.TaskSettings
		if row.Settings != "" {
			if err := json.Unmarshal([]byte(row.Settings), &settings); err != nil {
				return nil, fmt.Errorf("decode settings for task %d (%s): %w", row.ID, row.Name, err)
			}
		}
		tasks = append(tasks, transfer.Task{
			ID:          row.ID,
			DeviceID:    device.ID,
			DeviceName:  device.Name,
			Acronym:     device.Acronym,
			FolderName:  device.FolderName(),
			ProfileName: profile.Name,
			Settings:    settings,
		})
	}
	return tasks, nil
}
