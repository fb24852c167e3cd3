package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"meterfleet/internal/storage"
	"meterfleet/internal/transfer"
)

// deviceConfig is the on-disk shape `register` reads; it mirrors
// storage.Device plus its nested profiles/tasks so a deployment can
// describe a whole device in one file instead of issuing record CRUD
// the control API deliberately doesn't expose (SPEC_FULL.md §5).
type deviceConfig struct {
	Acronym           string          `json:"acronym"`
	Name              string          `json:"name"`
	Enabled           bool            `json:"enabled"`
	OriginalSource    string          `json:"original_source"`
	UseDialUp         bool            `json:"use_dial_up"`
	DialUpEntry       string          `json:"dial_up_entry_name"`
	FTPHost           string          `json:"ftp_host"`
	FTPPort           int             `json:"ftp_port"`
	FTPUser           string          `json:"ftp_user"`
	FTPPassword       string          `json:"ftp_password"`
	FTPConnectTimeout time.Duration   `json:"ftp_connect_timeout"`
	Profiles          []profileConfig `json:"profiles"`
}

type profileConfig struct {
	Name     string       `json:"name"`
	Schedule string       `json:"schedule"`
	Tasks    []taskConfig `json:"tasks"`
}

type taskConfig struct {
	Name     string               `json:"name"`
	Settings transfer.TaskSettings `json:"settings"`
}

var registerCmd = &cobra.Command{
	Use:   "register --db <path> --config <device.json>",
	Short: "Register (or update) a device, its profiles, and its tasks from a config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		configPath, _ := cmd.Flags().GetString("config")
		if configPath == "" {
			return fmt.Errorf("--config is required")
		}

		raw, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		var cfg deviceConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		if cfg.Acronym == "" {
			return fmt.Errorf("config: acronym is required")
		}

		store, err := storage.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		if err := applyDeviceConfig(store, cfg); err != nil {
			return err
		}

		fmt.Printf("registered device %s with %d profile(s)\n", cfg.Acronym, len(cfg.Profiles))
		return nil
	},
}

func applyDeviceConfig(store *storage.Store, cfg deviceConfig) error {
	device := storage.Device{
		Acronym:           cfg.Acronym,
		Name:              cfg.Name,
		Enabled:           cfg.Enabled,
		OriginalSource:    cfg.OriginalSource,
		UseDialUp:         cfg.UseDialUp,
		DialUpEntry:       cfg.DialUpEntry,
		FTPHost:           cfg.FTPHost,
		FTPPort:           cfg.FTPPort,
		FTPUser:           cfg.FTPUser,
		FTPPassword:       cfg.FTPPassword,
		FTPConnectTimeout: cfg.FTPConnectTimeout,
	}
	if existing, err := findDeviceByAcronym(store, cfg.Acronym); err == nil {
		device.ID = existing.ID
	}
	if err := store.SaveDevice(&device); err != nil {
		return fmt.Errorf("save device: %w", err)
	}

	existingProfiles, _ := store.Profiles(device.ID)
	for _, p := range cfg.Profiles {
		profile := storage.ConnectionProfile{
			DeviceID: device.ID,
			Name:     p.Name,
			Schedule: p.Schedule,
		}
		for _, ep := range existingProfiles {
			if ep.Name == p.Name {
				profile.ID = ep.ID
			}
		}
		if err := store.SaveProfile(&profile); err != nil {
			return fmt.Errorf("save profile %s: %w", p.Name, err)
		}

		existingTasks, _ := store.Tasks(profile.ID)
		for _, t := range p.Tasks {
			settingsJSON, err := json.Marshal(t.Settings)
			if err != nil {
				return fmt.Errorf("encode settings for task %s: %w", t.Name, err)
			}
			task := storage.ConnectionProfileTask{
				ConnectionProfileID: profile.ID,
				Name:                t.Name,
				Settings:            string(settingsJSON),
			}
			for _, et := range existingTasks {
				if et.Name == t.Name {
					task.ID = et.ID
				}
			}
			if err := store.SaveTask(&task); err != nil {
				return fmt.Errorf("save task %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func findDeviceByAcronym(store *storage.Store, acronym string) (storage.Device, error) {
	devices, err := store.Devices()
	if err != nil {
		return storage.Device{}, err
	}
	for _, d := range devices {
		if d.Acronym == acronym {
			return d, nil
		}
	}
	return storage.Device{}, fmt.Errorf("device %q not found", acronym)
}

func init() {
	registerCmd.Flags().String("db", "./meterfleet.db", "path to the sqlite database")
	registerCmd.Flags().String("config", "", "path to a device config JSON file")
}
