// Command meterfleetd is the fleet-retrieval daemon: it loads every
// enabled device and connection profile from the database, wires a
// Runner per device, drives them from a cron clock, and exposes the
// control API on loopback. Wiring order is grounded on the teacher's
// root main.go (logger -> storage -> config -> engine -> audit ->
// control server), generalized from one Wails desktop engine to one
// Runner per registered device.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"meterfleet/internal/api"
	"meterfleet/internal/config"
	"meterfleet/internal/cothread"
	"meterfleet/internal/dialup"
	"meterfleet/internal/filesystem"
	"meterfleet/internal/logger"
	"meterfleet/internal/mail"
	"meterfleet/internal/progress"
	"meterfleet/internal/runner"
	"meterfleet/internal/schedule"
	"meterfleet/internal/status"
	"meterfleet/internal/storage"
	"meterfleet/internal/transfer"
)

func main() {
	dbPath := flag.String("db", "./meterfleet.db", "path to the sqlite database")
	logDir := flag.String("log-dir", "", "directory for log files (defaults to the OS user config dir)")
	ftpTimeout := flag.Duration("ftp-timeout", 30*time.Second, "FTP connect timeout")
	dialTimeout := flag.Duration("dial-timeout", 45*time.Second, "dial-up connect timeout")
	flag.Parse()

	resolvedLogDir, err := resolveLogDir(*logDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve log directory:", err)
		os.Exit(1)
	}

	log, bridge, err := logger.New(os.Stdout, resolvedLogDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}

	store, err := storage.Open(*dbPath)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	cfg := config.New(store)

	bus := progress.New(log)
	bridge.SetNotifier(bus)

	recorder := status.New(store, log, cfg.StatusLogInclusions(), cfg.StatusLogExclusions())

	onPanic := func(rec any) {
		log.Error("worker thread panic", "recovered", rec)
	}
	pool := cothread.NewPool(cfg.FTPThreadCount(), onPanic)
	registry := cothread.NewRegistry(onPanic)
	defer pool.Close()
	defer registry.Close()

	dialer := dialup.NewOSDialer()

	var mailer *mail.Sender
	if cfg.SMTPHost() != "" {
		mailer = mail.New(mail.Config{
			Host:     cfg.SMTPHost(),
			Port:     cfg.SMTPPort(),
			Username: cfg.SMTPUsername(),
			Password: cfg.SMTPPassword(),
			From:     cfg.SMTPFrom(),
		})
	}

	var limiter *rate.Limiter
	if threshold := cfg.MaxDownloadThreshold(); threshold > 0 {
		window := cfg.MaxDownloadThresholdTimeWindow()
		limiter = rate.NewLimiter(rate.Limit(float64(threshold)/window.Seconds()), int(threshold))
	}

	transferDeps := transfer.Deps{
		Logger:           log,
		Bus:              bus,
		Recorder:         recorder,
		Mailer:           mailer,
		Limiter:          limiter,
		Allocator:        filesystem.NewAllocator(),
		MaxRemoteFileAge: cfg.MaxRemoteFileAge(),
	}

	devices, err := store.EnabledDevices()
	if err != nil {
		log.Error("load enabled devices", "error", err)
		os.Exit(1)
	}

	deviceRunners := make(map[string]*runner.Runner, len(devices))
	scheduleTargets := make(map[string]*runner.Runner) // "acronym/profile" -> its runner
	clock := schedule.New(log, func(name string) {
		if r, ok := scheduleTargets[name]; ok {
			r.TriggerScheduled()
		}
	})

	for _, device := range devices {
		profiles, err := store.Profiles(device.ID)
		if err != nil {
			log.Error("load profiles", "device", device.Acronym, "error", err)
			continue
		}

		r := runner.New(runner.Config{
			Device:         device,
			UseDialUp:      device.UseDialUp,
			DialUpEntry:    device.DialUpEntry,
			MaxThreadCount: cfg.FTPThreadCount(),
		}, runner.Deps{
			Logger:          log,
			Store:           store,
			Bus:             bus,
			Recorder:        recorder,
			Pool:            pool,
			Registry:        registry,
			Dialer:          dialer,
			DialTimeout:     *dialTimeout,
			FTPAddr:         device.FTPAddr(),
			FTPUser:         device.FTPUser,
			FTPPassword:     device.FTPPassword,
			FTPTimeout:      *ftpTimeout,
			TransferDeps:    transferDeps,
			MaxLocalFileAge: cfg.MaxLocalFileAge(),
		})
		deviceRunners[device.Acronym] = r

		var tasks []transfer.Task
		for _, profile := range profiles {
			profileTasks, err := runner.LoadTasks(store, device, profile)
			if err != nil {
				log.Error("load tasks", "device", device.Acronym, "profile", profile.Name, "error", err)
				continue
			}
			for i := range profileTasks {
				if profileTasks[i].Settings.LocalPath == "" {
					profileTasks[i].Settings.LocalPath = cfg.DefaultLocalPath()
				}
			}
			tasks = append(tasks, profileTasks...)

			if profile.Schedule != "" {
				scheduleName := device.Acronym + "/" + profile.Name
				scheduleTargets[scheduleName] = r
				if err := clock.Add(scheduleName, profile.Schedule); err != nil {
					log.Error("register schedule", "device", device.Acronym, "profile", profile.Name, "error", err)
				}
			}
		}
		r.SetTasks(tasks)
	}
	clock.Start()
	defer clock.Stop()

	audit := api.NewAuditLogger(log, resolvedLogDir)
	defer audit.Close()

	controlAPI := api.New(store, bus, audit, log, deviceRunners)
	if err := controlAPI.Start(cfg.APIPort()); err != nil {
		log.Error("start control API", "error", err)
		os.Exit(1)
	}

	log.Info("meterfleetd running", "devices", len(devices))
	waitForSignal(func() {
		log.Info("shutdown signal received, stopping runners")
		for _, r := range deviceRunners {
			r.Stop()
		}
	})
}

// resolveLogDir mirrors logger.New's own empty-logDir default so the
// audit logger writes alongside the slog JSON file rather than to a
// second, independently-defaulted directory.
func resolveLogDir(logDir string) (string, error) {
	if logDir != "" {
		return logDir, nil
	}
	appData, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(appData, "meterfleet", "logs"), nil
}

// waitForSignal blocks until SIGINT/SIGTERM, then runs onSignal. Adapted
// from the teacher's core.WaitForSignals, folded inline here since the
// daemon is its only caller.
func waitForSignal(onSignal func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	if onSignal != nil {
		onSignal()
	}
}
