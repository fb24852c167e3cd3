package transfer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"meterfleet/internal/progress"
	"meterfleet/internal/template"
	"meterfleet/internal/token"
)

// RunExternal launches the task's externalOperation as a child process in
// its own process group, watching both its stdio and localPathDirectory
// for activity. The process tree is killed when the cancellation token
// fires or when externalOperationTimeout elapses since the last observed
// activity (§4.8, §5).
func (e *Engine) RunExternal(tok *token.CancelToken, task Task) (Result, error) {
	ctx := template.Context{
		DeviceName:       task.DeviceName,
		DeviceAcronym:    task.Acronym,
		DeviceFolderName: task.FolderName,
		ProfileName:      task.ProfileName,
		DeviceID:         task.DeviceID,
		TaskID:           task.ID,
		DeviceFolderPath: task.Settings.LocalPath,
		Now:              time.Now(),
	}
	command := template.Expand(task.Settings.ExternalOperation, ctx)
	argv := splitCommand(command)
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("external operation command is empty")
	}

	if err := os.MkdirAll(task.Settings.LocalPath, 0o755); err != nil {
		return Result{}, fmt.Errorf("create local directory: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = task.Settings.LocalPath
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start external operation: %w", err)
	}

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	var filesSeen atomic.Int64
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(task.Settings.LocalPath)
		go func() {
			for {
				select {
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
						touch()
					}
					if event.Op&fsnotify.Create != 0 {
						filesSeen.Add(1)
					}
				case _, ok := <-watcher.Errors:
					if !ok {
						return
					}
				}
			}
		}()
	} else {
		e.deps.Logger.Warn("fsnotify watcher unavailable for external operation", "error", werr)
	}

	var wg sync.WaitGroup
	drain := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			touch()
		}
	}
	wg.Add(2)
	go drain(stdout)
	go drain(stderr)

	timeout := task.Settings.ExternalOperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var killedForTimeout bool
	for {
		select {
		case err := <-done:
			wg.Wait()
			n := filesSeen.Load()
			e.deps.Bus.Broadcast(progress.Update{
				DeviceName: task.DeviceName,
				State:      progress.Finished,
				Complete:   n,
				Total:      n,
				Message:    "external operation finished",
			})
			result := Result{FilesProcessed: n, FilesDownloaded: n}
			if killedForTimeout {
				return result, fmt.Errorf("external operation exceeded timeout")
			}
			if err != nil {
				// Non-zero exit is recorded in progress, not treated as a
				// run failure unless the process was force-killed (§7).
				e.deps.Bus.Broadcast(progress.Update{
					DeviceName: task.DeviceName,
					State:      progress.Failed,
					Message:    err.Error(),
				})
			}
			return result, nil

		case <-tok.Done():
			killProcessGroup(cmd)
			<-done
			wg.Wait()
			e.deps.Bus.Broadcast(progress.Update{DeviceName: task.DeviceName, State: progress.Finished, Message: "cancelled"})
			return Result{FilesProcessed: filesSeen.Load(), FilesDownloaded: filesSeen.Load()}, nil

		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle > timeout {
				killedForTimeout = true
				killProcessGroup(cmd)
			}
		}
	}
}

func splitCommand(command string) []string {
	return strings.Fields(command)
}
