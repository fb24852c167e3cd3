// Package runner implements the per-device orchestration layer (spec.md
// C7): one Runner per device, selecting its thread strategy at
// registration and driving one profile run end to end through the
// transfer engine.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"meterfleet/internal/cothread"
	"meterfleet/internal/dialup"
	"meterfleet/internal/filesystem"
	"meterfleet/internal/ftpclient"
	"meterfleet/internal/progress"
	"meterfleet/internal/runonce"
	"meterfleet/internal/status"
	"meterfleet/internal/storage"
	"meterfleet/internal/token"
	"meterfleet/internal/transfer"
)

// RuntimeState holds the per-device counters spec.md §3/§6 names.
// Invariants: successful+failed <= attempted for both connections and
// dial-ups; FilesDownloaded resets at the start of every run.
type RuntimeState struct {
	AttemptedConnections  atomic.Int64
	SuccessfulConnections atomic.Int64
	FailedConnections     atomic.Int64
	AttemptedDialUps      atomic.Int64
	SuccessfulDialUps     atomic.Int64
	FailedDialUps         atomic.Int64

	TotalProcessedFiles  atomic.Int64
	FilesDownloaded      atomic.Int64 // resets every run
	TotalFilesDownloaded atomic.Int64
	BytesDownloaded      atomic.Int64

	TotalConnectedTicks atomic.Int64
	TotalDialUpTicks    atomic.Int64

	OverallTasksCount     atomic.Int64
	OverallTasksCompleted atomic.Int64

	Enabled atomic.Bool
}

// Config is everything a Runner needs at registration time, mirroring
// spec.md §4.7's strategy-selection table.
type Config struct {
	Device        storage.Device
	UseDialUp     bool
	DialUpEntry   string
	MaxThreadCount int // 0 disables pooling; Runner gets a private worker
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Logger       *slog.Logger
	Store        *storage.Store
	Bus          *progress.Bus
	Recorder     *status.Recorder
	Pool         *cothread.Pool
	Registry     *cothread.Registry
	Dialer       dialup.Dialer
	DialTimeout  time.Duration
	FTPAddr      string
	FTPUser      string
	FTPPassword  string
	FTPTimeout   time.Duration
	TransferDeps transfer.Deps

	// MaxLocalFileAge is the retention window consulted when a task has
	// DeleteOldLocalFiles set (spec.md §4.7 step 2); 0 disables purging.
	MaxLocalFileAge time.Duration
}

// Runner is one device's end-to-end execution orchestrator.
type Runner struct {
	cfg  Config
	deps Deps

	thread *cothread.Thread
	op     *runonce.Op

	token atomic.Pointer[token.CancelToken]

	State *RuntimeState

	mu    sync.Mutex
	tasks []transfer.Task

	credCache credentialCache
}

// New registers the device and selects its thread per spec.md §4.7.
func New(cfg Config, deps Deps) *Runner {
	r := &Runner{
		cfg:   cfg,
		deps:  deps,
		State: &RuntimeState{},
	}
	r.State.Enabled.Store(cfg.Device.Enabled)

	switch {
	case cfg.UseDialUp:
		r.thread = deps.Registry.GetOrAdd(cfg.DialUpEntry)
	case cfg.MaxThreadCount > 0:
		r.thread = deps.Pool.CreateThread()
	default:
		r.thread = cothread.NewThread(func(rec any) {
			deps.Logger.Error("runner private worker panic", "device", cfg.Device.Acronym, "recovered", rec)
		})
	}

	r.op = runonce.New(r.executeRun)

	return r
}

// SetTasks replaces the task list the runner iterates on its next run.
func (r *Runner) SetTasks(tasks []transfer.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = tasks
}

// TriggerScheduled requests a background run at Normal priority,
// coalescing with any run already pending (§4.6). The submitted work
// calls RunSync, not RunAsync: the Thread's single drain goroutine must
// block for the run's full duration, or a shared Thread (the Pool's
// bounded concurrency, the Registry's one-Thread-per-dial-up-entry)
// would only ever serialize the trigger, not the dial/transfer it
// starts.
func (r *Runner) TriggerScheduled() {
	r.thread.Submit(func() { r.op.RunSync() }, cothread.Normal)
}

// TriggerNow requests a manual run. Manual triggers on a dial-up-bound
// runner use High priority so they jump ahead of queued background runs
// (§4.3, §4.7).
//
// Per spec.md §9's open question: this increments AttemptedConnections
// before dispatch, and openSession increments it again when the run opens
// its FTP session, so a manual trigger of a run with FTP tasks counts two
// attempts, on a dial-up-bound runner or not. This is the documented
// existing behavior, preserved rather than silently "fixed" — see
// DESIGN.md "Open Question decisions".
func (r *Runner) TriggerNow() {
	r.State.AttemptedConnections.Add(1)
	priority := cothread.Normal
	if r.cfg.UseDialUp {
		priority = cothread.High
	}
	r.thread.Submit(func() { r.op.RunSync() }, priority)
}

// Stop cancels any in-flight run.
func (r *Runner) Stop() {
	if tok := r.token.Load(); tok != nil {
		tok.Cancel()
	}
}

func (r *Runner) executeRun() {
	tok := token.New()
	r.token.Store(tok)

	runID := newRunID()
	r.State.FilesDownloaded.Store(0)

	r.mu.Lock()
	tasks := append([]transfer.Task(nil), r.tasks...)
	r.mu.Unlock()

	r.State.OverallTasksCount.Store(int64(len(tasks)))
	r.State.OverallTasksCompleted.Store(0)

	if r.cfg.UseDialUp {
		if !r.dial() {
			return
		}
		defer r.hangup()
	}

	needsSession := false
	for _, task := range tasks {
		if task.Settings.ExternalOperation == "" {
			needsSession = true
			break
		}
	}

	var session ftpclient.Session
	if needsSession {
		session = r.openSession()
	}
	if session != nil {
		defer func() {
			_ = session.Quit()
		}()
	}

	engine := transfer.New(r.deps.TransferDeps)

	connectedStart := time.Now()
	for _, task := range tasks {
		if tok.Cancelled() {
			break
		}
		if task.Settings.ExternalOperation == "" && session == nil {
			r.abortTask(task, runID)
			continue // connection failed; FTP tasks aborted, external tasks still run
		}
		r.ensureUNCCredentials(task)
		r.runTask(tok, engine, session, task, runID)
	}
	if needsSession {
		r.State.TotalConnectedTicks.Add(int64(time.Since(connectedStart).Seconds()))
	}

	r.deps.Bus.Broadcast(progress.Update{
		DeviceName: r.cfg.Device.Acronym,
		State:      progress.Finished,
		Complete:   r.State.OverallTasksCompleted.Load(),
		Total:      r.State.OverallTasksCount.Load(),
	})
}

// abortTask records a per-profile failure event for a task that never
// started because the FTP connection it needed could not be opened
// (spec.md §4.7 step 2: "abort remaining FTP tasks with a per-profile
// failure event"). Unlike runTask, there is no queued->running transition
// to record, so the queue row is written once in its terminal state.
func (r *Runner) abortTask(task transfer.Task, runID string) {
	now := time.Now()
	queueRow := &storage.ConnectionProfileTaskQueue{
		ConnectionProfileTaskID: task.ID,
		RunID:                   runID,
		QueuedAt:                now,
		StartedAt:               &now,
		FinishedAt:              &now,
		Status:                  "aborted",
		Message:                 "FTP connection failed",
	}
	if err := r.deps.Store.EnqueueTaskRun(queueRow); err != nil {
		r.deps.Logger.Warn("enqueue aborted task run failed", "task", task.ID, "error", err)
	}

	r.deps.Recorder.RecordFailure(r.cfg.Device.ID, "FTP connection failed")
	r.State.OverallTasksCompleted.Add(1)
	r.deps.Bus.Broadcast(progress.Update{
		DeviceName: r.cfg.Device.Acronym,
		State:      progress.Failed,
		Summary:    task.ProfileName,
		Message:    "FTP connection failed",
		Complete:   r.State.OverallTasksCompleted.Load(),
		Total:      r.State.OverallTasksCount.Load(),
	})
}

func (r *Runner) runTask(tok *token.CancelToken, engine *transfer.Engine, session ftpclient.Session, task transfer.Task, runID string) {
	queueRow := &storage.ConnectionProfileTaskQueue{
		ConnectionProfileTaskID: task.ID,
		RunID:                   runID,
		QueuedAt:                time.Now(),
		Status:                  "queued",
	}
	if err := r.deps.Store.EnqueueTaskRun(queueRow); err != nil {
		r.deps.Logger.Warn("enqueue task run failed", "task", task.ID, "error", err)
	}

	started := time.Now()
	queueRow.StartedAt = &started
	queueRow.Status = "running"
	if err := r.deps.Store.UpdateTaskRun(queueRow); err != nil {
		r.deps.Logger.Warn("update task run failed", "task", task.ID, "error", err)
	}

	result, err := engine.Run(tok, session, task)

	r.State.TotalProcessedFiles.Add(result.FilesProcessed)
	r.State.FilesDownloaded.Add(result.FilesDownloaded)
	r.State.TotalFilesDownloaded.Add(result.FilesDownloaded)
	r.State.BytesDownloaded.Add(result.BytesDownloaded)

	finished := time.Now()
	queueRow.FinishedAt = &finished
	if err != nil {
		queueRow.Status = "failed"
		queueRow.Message = err.Error()
		r.deps.Recorder.RecordFailure(r.cfg.Device.ID, err.Error())
	} else {
		queueRow.Status = "succeeded"
		if task.Settings.DeleteOldLocalFiles {
			if n, perr := filesystem.PurgeOldFiles(task.Settings.LocalPath, r.deps.MaxLocalFileAge); perr != nil {
				r.deps.Logger.Warn("local-age purge failed", "task", task.ID, "error", perr)
			} else if n > 0 {
				r.deps.Logger.Info("local-age purge removed files", "task", task.ID, "removed", n)
			}
		}
	}
	if uerr := r.deps.Store.UpdateTaskRun(queueRow); uerr != nil {
		r.deps.Logger.Warn("update task run failed", "task", task.ID, "error", uerr)
	}

	r.State.OverallTasksCompleted.Add(1)
	r.deps.Bus.Broadcast(progress.Update{
		DeviceName: r.cfg.Device.Acronym,
		State:      progress.Processing,
		Complete:   r.State.OverallTasksCompleted.Load(),
		Total:      r.State.OverallTasksCount.Load(),
	})
}

func (r *Runner) dial() bool {
	r.State.AttemptedDialUps.Add(1)
	if err := r.deps.Dialer.Dial(context.Background(), r.cfg.DialUpEntry, r.deps.DialTimeout); err != nil {
		r.State.FailedDialUps.Add(1)
		r.deps.Recorder.RecordFailure(r.cfg.Device.ID, fmt.Sprintf("dial-up failed: %v", err))
		return false
	}
	r.State.SuccessfulDialUps.Add(1)
	return true
}

func (r *Runner) hangup() {
	if err := r.deps.Dialer.Hangup(r.cfg.DialUpEntry); err != nil {
		r.deps.Logger.Warn("hangup failed", "device", r.cfg.Device.Acronym, "error", err)
	}
}

func (r *Runner) openSession() ftpclient.Session {
	r.State.AttemptedConnections.Add(1)
	session, err := ftpclient.Dial(r.deps.FTPAddr, r.deps.FTPUser, r.deps.FTPPassword, r.deps.FTPTimeout)
	if err != nil {
		r.State.FailedConnections.Add(1)
		r.deps.Recorder.RecordFailure(r.cfg.Device.ID, fmt.Sprintf("FTP connect failed: %v", err))
		return nil
	}
	r.State.SuccessfulConnections.Add(1)
	return session
}

// runID is a helper for tagging a ConnectionProfileTaskQueue invocation.
func newRunID() string {
	return uuid.NewString()
}
