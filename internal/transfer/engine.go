// Package transfer implements the per-task enumerate/filter/plan/transfer/
// finish state machine (spec.md C8, §4.8).
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/time/rate"

	"meterfleet/internal/filesystem"
	"meterfleet/internal/ftpclient"
	"meterfleet/internal/mail"
	"meterfleet/internal/progress"
	"meterfleet/internal/status"
	"meterfleet/internal/template"
	"meterfleet/internal/token"
)

// megaByte is base-1000 per spec.md §4.8 ("sizes use base-1000 'MB'
// consistently").
const megaByte = 1_000_000

// TaskSettings mirrors spec.md §3's ENUMERATED TaskSettings fields.
type TaskSettings struct {
	FileExtensions                     string
	RemotePath                         string
	LocalPath                          string
	RecursiveDownload                  bool
	DeleteRemoteFilesAfterDownload     bool
	LimitRemoteFileDownloadByAge       bool
	DeleteOldLocalFiles                bool
	SkipDownloadIfUnchanged            bool
	OverwriteExistingLocalFiles        bool
	ArchiveExistingFilesBeforeDownload bool
	SynchronizeTimestamps              bool
	MaximumFileSizeMB                  float64
	MaximumFileCount                   int // -1 = unlimited
	DirectoryNamingExpression          string
	ExternalOperation                  string
	ExternalOperationTimeout           time.Duration
	DirectoryAuthUserName              string
	DirectoryAuthPassword              string
	EmailOnFileUpdate                  bool
	EmailRecipients                    []string
}

func (s TaskSettings) fileSpecs() []string {
	spec := s.FileExtensions
	if spec == "" {
		spec = "*.*"
	}
	parts := strings.Split(spec, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Task is one unit of work: a task settings block plus identity needed
// for templating and recording.
type Task struct {
	ID          uint
	DeviceID    uint
	DeviceName  string
	Acronym     string
	FolderName  string
	ProfileName string
	Settings    TaskSettings
}

// Deps are the external collaborators the engine drives.
type Deps struct {
	Logger           *slog.Logger
	Bus              *progress.Bus
	Recorder         *status.Recorder
	Mailer           *mail.Sender
	Limiter          *rate.Limiter         // nil disables throttling
	Allocator        *filesystem.Allocator // nil disables the disk-space pre-check
	MaxRemoteFileAge time.Duration
}

// Engine runs the Prepare -> Enumerate -> Plan -> Transfer -> Finish state
// machine for one task against an already-open FTP session.
type Engine struct {
	deps Deps
}

func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Result summarizes one task invocation's outcome, fed back to the
// calling Runner's RuntimeState (spec.md §8 Testable Property 1:
// filesDownloaded(R) = count{f in R : get(f) succeeded}).
type Result struct {
	FilesProcessed  int64
	FilesDownloaded int64
	BytesDownloaded int64
}

type planEntry struct {
	remoteDir string
	localDir  string
	files     []candidateFile
}

type candidateFile struct {
	remotePath string
	name       string
	size       int64
	modTime    time.Time
}

// Run drives one task to completion. session is nil for external-operation
// tasks, which are handled by RunExternal instead.
func (e *Engine) Run(tok *token.CancelToken, session ftpclient.Session, task Task) (Result, error) {
	if task.Settings.ExternalOperation != "" {
		return e.RunExternal(tok, task)
	}

	localRoot, err := e.prepare(task)
	if err != nil {
		e.deps.Logger.Warn("prepare failed", "task", task.ID, "error", err)
		return Result{}, err
	}

	groups, total, err := e.enumerate(tok, session, task, localRoot)
	if err != nil {
		e.deps.Logger.Warn("enumerate failed", "task", task.ID, "error", err)
		return Result{}, err
	}

	return e.transfer(tok, session, task, groups, total), nil
}

// prepare expands directoryNamingExpression and creates the local target
// directory.
func (e *Engine) prepare(task Task) (string, error) {
	expr := task.Settings.DirectoryNamingExpression
	if expr == "" {
		expr = "<YYYY><MM>\\<DeviceFolderName>"
	}
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
	dir := template.Expand(expr, ctx)
	dir = filepath.Join(task.Settings.LocalPath, filepath.FromSlash(strings.ReplaceAll(dir, "\\", "/")))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create local directory %q: %w", dir, err)
	}
	return dir, nil
}

// enumerate lists the remote tree (recursing when configured), applies
// filters (a)-(d), and groups survivors by destination directory.
func (e *Engine) enumerate(tok *token.CancelToken, session ftpclient.Session, task Task, localRoot string) ([]planEntry, int64, error) {
	ctx := template.Context{
		DeviceName:       task.DeviceName,
		DeviceAcronym:    task.Acronym,
		DeviceFolderName: task.FolderName,
		ProfileName:      task.ProfileName,
		DeviceID:         task.DeviceID,
		TaskID:           task.ID,
		Now:              time.Now(),
	}
	remoteRoot := template.Expand(task.Settings.RemotePath, ctx)

	// Files are grouped by their resolved local destination directory, not
	// lumped into one group at localRoot — recursion into a remote
	// subdirectory nests its localDir, and §4.8's "group by destination
	// directory" plan phase needs one group per such directory so a
	// mkdir failure in one subdirectory doesn't sink files bound for
	// another, and so two subdirectories never collide by writing
	// same-named files into the same flat destination.
	var groups []*planEntry
	groupIndex := make(map[string]*planEntry)
	groupFor := func(remoteDir, localDir string) *planEntry {
		if g, ok := groupIndex[localDir]; ok {
			return g
		}
		g := &planEntry{remoteDir: remoteDir, localDir: localDir}
		groupIndex[localDir] = g
		groups = append(groups, g)
		return g
	}

	var total int64
	count := 0

	var walk func(remoteDir, localDir string) error
	walk = func(remoteDir, localDir string) error {
		if tok.Cancelled() {
			return nil
		}
		if err := session.ChangeDir(remoteDir); err != nil {
			e.deps.Logger.Warn("remote listing failed", "dir", remoteDir, "error", err)
			return nil // warning scoped to this directory; siblings proceed
		}
		entries, err := session.List(".")
		if err != nil {
			e.deps.Logger.Warn("remote listing failed", "dir", remoteDir, "error", err)
			return nil
		}

		for _, entry := range entries {
			if tok.Cancelled() {
				return nil
			}
			if entry.IsDir {
				if task.Settings.RecursiveDownload && !strings.HasPrefix(entry.Name, ".") {
					if err := walk(remoteDir+"/"+entry.Name, filepath.Join(localDir, entry.Name)); err != nil {
						return err
					}
				}
				continue
			}

			if task.Settings.MaximumFileCount >= 0 && count >= task.Settings.MaximumFileCount {
				continue
			}
			if !matchesAnySpec(entry.Name, task.Settings.fileSpecs()) {
				continue
			}
			if task.Settings.LimitRemoteFileDownloadByAge && e.deps.MaxRemoteFileAge > 0 {
				ageDays := int(time.Since(entry.Time).Hours() / 24)
				if time.Duration(ageDays)*24*time.Hour > e.deps.MaxRemoteFileAge {
					continue
				}
			}
			if task.Settings.MaximumFileSizeMB > 0 && float64(entry.Size) > task.Settings.MaximumFileSizeMB*megaByte {
				continue
			}
			if task.Settings.SkipDownloadIfUnchanged && unchanged(localDir, entry.Name, entry.Size, entry.Time, task.Settings.SynchronizeTimestamps) {
				continue
			}

			g := groupFor(remoteDir, localDir)
			g.files = append(g.files, candidateFile{
				remotePath: remoteDir + "/" + entry.Name,
				name:       entry.Name,
				size:       entry.Size,
				modTime:    entry.Time,
			})
			total += entry.Size
			count++
		}
		return nil
	}

	if err := walk(remoteRoot, localRoot); err != nil {
		return nil, 0, err
	}

	out := make([]planEntry, len(groups))
	for i, g := range groups {
		out[i] = *g
	}
	return out, total, nil
}

func unchanged(localDir, name string, remoteSize int64, remoteTime time.Time, syncTimestamps bool) bool {
	info, err := os.Stat(filepath.Join(localDir, name))
	if err != nil {
		return false
	}
	if info.Size() != remoteSize {
		return false
	}
	if !syncTimestamps {
		return true
	}
	return info.ModTime().Equal(remoteTime)
}

// transfer drives the Plan+Transfer+Finish phases: per-group directory
// creation, pre-incremented progress, archive-before-download, the get
// itself, and per-file bookkeeping.
func (e *Engine) transfer(tok *token.CancelToken, session ftpclient.Session, task Task, groups []planEntry, total int64) Result {
	var complete int64
	var result Result
	publish := func(state progress.State, summary, message string) {
		e.deps.Bus.Broadcast(progress.Update{
			DeviceName: task.DeviceName,
			State:      state,
			Summary:    summary,
			Message:    message,
			Complete:   complete,
			Total:      total,
		})
	}

	for _, group := range groups {
		if err := os.MkdirAll(group.localDir, 0o755); err != nil {
			var groupTotal int64
			for _, f := range group.files {
				groupTotal += f.size
			}
			complete += groupTotal
			publish(progress.Failed, group.localDir, fmt.Sprintf("create directory failed: %v", err))
			continue
		}

		for _, f := range group.files {
			if tok.Cancelled() {
				publish(progress.Finished, "", "cancelled")
				return result
			}

			// Pre-increment so a crash mid-transfer cannot move complete
			// backwards (§4.8, §9).
			complete += f.size
			result.FilesProcessed++

			localPath := filepath.Join(group.localDir, f.name)
			if _, err := os.Stat(localPath); err == nil {
				if task.Settings.ArchiveExistingFilesBeforeDownload {
					if err := archiveExisting(localPath); err != nil {
						e.deps.Logger.Warn("archive failed", "file", localPath, "error", err)
					}
				} else if !task.Settings.OverwriteExistingLocalFiles {
					publish(progress.Skipped, f.name, "exists, overwrite disabled")
					continue
				}
			}

			if err := e.getOne(tok, session, f, localPath); err != nil {
				publish(progress.Failed, f.name, err.Error())
				e.deps.Recorder.RecordFailure(task.DeviceID, err.Error())
				continue
			}

			if task.Settings.SynchronizeTimestamps {
				if err := os.Chtimes(localPath, f.modTime, f.modTime); err != nil {
					e.deps.Logger.Warn("timestamp sync failed", "file", localPath, "error", err)
				}
			}

			result.FilesDownloaded++
			result.BytesDownloaded += f.size

			e.deps.Recorder.RecordSuccess(task.DeviceID, f.name, f.size, f.modTime)
			publish(progress.Succeeded, f.name, "downloaded")

			if task.Settings.DeleteRemoteFilesAfterDownload {
				if err := session.Delete(f.remotePath); err != nil {
					e.deps.Logger.Warn("remote delete failed", "file", f.remotePath, "error", err)
				}
			}

			if task.Settings.EmailOnFileUpdate && e.deps.Mailer != nil {
				go func(name string) {
					if err := e.deps.Mailer.Send(task.Settings.EmailRecipients,
						fmt.Sprintf("%s: new file %s", task.DeviceName, name),
						fmt.Sprintf("%s downloaded %s", task.DeviceName, name)); err != nil {
						e.deps.Logger.Warn("notification email failed", "error", err)
					}
				}(f.name)
			}
		}
	}

	publish(progress.Finished, "", "task complete")
	return result
}

func (e *Engine) getOne(tok *token.CancelToken, session ftpclient.Session, f candidateFile, localPath string) error {
	if e.deps.Allocator != nil {
		if err := e.deps.Allocator.CheckSpace(localPath, f.size); err != nil {
			return fmt.Errorf("disk space check: %w", err)
		}
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	defer out.Close()

	src, err := session.Retrieve(f.remotePath)
	if err != nil {
		return fmt.Errorf("retrieve %q: %w", f.remotePath, err)
	}
	defer src.Close()

	var dst io.Writer = out
	if e.deps.Limiter != nil {
		dst = &throttledWriter{w: out, limiter: e.deps.Limiter}
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = buf.B[:cap(buf.B)]
	if len(buf.B) == 0 {
		buf.B = make([]byte, 32*1024)
	}

	if _, err := io.CopyBuffer(dst, src, buf.B); err != nil {
		return fmt.Errorf("copy %q: %w", f.remotePath, err)
	}
	return nil
}

func archiveExisting(localPath string) error {
	dir := filepath.Dir(localPath)
	name := filepath.Base(localPath)
	archiveDir := filepath.Join(dir, "Archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return err
	}

	dest := filepath.Join(archiveDir, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)
		for i := 1; ; i++ {
			candidate := filepath.Join(archiveDir, base+"_"+strconv.Itoa(i)+ext)
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				dest = candidate
				break
			}
		}
	}
	return os.Rename(localPath, dest)
}

// matchesAnySpec performs case-insensitive wildcard matching against the
// comma-split fileSpecs list.
func matchesAnySpec(name string, specs []string) bool {
	lowered := strings.ToLower(name)
	for _, spec := range specs {
		if ok, _ := filepath.Match(strings.ToLower(spec), lowered); ok {
			return true
		}
	}
	return false
}

type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	if err := t.limiter.WaitN(context.Background(), len(p)); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}
