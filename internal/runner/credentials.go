package runner

import (
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"meterfleet/internal/transfer"
)

// credentialCache tracks which UNC shares this process has already
// authenticated against, so repeated runs against the same share don't
// re-issue a `net use` for every task (spec.md §4.7 step 2, supplemented:
// UNC credential caching).
type credentialCache struct {
	mu         sync.Mutex
	authorized map[string]bool
}

// ensureUNCCredentials establishes Windows UNC share credentials once per
// process lifetime for tasks whose localPath is a UNC path and carries
// auth. It is a no-op for local paths, for tasks with no auth configured,
// and (functionally) on non-Windows platforms, where `net use` has no
// equivalent and the OS resolves any already-mounted share directly.
func (r *Runner) ensureUNCCredentials(task transfer.Task) {
	path := task.Settings.LocalPath
	if !strings.HasPrefix(path, `\\`) || task.Settings.DirectoryAuthUserName == "" {
		return
	}
	share := uncShareRoot(path)

	r.credCache.mu.Lock()
	if r.credCache.authorized == nil {
		r.credCache.authorized = make(map[string]bool)
	}
	if r.credCache.authorized[share] {
		r.credCache.mu.Unlock()
		return
	}
	r.credCache.authorized[share] = true
	r.credCache.mu.Unlock()

	if runtime.GOOS != "windows" {
		return
	}
	cmd := exec.Command("net", "use", share, "/user:"+task.Settings.DirectoryAuthUserName, task.Settings.DirectoryAuthPassword)
	if out, err := cmd.CombinedOutput(); err != nil {
		r.deps.Logger.Warn("UNC credential establishment failed", "share", share, "error", err, "output", string(out))
	}
}

// uncShareRoot returns \\host\share from \\host\share\sub\dir...
func uncShareRoot(path string) string {
	trimmed := strings.TrimPrefix(path, `\\`)
	parts := strings.SplitN(trimmed, `\`, 3)
	if len(parts) < 2 {
		return path
	}
	return `\\` + parts[0] + `\` + parts[1]
}
