// Package dialup drives a PPP dial-up link through the OS's own dialer.
// No third-party Go client for PPP dial-up exists in the retrieved
// example pack (DESIGN.md "Stdlib-only justifications"), so this wraps
// os/exec directly.
package dialup

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// Dialer opens and closes a named dial-up entry (a modem connection
// profile configured at the OS level).
type Dialer interface {
	Dial(ctx context.Context, entryName string, timeout time.Duration) error
	Hangup(entryName string) error
}

// OSDialer shells out to the platform's dial-up tooling: rasdial on
// Windows, pppd elsewhere.
type OSDialer struct{}

func NewOSDialer() *OSDialer { return &OSDialer{} }

func (d *OSDialer) Dial(ctx context.Context, entryName string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := dialCommand(ctx, entryName)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("dial %q: %w (%s)", entryName, err, out)
	}
	return nil
}

func (d *OSDialer) Hangup(entryName string) error {
	cmd := hangupCommand(entryName)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hangup %q: %w (%s)", entryName, err, out)
	}
	return nil
}

func dialCommand(ctx context.Context, entryName string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "rasdial", entryName)
	}
	return exec.CommandContext(ctx, "pon", entryName)
}

func hangupCommand(entryName string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("rasdial", entryName, "/disconnect")
	}
	return exec.Command("poff", entryName)
}
