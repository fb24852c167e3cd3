// Package template expands the `<TAG>` literal-substitution expressions
// used in remotePath, directoryNamingExpression, and external-operation
// command templates (spec.md §6, §9).
package template

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasttemplate"
)

// Context supplies the per-expansion values a template may reference.
type Context struct {
	DeviceName       string
	DeviceAcronym    string
	DeviceFolderName string
	ProfileName      string
	DeviceID         uint
	TaskID           uint
	DeviceFolderPath string
	Now              time.Time
}

// Expand substitutes every `<TAG>` occurrence in expr against ctx. The
// presence of "<Day DD-1>" shifts every date token in the expression back
// by one day — detected before substitution so the whole expression
// shifts consistently (§9).
func Expand(expr string, ctx Context) string {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	if strings.Contains(expr, "<Day DD-1>") {
		now = now.AddDate(0, 0, -1)
	}

	t, err := fasttemplate.NewTemplate(expr, "<", ">")
	if err != nil {
		// Malformed template (unbalanced tag): return unexpanded, the
		// caller will surface the failure when the resulting path can't
		// be used.
		return expr
	}

	out, _ := t.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		return io.WriteString(w, resolveTag(tag, ctx, now))
	})
	return out
}

func resolveTag(tag string, ctx Context, now time.Time) string {
	switch {
	case tag == "YYYY":
		return fmt.Sprintf("%04d", now.Year())
	case tag == "YY":
		return fmt.Sprintf("%02d", now.Year()%100)
	case tag == "MM":
		return fmt.Sprintf("%02d", int(now.Month()))
	case tag == "DD":
		return fmt.Sprintf("%02d", now.Day())
	case tag == "Day DD-1":
		// shift already applied to `now`; render as a plain day token
		return fmt.Sprintf("%02d", now.Day())
	case strings.HasPrefix(tag, "Month "):
		return "Month " + renderDigits(strings.TrimPrefix(tag, "Month "), int(now.Month()))
	case strings.HasPrefix(tag, "Day "):
		return "Day " + renderDigits(strings.TrimPrefix(tag, "Day "), now.Day())
	case tag == "DeviceName":
		return ctx.DeviceName
	case tag == "DeviceAcronym":
		return ctx.DeviceAcronym
	case tag == "DeviceFolderName":
		return ctx.DeviceFolderName
	case tag == "ProfileName":
		return ctx.ProfileName
	case tag == "DeviceID":
		return strconv.FormatUint(uint64(ctx.DeviceID), 10)
	case tag == "TaskID":
		return strconv.FormatUint(uint64(ctx.TaskID), 10)
	case tag == "DeviceFolderPath":
		return ctx.DeviceFolderPath
	default:
		// Unknown tag: pass through literally, bracketed, so authoring
		// mistakes are visible in the resulting path rather than silently
		// dropped.
		return "<" + tag + ">"
	}
}

// renderDigits pads value to the width implied by a digit-only suffix
// like "DD" or "DD-1" (the "-1" is cosmetic here; the actual shift is
// applied once to `now` before any token renders).
func renderDigits(suffix string, value int) string {
	width := 0
	for _, r := range suffix {
		if r >= '0' && r <= '9' {
			width++
		} else {
			break
		}
	}
	if width == 0 {
		width = 2
	}
	return fmt.Sprintf("%0*d", width, value)
}
