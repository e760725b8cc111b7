// Package summary renders the one-line, human-readable exit summary
// printed by cmd/uringsync, reusing the teacher's Catppuccin-flavored
// lipgloss palette (spec's Non-goals exclude a live progress UI, not a
// colored one-line result at exit).
package summary

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bamsammich/uringsync/internal/stats"
)

var (
	colorGreen = lipgloss.Color("#a6e3a1")
	colorRed   = lipgloss.Color("#f38ba8")
	colorMuted = lipgloss.Color("#5a6278")

	styleOK     = lipgloss.NewStyle().Bold(true).Foreground(colorGreen)
	styleFailed = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	styleMuted  = lipgloss.NewStyle().Foreground(colorMuted)
)

// Line renders snap as a single colorized line, colored green on full
// success and red when any file failed.
func Line(snap stats.Snapshot) string {
	status := styleOK.Render("done")
	if snap.ExitFailed() {
		status = styleFailed.Render("failed")
	}

	return fmt.Sprintf(
		"%s %s %s/%s files, %s/%s copied, %s",
		status,
		styleMuted.Render("·"),
		styleMuted.Render(fmt.Sprintf("%d", snap.FilesCompleted)),
		styleMuted.Render(fmt.Sprintf("%d", snap.FilesTotal)),
		stats.FormatBytes(snap.BytesCopied),
		stats.FormatBytes(snap.BytesTotal),
		styleMuted.Render(snap.Elapsed.Round(time.Millisecond).String()),
	)
}
