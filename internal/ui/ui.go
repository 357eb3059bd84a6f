// Package ui renders sync status for the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/adrata/desktop-sync/internal/engine"
	"github.com/adrata/desktop-sync/internal/ledger"
	"github.com/adrata/desktop-sync/internal/syncdb"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func stateStyle(state string) lipgloss.Style {
	switch state {
	case ledger.StateError, ledger.StateConflict:
		return errStyle
	case ledger.StatePending:
		return warnStyle
	case ledger.StateSynced:
		return okStyle
	default:
		return dimStyle
	}
}

// RenderStatus formats an engine-wide status snapshot.
func RenderStatus(snap ledger.Snapshot) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Sync status"))
	b.WriteString("\n\n")

	for _, t := range snap.Tables {
		b.WriteString(fmt.Sprintf("  %-20s %s  %d records, %d dirty, %d queued, %d conflicts\n",
			t.Table,
			stateStyle(t.State).Render(fmt.Sprintf("%-12s", t.State)),
			t.Records, t.Dirty,
			t.Queue.Pending+t.Queue.InProgress,
			t.Conflicts))
		if !t.LastIncrementalSync.IsZero() {
			b.WriteString(dimStyle.Render(fmt.Sprintf("    last pull %s ago\n",
				time.Since(t.LastIncrementalSync).Round(time.Second))))
		}
	}

	b.WriteString("\n")
	health := okStyle
	switch snap.QueueHealth {
	case syncdb.QueueWarning:
		health = warnStyle
	case syncdb.QueueCritical:
		health = errStyle
	}
	b.WriteString(fmt.Sprintf("  Queue: %d pending, %d in progress, %d failed (%s)\n",
		snap.Queue.Pending, snap.Queue.InProgress, snap.Queue.Failed,
		health.Render(string(snap.QueueHealth))))
	b.WriteString(fmt.Sprintf("  Conflicts: %d unresolved, %d resolved, %d superseded\n",
		snap.Conflicts.Unresolved,
		snap.Conflicts.LocalWins+snap.Conflicts.RemoteWins+snap.Conflicts.Merged+snap.Conflicts.Manual,
		snap.Conflicts.Superseded))
	if snap.Online {
		b.WriteString(fmt.Sprintf("  Endpoint: %s\n", okStyle.Render("online")))
	} else {
		b.WriteString(fmt.Sprintf("  Endpoint: %s\n", dimStyle.Render("offline")))
	}
	return b.String()
}

// RenderConflicts formats the unresolved conflict inbox.
func RenderConflicts(conflicts []*syncdb.Conflict) string {
	if len(conflicts) == 0 {
		return okStyle.Render("No unresolved conflicts") + "\n"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%d unresolved conflicts", len(conflicts))))
	b.WriteString("\n\n")
	for _, c := range conflicts {
		b.WriteString(fmt.Sprintf("  #%-5d %s/%s  local v%d vs remote v%d  %s\n",
			c.ID, c.Table, c.RecordID, c.LocalVersion, c.RemoteVersion,
			dimStyle.Render(c.CreatedAt.Local().Format("2006-01-02 15:04"))))
	}
	return b.String()
}

// RenderReport formats a foreground sync cycle report.
func RenderReport(r engine.Report) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Pushed %d, pulled %d in %s\n",
		r.Pushed, r.Pulled, r.Duration.Round(time.Millisecond)))
	if r.PushRetried > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("%d pushes rescheduled for retry\n", r.PushRetried)))
	}
	if r.PushFailed > 0 {
		b.WriteString(errStyle.Render(fmt.Sprintf("%d pushes failed\n", r.PushFailed)))
	}
	if r.Conflicts > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("%d conflicts detected, %d auto-resolved\n",
			r.Conflicts, r.Resolved)))
	}
	return b.String()
}
