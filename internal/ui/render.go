// Package ui renders engine state for the terminal.
package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/ironlog/setsync/internal/autosave"
	"github.com/ironlog/setsync/internal/engine"
	"github.com/ironlog/setsync/internal/schema"
	"github.com/ironlog/setsync/internal/syncer"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dangerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// DirtyMarker flags a value not yet confirmed by the server.
const DirtyMarker = "*"

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// Exercise renders one exercise as a table of sets. Fields listed in dirty
// carry DirtyMarker.
func Exercise(entry *schema.ExerciseCacheEntry, dirty []autosave.Key) string {
	marked := make(map[autosave.Key]bool, len(dirty))
	for _, k := range dirty {
		marked[k] = true
	}
	cell := func(setID string, f schema.Field, s string) string {
		if marked[autosave.Key{ExerciseID: entry.ExerciseID, SetID: setID, Field: f}] {
			return s + DirtyMarker
		}
		return s
	}

	t := newTable("Set", "Target", "Load", "Reps", "RPE", "Rating", "Done", "Notes")
	for _, s := range entry.Sets {
		target := ""
		if s.TargetRepsMax > 0 {
			target = fmt.Sprintf("%d-%d", s.TargetRepsMin, s.TargetRepsMax)
		}
		done := ""
		if s.Completed {
			done = successStyle.Render("✓")
		}
		t.Row(
			s.SetID,
			target,
			cell(s.SetID, schema.FieldActualLoad, formatFloat(s.ActualLoad)),
			cell(s.SetID, schema.FieldActualReps, strconv.Itoa(s.ActualReps)),
			cell(s.SetID, schema.FieldRPE, formatFloatPtr(s.RPE)),
			cell(s.SetID, schema.FieldExecutionRating, formatIntPtr(s.ExecutionRating)),
			done,
			cell(s.SetID, schema.FieldNotes, truncate(deref(s.Notes), 24)),
		)
	}

	name := entry.ExerciseID
	if entry.Name != "" {
		name = fmt.Sprintf("%s (%s)", entry.Name, entry.ExerciseID)
	}
	synced := "never synced"
	if !entry.LastSyncedAt.IsZero() {
		synced = "synced " + entry.LastSyncedAt.Local().Format(time.DateTime)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(name))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%d/%d sets done, %s", entry.CompletedCount(), len(entry.Sets), synced)))
	b.WriteString("\n")
	b.WriteString(t.Render())
	if len(dirty) > 0 {
		b.WriteString("\n")
		b.WriteString(warningStyle.Render(DirtyMarker + " not yet synced"))
	}
	return b.String()
}

// Queue renders pending operations in queue order with their age.
func Queue(ops []schema.PendingOperation, now time.Time) string {
	if len(ops) == 0 {
		return successStyle.Render("Queue is empty")
	}

	t := newTable("Age", "Exercise", "Set", "Field", "Value", "ID")
	for _, op := range ops {
		t.Row(
			Age(now.Sub(op.Timestamp)),
			op.ExerciseID,
			op.SetID,
			string(op.Field),
			truncate(string(op.Value), 24),
			shortID(op.ID),
		)
	}
	return titleStyle.Render(fmt.Sprintf("%d pending operation(s)", len(ops))) + "\n" + t.Render()
}

// Cached renders one row per cached exercise.
func Cached(entries []*schema.ExerciseCacheEntry) string {
	t := newTable("Exercise", "Name", "Sets", "Done", "Last synced")
	for _, e := range entries {
		synced := "never"
		if !e.LastSyncedAt.IsZero() {
			synced = e.LastSyncedAt.Local().Format(time.DateTime)
		}
		t.Row(
			e.ExerciseID,
			e.Name,
			strconv.Itoa(len(e.Sets)),
			strconv.Itoa(e.CompletedCount()),
			synced,
		)
	}
	return t.Render()
}

// Status renders an engine status summary.
func Status(st engine.Status) string {
	var b strings.Builder

	conn := successStyle.Render("online")
	if !st.Online {
		conn = dangerStyle.Render("offline")
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Connectivity:"), conn)
	if st.ProbeError != "" {
		fmt.Fprintf(&b, "  %s\n", mutedStyle.Render("last probe: "+st.ProbeError))
	}

	pending := strconv.Itoa(st.Pending)
	if st.Pending > 0 {
		pending = warningStyle.Render(pending)
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Pending operations:"), pending)
	fmt.Fprintf(&b, "%s %d\n", titleStyle.Render("Cached exercises:"), st.Cached)
	if st.Dirty > 0 || st.Timers > 0 {
		fmt.Fprintf(&b, "%s %d dirty, %d debouncing\n", titleStyle.Render("Unsaved edits:"), st.Dirty, st.Timers)
	}

	last := "never"
	if !st.Sync.LastSuccess.IsZero() {
		last = st.Sync.LastSuccess.Local().Format(time.DateTime)
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Last sync:"), last)
	if st.Sync.LastError != "" {
		fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Last error:"), dangerStyle.Render(st.Sync.LastError))
	}

	fmt.Fprintf(&b, "%s\n", mutedStyle.Render(fmt.Sprintf("db %s, remote %s", st.DBPath, st.RemoteURL)))
	if st.Dashboard != "" {
		fmt.Fprintf(&b, "%s\n", mutedStyle.Render("dashboard ws://"+st.Dashboard+"/ws"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// SyncResult renders the outcome of a flush.
func SyncResult(res syncer.Result, remaining int) string {
	var b strings.Builder
	if res.Operations == 0 {
		b.WriteString(successStyle.Render("Nothing to sync"))
	} else {
		fmt.Fprintf(&b, "%s %d operation(s) in %d payload(s), %d confirmed",
			successStyle.Render("Synced"), res.Operations, res.Sent, len(res.Confirmed))
	}
	for _, rej := range res.Rejected {
		fmt.Fprintf(&b, "\n%s %s/%s: %s", dangerStyle.Render("Rejected"),
			rej.Payload.ExerciseID, rej.Payload.SetID, rej.Error)
	}
	if remaining > 0 {
		fmt.Fprintf(&b, "\n%s", warningStyle.Render(fmt.Sprintf("%d operation(s) still pending", remaining)))
	}
	return b.String()
}

// Age formats d coarsely, e.g. "45s", "12m", "3h", "2d".
func Age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatFloat(*v)
}

func formatIntPtr(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
