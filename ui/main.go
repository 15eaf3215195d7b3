// Package ui is a terminal traffic board that polls a running server.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"nyiyui.ca/hato/shirei"
)

type board struct {
	stats       *widgets.Paragraph
	conflicts   *widgets.List
	suggestions *widgets.List
	trains      *widgets.Table
	alerts      *widgets.List
}

func newBoard() *board {
	b := &board{
		stats:       widgets.NewParagraph(),
		conflicts:   widgets.NewList(),
		suggestions: widgets.NewList(),
		trains:      widgets.NewTable(),
		alerts:      widgets.NewList(),
	}
	b.stats.Title = "shirei"
	b.conflicts.Title = "Conflicts"
	b.conflicts.TextStyle = termui.NewStyle(termui.ColorRed)
	b.suggestions.Title = "Suggestions"
	b.trains.Title = "Trains"
	b.trains.RowSeparator = false
	b.alerts.Title = "Alerts"
	b.alerts.TextStyle = termui.NewStyle(termui.ColorYellow)
	b.resize()
	return b
}

func (b *board) resize() {
	w, h := termui.TerminalDimensions()
	top := 3
	mid := top + (h-top)/3
	bottom := h - (h-top)/4
	b.stats.SetRect(0, 0, w, top)
	b.conflicts.SetRect(0, top, w/2, mid)
	b.suggestions.SetRect(w/2, top, w, mid)
	b.trains.SetRect(0, mid, w, bottom)
	b.alerts.SetRect(0, bottom, w, h)
}

func (b *board) update(s Snapshot) {
	b.stats.Text = statsLine(s)
	b.conflicts.Rows = conflictRows(s.Conflicts)
	b.suggestions.Rows = suggestionRows(s.Suggestions)
	b.trains.Rows = trainRows(s.Trains)
	b.alerts.Rows = alertRows(s.Alerts)
}

func (b *board) render() {
	termui.Render(b.stats, b.conflicts, b.suggestions, b.trains, b.alerts)
}

func statsLine(s Snapshot) string {
	st := s.Stats
	return fmt.Sprintf("%d/%d running  %.1f%% on time  avg delay %.1f min  %d open conflicts  %d pending  %d unread  (%s)",
		st.ActiveTrains, st.Trains, st.OnTimePercent, st.AverageDelay,
		len(s.Conflicts), st.PendingSuggestions, st.UnreadAlerts,
		time.Now().Format("15:04:05"))
}

func conflictRows(cs []shirei.Conflict) []string {
	rows := make([]string, 0, len(cs))
	for _, c := range cs {
		rows = append(rows, fmt.Sprintf("%s %-8s %-8s %-8s %s", c.ID, strings.ToUpper(string(c.Severity)), c.Kind, c.Location, strings.Join(c.Trains, ",")))
	}
	return rows
}

func suggestionRows(ss []shirei.TrafficSuggestion) []string {
	rows := make([]string, 0, len(ss))
	for _, s := range ss {
		row := fmt.Sprintf("%s %-12s %s +%dmin", s.ID, s.Action, s.AffectedTrain, s.EstimatedDelay)
		if s.Beneficiary != "" {
			row += " for " + s.Beneficiary
		}
		rows = append(rows, row)
	}
	return rows
}

func trainRows(ts []shirei.Train) [][]string {
	rows := [][]string{{"ID", "Name", "Priority", "From", "To", "Speed", "Delay", "Status"}}
	for _, t := range ts {
		rows = append(rows, []string{
			t.ID,
			t.Name,
			fmt.Sprintf("%d %s", t.Priority, shirei.PriorityLabel(t.Priority)),
			t.CurrentStation,
			t.NextStation,
			fmt.Sprintf("%.0f", t.CurrentSpeed),
			fmt.Sprintf("%d", t.Delay),
			string(t.Status),
		})
	}
	return rows
}

func alertRows(as []shirei.Alert) []string {
	rows := make([]string, 0, len(as))
	for _, a := range as {
		rows = append(rows, fmt.Sprintf("[%s] %s", a.Category, a.Message))
	}
	return rows
}

// Main runs the board against the server at base until ctx is done or the user quits.
func Main(ctx context.Context, base string, interval time.Duration) error {
	err := termui.Init()
	if err != nil {
		return fmt.Errorf("termui init: %w", err)
	}
	defer termui.Close()

	b := newBoard()
	c := NewClient(base)
	refresh := func() {
		s, err := c.Snapshot(ctx)
		if err != nil {
			b.stats.Text = err.Error()
		} else {
			b.update(s)
		}
		b.render()
	}
	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	events := termui.PollEvents()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				b.resize()
				termui.Clear()
				b.render()
			}
		case <-ticker.C:
			refresh()
		}
	}
}
