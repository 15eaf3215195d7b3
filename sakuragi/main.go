// Package sakuragi renders the traffic board page.
package sakuragi

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/Masterminds/sprig/v3"
	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/api"
	"nyiyui.ca/hato/shirei/store"
)

//go:embed index.html
var templates embed.FS

type Board struct {
	store *store.Store
	t     *template.Template
	now   func() time.Time
}

func New(s *store.Store) *Board {
	return &Board{
		store: s,
		t: template.Must(template.New("index").Funcs(sprig.FuncMap()).Funcs(template.FuncMap{
			"priorityLabel": shirei.PriorityLabel,
		}).ParseFS(templates, "*.html")),
		now: time.Now,
	}
}

func (b *Board) data() map[string]any {
	s := b.store
	trains := s.Trains(nil)
	stations := s.Stations(nil)
	conflicts := s.Conflicts(func(c shirei.Conflict) bool { return c.State == shirei.ConflictOpen })
	suggestions := s.Suggestions(func(ts shirei.TrafficSuggestion) bool { return ts.State == shirei.SuggestionPending })
	alerts := s.Alerts(nil)
	unread := make([]shirei.Alert, 0, len(alerts))
	for _, a := range alerts {
		if !a.Read {
			unread = append(unread, a)
		}
	}
	return map[string]any{
		"now":         b.now(),
		"stats":       api.ComputeStats(trains, stations, s.Conflicts(nil), s.Suggestions(nil), alerts),
		"trains":      trains,
		"stations":    stations,
		"conflicts":   conflicts,
		"suggestions": suggestions,
		"alerts":      unread,
	}
}

func (b *Board) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := b.t.ExecuteTemplate(&buf, "index", b.data()); err != nil {
		zap.S().Errorw("sakuragi: render board", "error", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}
