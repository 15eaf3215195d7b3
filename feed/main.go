// Package feed adapts external reports (signal/track faults, weather) into the core.
package feed

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei"
)

const signalBacklog = 256

// FaultReport is a raw signal or track fault.
type FaultReport struct {
	// Location is a station id or a segment ("A-B").
	Location    string          `json:"location"`
	Severity    shirei.Severity `json:"severity"`
	Trains      []string        `json:"trains,omitempty"`
	Description string          `json:"description"`
	Time        time.Time       `json:"time"`
}

func (r FaultReport) Check() error {
	if strings.TrimSpace(r.Location) == "" {
		return fmt.Errorf("fault report: no location: %w", shirei.ErrInvalid)
	}
	if r.Severity.Rank() == 0 {
		return fmt.Errorf("fault report: unknown severity %q: %w", r.Severity, shirei.ErrInvalid)
	}
	return nil
}

// Segment parses Location as a segment.
func (r FaultReport) Segment() (shirei.Segment, bool) {
	a, b, ok := strings.Cut(r.Location, "-")
	if !ok || a == "" || b == "" {
		return shirei.Segment{}, false
	}
	return shirei.Segment{A: a, B: b}, true
}

var ErrBacklogFull = errors.New("signal backlog full")

// Signals buffers fault reports until the detector drains them.
type Signals struct {
	lock    sync.Mutex
	pending []FaultReport
}

func NewSignals() *Signals {
	return &Signals{}
}

// Push queues r. It never blocks.
func (s *Signals) Push(r FaultReport) error {
	if err := r.Check(); err != nil {
		return err
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.pending) >= signalBacklog {
		zap.S().Warnw("dropping fault report", "location", r.Location)
		return ErrBacklogFull
	}
	s.pending = append(s.pending, r)
	return nil
}

// Drain returns and forgets every queued report, oldest first.
func (s *Signals) Drain() []FaultReport {
	s.lock.Lock()
	defer s.lock.Unlock()
	res := s.pending
	s.pending = nil
	return res
}

type WeatherReport struct {
	Region   string          `json:"region"`
	Severity shirei.Severity `json:"severity"`
	Message  string          `json:"message"`
}

// AlertSink stores alerts; *store.Store is one.
type AlertSink interface {
	Upsert(kind shirei.Kind, e shirei.Entity) (shirei.Entity, error)
	NewID(kind shirei.Kind) (string, error)
}

// Weather turns weather reports into weather alerts.
type Weather struct {
	sink AlertSink
	now  func() time.Time
}

func NewWeather(sink AlertSink) *Weather {
	return &Weather{sink: sink, now: time.Now}
}

// Report stores an alert for r and returns it.
func (w *Weather) Report(r WeatherReport) (shirei.Alert, error) {
	if r.Severity.Rank() == 0 {
		return shirei.Alert{}, fmt.Errorf("weather report: unknown severity %q: %w", r.Severity, shirei.ErrInvalid)
	}
	if strings.TrimSpace(r.Message) == "" {
		return shirei.Alert{}, fmt.Errorf("weather report: no message: %w", shirei.ErrInvalid)
	}
	id, err := w.sink.NewID(shirei.KindAlert)
	if err != nil {
		return shirei.Alert{}, err
	}
	msg := r.Message
	if r.Region != "" {
		msg = fmt.Sprintf("%s: %s", r.Region, r.Message)
	}
	a := shirei.Alert{
		ID:        id,
		Category:  shirei.AlertWeather,
		Severity:  r.Severity,
		Message:   msg,
		Timestamp: w.now(),
	}
	if _, err := w.sink.Upsert(shirei.KindAlert, a); err != nil {
		return shirei.Alert{}, err
	}
	zap.S().Infow("weather alert", "id", id, "severity", r.Severity, "region", r.Region)
	return a, nil
}
