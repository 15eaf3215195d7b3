// Package seed holds a sample network: six stations, fifteen trains and the conflicts,
// alerts and suggestions of a busy morning in the Delhi region.
package seed

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/config"
	"nyiyui.ca/hato/shirei/store"
)

//go:embed sample.json
var sampleData []byte

type agedConflict struct {
	shirei.Conflict
	AgeMinutes int `json:"ageMinutes"`
}

type agedAlert struct {
	shirei.Alert
	AgeMinutes int `json:"ageMinutes"`
}

// Data is a complete network. Timestamps are relative to when it is loaded.
type Data struct {
	Stations []shirei.Station `json:"stations"`
	Segments []shirei.Segment `json:"segments"`
	// Trains with a zero priority get the default for their type.
	Trains      []shirei.Train             `json:"trains"`
	Conflicts   []agedConflict             `json:"conflicts"`
	Alerts      []agedAlert                `json:"alerts"`
	Suggestions []shirei.TrafficSuggestion `json:"suggestions"`
}

// Sample returns the embedded sample network.
func Sample() (Data, error) {
	var d Data
	dec := json.NewDecoder(bytes.NewReader(sampleData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Data{}, fmt.Errorf("parse sample: %w", err)
	}
	return d, nil
}

// Entities returns every record in d as of now.
func (d Data) Entities(p config.Priority, now time.Time) []shirei.Entity {
	var es []shirei.Entity
	for _, s := range d.Stations {
		es = append(es, s)
	}
	for _, t := range d.Trains {
		if t.Priority == 0 {
			t.Priority = p.For(t.Type)
		}
		if len(t.Route) == 0 && t.CurrentStation != "" && t.NextStation != "" {
			t.Route = []string{t.CurrentStation, t.NextStation}
		}
		es = append(es, t)
	}
	for _, c := range d.Conflicts {
		cc := c.Conflict
		cc.Timestamp = now.Add(-time.Duration(c.AgeMinutes) * time.Minute)
		if cc.State == "" {
			cc.State = shirei.ConflictOpen
		}
		es = append(es, cc)
	}
	for _, a := range d.Alerts {
		aa := a.Alert
		aa.Timestamp = now.Add(-time.Duration(a.AgeMinutes) * time.Minute)
		es = append(es, aa)
	}
	for _, s := range d.Suggestions {
		if s.State == "" {
			s.State = shirei.SuggestionPending
		}
		s.CreatedAt = now
		es = append(es, s)
	}
	return es
}

// Load stores d as of now. It does nothing and returns false if the store already has
// trains or stations.
func (d Data) Load(s *store.Store, p config.Priority, now time.Time) (bool, error) {
	loaded := false
	err := s.Update(func(b *store.Batch) error {
		if len(b.Trains(nil)) > 0 || len(b.Stations(nil)) > 0 {
			return nil
		}
		for _, e := range d.Entities(p, now) {
			if _, err := b.Upsert(e.EntityKind(), e); err != nil {
				return fmt.Errorf("seed %s %s: %w", e.EntityKind(), e.EntityID(), err)
			}
		}
		loaded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if loaded {
		zap.S().Infow("seeded sample network",
			"stations", len(d.Stations),
			"trains", len(d.Trains),
			"conflicts", len(d.Conflicts),
			"alerts", len(d.Alerts),
			"suggestions", len(d.Suggestions))
	} else {
		zap.S().Infow("store not empty, not seeding")
	}
	return loaded, nil
}
