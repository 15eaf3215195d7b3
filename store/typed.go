package store

import (
	"fmt"

	"nyiyui.ca/hato/shirei"
)

type getter interface {
	Get(kind shirei.Kind, id string) (shirei.Entity, error)
}

func get[E shirei.Entity](g getter, kind shirei.Kind, id string) (E, error) {
	var zero E
	e, err := g.Get(kind, id)
	if err != nil {
		return zero, err
	}
	v, ok := e.(E)
	if !ok {
		return zero, fmt.Errorf("%s %s: stored as %T: %w", kind, id, e, shirei.ErrInvalidKind)
	}
	return v, nil
}

func list[E shirei.Entity](s *Store, kind shirei.Kind, filter func(E) bool) []E {
	es, _ := s.List(kind, func(e shirei.Entity) bool {
		v, ok := e.(E)
		return ok && (filter == nil || filter(v))
	})
	res := make([]E, len(es))
	for i, e := range es {
		res[i] = e.(E)
	}
	return res
}

func (s *Store) Train(id string) (shirei.Train, error) {
	return get[shirei.Train](s, shirei.KindTrain, id)
}

func (s *Store) Trains(filter func(shirei.Train) bool) []shirei.Train {
	return list(s, shirei.KindTrain, filter)
}

func (s *Store) Station(id string) (shirei.Station, error) {
	return get[shirei.Station](s, shirei.KindStation, id)
}

func (s *Store) Stations(filter func(shirei.Station) bool) []shirei.Station {
	return list(s, shirei.KindStation, filter)
}

func (s *Store) Conflict(id string) (shirei.Conflict, error) {
	return get[shirei.Conflict](s, shirei.KindConflict, id)
}

func (s *Store) Conflicts(filter func(shirei.Conflict) bool) []shirei.Conflict {
	return list(s, shirei.KindConflict, filter)
}

func (s *Store) Alert(id string) (shirei.Alert, error) {
	return get[shirei.Alert](s, shirei.KindAlert, id)
}

func (s *Store) Alerts(filter func(shirei.Alert) bool) []shirei.Alert {
	return list(s, shirei.KindAlert, filter)
}

func (s *Store) Suggestion(id string) (shirei.TrafficSuggestion, error) {
	return get[shirei.TrafficSuggestion](s, shirei.KindSuggestion, id)
}

func (s *Store) Suggestions(filter func(shirei.TrafficSuggestion) bool) []shirei.TrafficSuggestion {
	return list(s, shirei.KindSuggestion, filter)
}

func (b *Batch) Train(id string) (shirei.Train, error) {
	return get[shirei.Train](b, shirei.KindTrain, id)
}

func (b *Batch) Station(id string) (shirei.Station, error) {
	return get[shirei.Station](b, shirei.KindStation, id)
}

func (b *Batch) Conflict(id string) (shirei.Conflict, error) {
	return get[shirei.Conflict](b, shirei.KindConflict, id)
}

func (b *Batch) Alert(id string) (shirei.Alert, error) {
	return get[shirei.Alert](b, shirei.KindAlert, id)
}

func (b *Batch) Suggestion(id string) (shirei.TrafficSuggestion, error) {
	return get[shirei.TrafficSuggestion](b, shirei.KindSuggestion, id)
}

func batchList[E shirei.Entity](b *Batch, kind shirei.Kind, filter func(E) bool) []E {
	m := map[string]shirei.Entity{}
	for id, e := range b.s.records[kind] {
		m[id] = e
	}
	for r, e := range b.staged {
		if r.kind == kind {
			m[r.id] = e
		}
	}
	es := sorted(m, func(e shirei.Entity) bool {
		v, ok := e.(E)
		return ok && (filter == nil || filter(v))
	})
	res := make([]E, len(es))
	for i, e := range es {
		res[i] = e.(E)
	}
	return res
}

// Trains lists trains including writes staged on b, ordered by id.
func (b *Batch) Trains(filter func(shirei.Train) bool) []shirei.Train {
	return batchList(b, shirei.KindTrain, filter)
}

func (b *Batch) Stations(filter func(shirei.Station) bool) []shirei.Station {
	return batchList(b, shirei.KindStation, filter)
}

func (b *Batch) Conflicts(filter func(shirei.Conflict) bool) []shirei.Conflict {
	return batchList(b, shirei.KindConflict, filter)
}

func (b *Batch) Alerts(filter func(shirei.Alert) bool) []shirei.Alert {
	return batchList(b, shirei.KindAlert, filter)
}

func (b *Batch) Suggestions(filter func(shirei.TrafficSuggestion) bool) []shirei.TrafficSuggestion {
	return batchList(b, shirei.KindSuggestion, filter)
}

// Tombstones is like Store.Tombstones, including removals staged on b.
func (b *Batch) Tombstones(kind shirei.Kind) []shirei.Entity {
	m := map[string]shirei.Entity{}
	for id, e := range b.s.retired[kind] {
		m[id] = e
	}
	for r, e := range b.retire {
		if r.kind == kind {
			m[r.id] = e
		}
	}
	return sorted(m, nil)
}
