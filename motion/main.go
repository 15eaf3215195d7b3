// Package motion moves trains along their itineraries for demonstrations. It is seeded,
// so a run is reproducible.
package motion

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/config"
	"nyiyui.ca/hato/shirei/store"
)

// LockChecker reports whether a train is held by an in-flight decision.
type LockChecker interface {
	Held(trainID string) bool
}

type Simulator struct {
	store     *store.Store
	locks     LockChecker
	policy    config.Motion
	kmPerUnit float64

	lock sync.Mutex
	rand *rand.Rand
}

func New(s *store.Store, locks LockChecker, policy config.Motion, kmPerUnit float64) *Simulator {
	return &Simulator{
		store:     s,
		locks:     locks,
		policy:    policy,
		kmPerUnit: kmPerUnit,
		rand:      rand.New(rand.NewSource(policy.Seed)),
	}
}

// jitter returns a uniform value in [-j, j].
func (m *Simulator) jitter(j float64) float64 {
	return (m.rand.Float64()*2 - 1) * j
}

// Step advances trains by dt. Only running trains move; any other train stands still
// with zero speed. A train reaching its next station continues along its route, or stops
// there if the route ends.
func (m *Simulator) Step(trains []shirei.Train, stations []shirei.Station, dt time.Duration) []shirei.Train {
	m.lock.Lock()
	defer m.lock.Unlock()
	pos := map[string]shirei.Point{}
	for _, s := range stations {
		pos[s.ID] = s.Position
	}
	res := make([]shirei.Train, 0, len(trains))
	for _, t := range trains {
		t = t.Clone()
		if t.Status != shirei.StatusRunning {
			t.CurrentSpeed = 0
			res = append(res, t)
			continue
		}
		t.CurrentSpeed = math.Min(t.MaxSpeed, math.Max(1, t.CurrentSpeed+m.jitter(m.policy.SpeedJitter)))
		target, ok := pos[t.NextStation]
		if !ok {
			res = append(res, t)
			continue
		}
		step := t.CurrentSpeed * dt.Hours() / m.kmPerUnit
		remaining := t.Position.Dist(target)
		if step >= remaining {
			arrive(&t, target)
			res = append(res, t)
			continue
		}
		f := step / remaining
		t.Position = shirei.Point{
			X: t.Position.X + (target.X-t.Position.X)*f + m.jitter(m.policy.Jitter),
			Y: t.Position.Y + (target.Y-t.Position.Y)*f + m.jitter(m.policy.Jitter),
		}
		res = append(res, t)
	}
	return res
}

func arrive(t *shirei.Train, at shirei.Point) {
	t.Position = at
	station := t.NextStation
	next, ok := t.After(station)
	t.CurrentStation = station
	if i := slices.Index(t.Route, station); i != -1 {
		t.Route = t.Route[i:]
	} else {
		t.Route = nil
	}
	if !ok {
		t.NextStation = ""
		t.CurrentSpeed = 0
		t.Status = shirei.StatusStopped
		return
	}
	t.NextStation = next
}

// Tick moves every train not held by a decision by dt and stores the result.
func (m *Simulator) Tick(ctx context.Context, dt time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	trains := m.store.Trains(func(t shirei.Train) bool {
		return m.locks == nil || !m.locks.Held(t.ID)
	})
	moved := m.Step(trains, m.store.Stations(nil), dt)
	return m.store.Update(func(b *store.Batch) error {
		for i, t := range moved {
			cur, err := b.Train(t.ID)
			if err != nil {
				// removed since the snapshot
				continue
			}
			// a decision committed since the snapshot wins
			if !cmpTrain(cur, trains[i]) {
				continue
			}
			if _, err := b.Upsert(shirei.KindTrain, t); err != nil {
				zap.S().Warnw("train not moved", "train", t.ID, "error", err)
			}
		}
		return nil
	})
}

// cmpTrain reports whether the fields a decision may change are equal.
func cmpTrain(a, b shirei.Train) bool {
	return a.Status == b.Status && a.Delay == b.Delay && a.NextStation == b.NextStation && slices.Equal(a.Route, b.Route)
}

// Run calls Tick every motion interval until ctx is done.
func (m *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := m.Tick(ctx, m.policy.Interval); err != nil {
			zap.S().Errorw("motion tick failed", "error", err)
		}
	}
}
