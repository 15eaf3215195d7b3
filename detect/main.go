package detect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/config"
	"nyiyui.ca/hato/shirei/feed"
	"nyiyui.ca/hato/shirei/store"
)

// LockChecker reports whether a train is held by an in-flight decision.
type LockChecker interface {
	Held(trainID string) bool
}

// Detector runs Detect against the store and records the results.
type Detector struct {
	store   *store.Store
	signals *feed.Signals
	locks   LockChecker
	policy  config.Detection
	now     func() time.Time

	passLock sync.Mutex
	// prev holds the dedup keys found by the previous pass; nil before the first pass.
	prev map[string]bool
}

func New(s *store.Store, signals *feed.Signals, locks LockChecker, policy config.Detection) *Detector {
	return &Detector{
		store:   s,
		signals: signals,
		locks:   locks,
		policy:  policy,
		now:     time.Now,
	}
}

// Result summarizes one pass.
type Result struct {
	Created   []shirei.Conflict
	Refreshed []shirei.Conflict
	// Suppressed counts conflicts matching one a controller already decided on.
	Suppressed int
	// Held counts conflicts skipped because one of their trains is held.
	Held int
}

// Run calls Pass every detection interval until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.policy.Interval)
	defer ticker.Stop()
	for {
		if _, err := d.Pass(ctx); err != nil {
			zap.S().Errorw("detection pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pass detects conflicts and records them. Platform and junction conflicts involving a
// train held by a decision are left alone for this pass, neither created nor refreshed.
//
// A conflict matching an open one refreshes it. A conflict matching one that was decided
// is not recorded again while the contention persists from pass to pass.
func (d *Detector) Pass(ctx context.Context) (Result, error) {
	d.passLock.Lock()
	defer d.passLock.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	in := Input{
		Now:      d.now(),
		Policy:   d.policy,
		Trains:   d.store.Trains(nil),
		Stations: d.store.Stations(nil),
	}
	if d.signals != nil {
		in.Faults = d.signals.Drain()
	}
	found := Detect(in)

	var res Result
	seen := map[string]bool{}
	err := d.store.Update(func(b *store.Batch) error {
		res = Result{}
		open := map[string]shirei.Conflict{}
		decided := map[string]bool{}
		for _, c := range b.Conflicts(nil) {
			if c.State.Terminal() {
				decided[c.DedupKey()] = true
			} else {
				open[c.DedupKey()] = c
			}
		}
		for _, e := range b.Tombstones(shirei.KindConflict) {
			decided[e.(shirei.Conflict).DedupKey()] = true
		}
		for _, c := range found {
			key := c.DedupKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			// fault reports are drained once, so signal conflicts are recorded regardless
			if c.Kind != shirei.ConflictSignal && d.anyHeld(c.Trains) {
				res.Held++
				continue
			}
			if cur, ok := open[key]; ok {
				cur.Timestamp = c.Timestamp
				cur.Severity = c.Severity
				cur.Description = c.Description
				if _, err := b.Upsert(shirei.KindConflict, cur); err != nil {
					return err
				}
				res.Refreshed = append(res.Refreshed, cur)
				continue
			}
			if decided[key] && (d.prev == nil || d.prev[key]) {
				res.Suppressed++
				continue
			}
			id, err := b.NewID(shirei.KindConflict)
			if err != nil {
				return err
			}
			c.ID = id
			if _, err := b.Upsert(shirei.KindConflict, c); err != nil {
				return err
			}
			res.Created = append(res.Created, c)
			if c.Severity == shirei.SeverityCritical {
				if err := raiseAlert(b, c); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("record conflicts: %w", err)
	}
	d.prev = seen
	for _, c := range res.Created {
		zap.S().Infow("conflict detected",
			"id", c.ID,
			"type", c.Kind,
			"severity", c.Severity,
			"location", c.Location,
			"trains", c.Trains)
	}
	if len(res.Refreshed) > 0 || res.Suppressed > 0 {
		zap.S().Debugw("conflicts re-detected", "refreshed", len(res.Refreshed), "suppressed", res.Suppressed)
	}
	return res, nil
}

func (d *Detector) anyHeld(trains []string) bool {
	if d.locks == nil {
		return false
	}
	for _, id := range trains {
		if d.locks.Held(id) {
			return true
		}
	}
	return false
}

func raiseAlert(b *store.Batch, c shirei.Conflict) error {
	a := shirei.Alert{
		Category:  shirei.AlertSystem,
		Severity:  shirei.SeverityCritical,
		Message:   fmt.Sprintf("Critical %s conflict at %s: %s", c.Kind, c.Location, strings.Join(c.Trains, ", ")),
		Timestamp: c.Timestamp,
		Conflict:  c.ID,
	}
	_, err := b.Upsert(shirei.KindAlert, a)
	return err
}
