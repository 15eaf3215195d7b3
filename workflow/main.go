// Package workflow applies controller decisions to conflicts and suggestions.
//
// Decisions on one conflict or suggestion are serialized; the first to commit wins and
// later ones observe its terminal state. Trains implicated in a decision are held in
// Locks until the decision is committed.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/audit"
	"nyiyui.ca/hato/shirei/routing"
	"nyiyui.ca/hato/shirei/store"
	"nyiyui.ca/hato/shirei/suggest"
)

type Workflow struct {
	store   *store.Store
	router  routing.Router
	trains  *Locks
	records *Locks
	audit   *audit.Logger
	now     func() time.Time
}

// New returns a Workflow. trains is shared with the detection and suggestion passes;
// router and log may be nil.
func New(s *store.Store, router routing.Router, trains *Locks, log *audit.Logger) *Workflow {
	if trains == nil {
		trains = NewLocks()
	}
	return &Workflow{
		store:   s,
		router:  router,
		trains:  trains,
		records: NewLocks(),
		audit:   log,
		now:     time.Now,
	}
}

// Locks returns the per-train advisory locks.
func (w *Workflow) Locks() *Locks {
	return w.trains
}

func (w *Workflow) record(e audit.Entry, err error) {
	switch {
	case err != nil:
		e.Outcome = audit.OutcomeRefused
		e.Error = err.Error()
		zap.S().Warnw("decision refused", "action", e.Action, "target", e.Target, "decision", e.Decision, "error", err)
	case e.Outcome == "":
		e.Outcome = audit.OutcomeApplied
		zap.S().Infow("decision applied", "action", e.Action, "target", e.Target, "decision", e.Decision, "trains", e.Trains)
	default:
		zap.S().Infow("decision repeated", "action", e.Action, "target", e.Target)
	}
	if w.audit == nil {
		return
	}
	if _, err := w.audit.Record(e); err != nil {
		zap.S().Errorw("writing audit entry failed", "error", err)
	}
}

// lookupConflict returns the conflict, ErrAlreadyResolved if it was removed after a
// decision, and ErrNotFound otherwise.
func lookupConflict(b *store.Batch, id string) (shirei.Conflict, error) {
	c, err := b.Conflict(id)
	if errors.Is(err, shirei.ErrNotFound) {
		if _, ok := b.Tombstone(shirei.KindConflict, id); ok {
			return shirei.Conflict{}, fmt.Errorf("conflict %s: %w", id, shirei.ErrAlreadyResolved)
		}
	}
	return c, err
}

func (w *Workflow) conflict(id string) (shirei.Conflict, error) {
	c, err := w.store.Conflict(id)
	if errors.Is(err, shirei.ErrNotFound) {
		if _, ok := w.store.Tombstone(shirei.KindConflict, id); ok {
			return shirei.Conflict{}, fmt.Errorf("conflict %s: %w", id, shirei.ErrAlreadyResolved)
		}
	}
	return c, err
}

// affected returns the train a hold or reroute of c applies to: the affected train of
// c's pending suggestion if there is one, else the one the suggestion rule picks.
func (w *Workflow) affected(c shirei.Conflict) (shirei.Train, error) {
	var avoid []string
	pending := w.store.Suggestions(func(s shirei.TrafficSuggestion) bool { return s.Conflict == c.ID })
	for i := len(pending) - 1; i >= 0; i-- {
		switch s := pending[i]; s.State {
		case shirei.SuggestionPending:
			return w.store.Train(s.AffectedTrain)
		case shirei.SuggestionRejected:
			avoid = append(avoid, s.AffectedTrain)
		}
	}
	var trains []shirei.Train
	for _, id := range c.Trains {
		t, err := w.store.Train(id)
		if errors.Is(err, shirei.ErrNotFound) {
			continue
		}
		if err != nil {
			return shirei.Train{}, err
		}
		trains = append(trains, t)
	}
	_, aff, ok := suggest.Roles(trains, avoid)
	if !ok {
		return shirei.Train{}, fmt.Errorf("conflict %s: no implicated train: %w", c.ID, shirei.ErrNotFound)
	}
	return aff, nil
}

// Decide applies a controller decision to an open conflict.
//
// allow removes the conflict and changes no train. hold stops the affected train and
// keeps the conflict as held. reroute moves the affected train onto a route avoiding the
// contested segment and keeps the conflict as rerouted.
func (w *Workflow) Decide(ctx context.Context, conflictID string, d shirei.Decision) (res shirei.Conflict, err error) {
	entry := audit.Entry{Action: "decide", Target: conflictID, Decision: string(d)}
	defer func() { w.record(entry, err) }()
	if err := ctx.Err(); err != nil {
		return shirei.Conflict{}, err
	}
	d, err = shirei.ParseDecision(string(d))
	if err != nil {
		return shirei.Conflict{}, err
	}
	entry.Decision = string(d)
	release := w.records.Acquire("conflict:" + conflictID)
	defer release()

	c, err := w.conflict(conflictID)
	if err != nil {
		return shirei.Conflict{}, err
	}
	if c.State.Terminal() {
		return shirei.Conflict{}, fmt.Errorf("conflict %s is %s: %w", c.ID, c.State, shirei.ErrAlreadyResolved)
	}
	releaseTrains := w.trains.Acquire(c.Trains...)
	defer releaseTrains()
	entry.Trains = c.Trains

	var aff shirei.Train
	var route shirei.Route
	if d != shirei.DecisionAllow {
		aff, err = w.affected(c)
		if err != nil {
			return shirei.Conflict{}, err
		}
	}
	if d == shirei.DecisionReroute {
		blocked, ok := suggest.Blocked(c, aff)
		if ok && w.router != nil {
			route, ok = w.router.FindAlternateRoute(aff.ID, blocked)
		}
		if !ok || len(route.Stations) < 2 {
			return shirei.Conflict{}, fmt.Errorf("reroute %s for %s: %w", aff.ID, c.ID, shirei.ErrNoRoute)
		}
	}

	now := w.now()
	err = w.store.Update(func(b *store.Batch) error {
		cur, err := lookupConflict(b, conflictID)
		if err != nil {
			return err
		}
		if cur.State.Terminal() {
			return fmt.Errorf("conflict %s is %s: %w", cur.ID, cur.State, shirei.ErrAlreadyResolved)
		}
		cur.State = d.State()
		cur.Decision = d
		cur.ResolvedAt = &now
		switch d {
		case shirei.DecisionAllow:
			if _, err := b.Upsert(shirei.KindConflict, cur); err != nil {
				return err
			}
			_, err := b.Remove(shirei.KindConflict, cur.ID)
			res = cur
			return err
		case shirei.DecisionHold:
			t, err := b.Train(aff.ID)
			if err != nil {
				return err
			}
			t.Status = shirei.StatusStopped
			t.CurrentSpeed = 0
			if _, err := b.Upsert(shirei.KindTrain, t); err != nil {
				return err
			}
		case shirei.DecisionReroute:
			t, err := b.Train(aff.ID)
			if err != nil {
				return err
			}
			t.Route = route.Stations
			t.CurrentStation = route.Stations[0]
			t.NextStation = route.Stations[1]
			if _, err := b.Upsert(shirei.KindTrain, t); err != nil {
				return err
			}
		}
		_, err = b.Upsert(shirei.KindConflict, cur)
		res = cur
		return err
	})
	if err != nil {
		return shirei.Conflict{}, err
	}
	return res, nil
}

// Approve applies a pending suggestion: the affected train takes on the estimated delay
// (and, for reroutes, the suggested route) and the source conflict is removed.
// Approving an approved suggestion changes nothing.
func (w *Workflow) Approve(ctx context.Context, suggestionID string) (res shirei.TrafficSuggestion, err error) {
	entry := audit.Entry{Action: "approve", Target: suggestionID}
	defer func() { w.record(entry, err) }()
	if err := ctx.Err(); err != nil {
		return shirei.TrafficSuggestion{}, err
	}
	release := w.records.Acquire("suggestion:" + suggestionID)
	defer release()

	s, err := w.store.Suggestion(suggestionID)
	if err != nil {
		return shirei.TrafficSuggestion{}, err
	}
	if s.Conflict != "" {
		releaseConflict := w.records.Acquire("conflict:" + s.Conflict)
		defer releaseConflict()
	}
	releaseTrains := w.trains.Acquire(s.AffectedTrain, s.Beneficiary)
	defer releaseTrains()
	entry.Trains = []string{s.AffectedTrain}

	now := w.now()
	err = w.store.Update(func(b *store.Batch) error {
		cur, err := b.Suggestion(suggestionID)
		if err != nil {
			return err
		}
		switch cur.State {
		case shirei.SuggestionApproved:
			entry.Outcome = audit.OutcomeNoop
			res = cur
			return nil
		case shirei.SuggestionRejected:
			return fmt.Errorf("suggestion %s is rejected: %w", cur.ID, shirei.ErrInvalidTransition)
		}
		var c shirei.Conflict
		if cur.Conflict != "" {
			c, err = lookupConflict(b, cur.Conflict)
			if err != nil {
				return err
			}
			if c.State.Terminal() {
				return fmt.Errorf("conflict %s is %s: %w", c.ID, c.State, shirei.ErrAlreadyResolved)
			}
		}
		t, err := b.Train(cur.AffectedTrain)
		if err != nil {
			return err
		}
		t.Delay += cur.EstimatedDelay
		if cur.Action == shirei.ActionReroute && len(cur.Route) >= 2 && cur.Route[0] == t.CurrentStation {
			t.Route = cur.Route
			t.NextStation = cur.Route[1]
		}
		if _, err := b.Upsert(shirei.KindTrain, t); err != nil {
			return err
		}
		cur.State = shirei.SuggestionApproved
		cur.DecidedAt = &now
		if _, err := b.Upsert(shirei.KindSuggestion, cur); err != nil {
			return err
		}
		if cur.Conflict != "" {
			c.State = shirei.ConflictResolved
			c.ResolvedAt = &now
			if _, err := b.Upsert(shirei.KindConflict, c); err != nil {
				return err
			}
			if _, err := b.Remove(shirei.KindConflict, c.ID); err != nil {
				return err
			}
		}
		res = cur
		return nil
	})
	if err != nil {
		return shirei.TrafficSuggestion{}, err
	}
	return res, nil
}

// Reject marks a pending suggestion rejected, leaving trains and the source conflict as
// they are so the conflict can get a new suggestion. Rejecting a rejected suggestion
// changes nothing.
func (w *Workflow) Reject(ctx context.Context, suggestionID string) (res shirei.TrafficSuggestion, err error) {
	entry := audit.Entry{Action: "reject", Target: suggestionID}
	defer func() { w.record(entry, err) }()
	if err := ctx.Err(); err != nil {
		return shirei.TrafficSuggestion{}, err
	}
	release := w.records.Acquire("suggestion:" + suggestionID)
	defer release()

	now := w.now()
	err = w.store.Update(func(b *store.Batch) error {
		cur, err := b.Suggestion(suggestionID)
		if err != nil {
			return err
		}
		switch cur.State {
		case shirei.SuggestionRejected:
			entry.Outcome = audit.OutcomeNoop
			res = cur
			return nil
		case shirei.SuggestionApproved:
			return fmt.Errorf("suggestion %s is approved: %w", cur.ID, shirei.ErrInvalidTransition)
		}
		cur.State = shirei.SuggestionRejected
		cur.DecidedAt = &now
		res = cur
		_, err = b.Upsert(shirei.KindSuggestion, cur)
		return err
	})
	if err != nil {
		return shirei.TrafficSuggestion{}, err
	}
	return res, nil
}

// MarkAlertRead marks one alert read.
func (w *Workflow) MarkAlertRead(ctx context.Context, id string) (res shirei.Alert, err error) {
	if err := ctx.Err(); err != nil {
		return shirei.Alert{}, err
	}
	err = w.store.Update(func(b *store.Batch) error {
		a, err := b.Alert(id)
		if err != nil {
			return err
		}
		res = a
		if a.Read {
			return nil
		}
		a.Read = true
		res = a
		_, err = b.Upsert(shirei.KindAlert, a)
		return err
	})
	return res, err
}

// MarkAllAlertsRead marks every alert read and returns how many were unread.
func (w *Workflow) MarkAllAlertsRead(ctx context.Context) (n int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	err = w.store.Update(func(b *store.Batch) error {
		n = 0
		for _, a := range b.Alerts(func(a shirei.Alert) bool { return !a.Read }) {
			a.Read = true
			if _, err := b.Upsert(shirei.KindAlert, a); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
