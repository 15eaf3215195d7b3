// Package suggest proposes resolutions for open conflicts.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/config"
	"nyiyui.ca/hato/shirei/routing"
	"nyiyui.ca/hato/shirei/store"
)

// LockChecker reports whether a train is held by an in-flight decision.
type LockChecker interface {
	Held(trainID string) bool
}

// Roles picks the beneficiary (highest priority, i.e. lowest number) and the affected
// train (least delay among the rest). Ties go to the lower id. Trains in avoid are not
// chosen as affected unless no other train could be. ok is false if trains is empty.
// With a single train, beneficiary is the zero Train.
func Roles(trains []shirei.Train, avoid []string) (beneficiary, affected shirei.Train, ok bool) {
	if len(trains) == 0 {
		return shirei.Train{}, shirei.Train{}, false
	}
	if len(trains) == 1 {
		return shirei.Train{}, trains[0], true
	}
	bi := 0
	for i, t := range trains {
		b := trains[bi]
		if t.Priority < b.Priority || (t.Priority == b.Priority && store.LessID(t.ID, b.ID)) {
			bi = i
		}
	}
	pick := func(skipAvoided bool) int {
		ai := -1
		for i, t := range trains {
			if i == bi || (skipAvoided && slices.Contains(avoid, t.ID)) {
				continue
			}
			if ai == -1 {
				ai = i
				continue
			}
			a := trains[ai]
			if t.Delay < a.Delay || (t.Delay == a.Delay && store.LessID(t.ID, a.ID)) {
				ai = i
			}
		}
		return ai
	}
	ai := pick(true)
	if ai == -1 {
		ai = pick(false)
	}
	return trains[bi], trains[ai], true
}

// Engine turns open conflicts into pending suggestions.
type Engine struct {
	store  *store.Store
	router routing.Router
	locks  LockChecker
	policy config.Suggestion
	now    func() time.Time

	passLock sync.Mutex
}

func New(s *store.Store, router routing.Router, locks LockChecker, policy config.Suggestion) *Engine {
	return &Engine{
		store:  s,
		router: router,
		locks:  locks,
		policy: policy,
		now:    time.Now,
	}
}

func priorityFor(sev shirei.Severity) shirei.SuggestionPriority {
	switch sev {
	case shirei.SeverityCritical:
		return shirei.SuggestionHigh
	case shirei.SeverityWarning:
		return shirei.SuggestionMedium
	default:
		return shirei.SuggestionLow
	}
}

// Suggest proposes a resolution for c among trains (the trains c implicates). Trains in
// avoid were the affected train of a rejected suggestion and are chosen again only if
// there is no other candidate. The result has no id.
func (e *Engine) Suggest(c shirei.Conflict, trains []shirei.Train, avoid ...string) (shirei.TrafficSuggestion, error) {
	ben, aff, ok := Roles(trains, avoid)
	if !ok {
		return shirei.TrafficSuggestion{}, fmt.Errorf("conflict %s: no trains: %w", c.ID, shirei.ErrInvalid)
	}
	var frac float64
	if ben.ID != "" {
		frac = float64(aff.Priority-ben.Priority) / float64(shirei.PriorityLowest-shirei.PriorityHighest)
	}
	cost := e.policy.Cost(c.Severity, frac)
	s := shirei.TrafficSuggestion{
		AffectedTrain:  aff.ID,
		Beneficiary:    ben.ID,
		Conflict:       c.ID,
		EstimatedDelay: cost,
		Priority:       priorityFor(c.Severity),
		Impact:         e.policy.ImpactOf(cost),
		State:          shirei.SuggestionPending,
		CreatedAt:      e.now(),
	}
	switch c.Kind {
	case shirei.ConflictPlatform:
		s.Action = shirei.ActionDelay
	case shirei.ConflictJunction:
		s.Action = shirei.ActionDelay
		if r, ok := e.alternate(c, aff); ok {
			s.Action = shirei.ActionReroute
			s.Route = r.Stations
		}
	case shirei.ConflictSignal:
		s.Action = shirei.ActionSpeedAdjust
	default:
		return shirei.TrafficSuggestion{}, fmt.Errorf("conflict %s: type %q: %w", c.ID, c.Kind, shirei.ErrInvalid)
	}
	s.Reason = reason(c, ben, aff, s)
	return s, nil
}

// Blocked returns the segment a reroute for c must avoid.
func Blocked(c shirei.Conflict, affected shirei.Train) (shirei.Segment, bool) {
	if c.Segment != nil {
		return *c.Segment, true
	}
	return affected.Segment()
}

func (e *Engine) alternate(c shirei.Conflict, aff shirei.Train) (shirei.Route, bool) {
	if e.router == nil {
		return shirei.Route{}, false
	}
	blocked, ok := Blocked(c, aff)
	if !ok {
		return shirei.Route{}, false
	}
	return e.router.FindAlternateRoute(aff.ID, blocked)
}

func reason(c shirei.Conflict, ben, aff shirei.Train, s shirei.TrafficSuggestion) string {
	var verb string
	switch s.Action {
	case shirei.ActionDelay:
		verb = fmt.Sprintf("hold %s for about %d min", aff.ID, s.EstimatedDelay)
	case shirei.ActionReroute:
		verb = fmt.Sprintf("reroute %s via %s", aff.ID, shirei.Route{Stations: s.Route})
	case shirei.ActionSpeedAdjust:
		verb = fmt.Sprintf("reduce speed of %s", aff.ID)
	}
	if ben.ID == "" {
		return fmt.Sprintf("%s %s conflict at %s: %s", c.Severity, c.Kind, c.Location, verb)
	}
	return fmt.Sprintf("Priority %d (%s) %s needs clear passage at %s: %s",
		ben.Priority, shirei.PriorityLabel(ben.Priority), ben.ID, c.Location, verb)
}

// Run calls Pass every suggestion interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.policy.Interval)
	defer ticker.Stop()
	for {
		if _, err := e.Pass(ctx); err != nil {
			zap.S().Errorw("suggestion pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var errSuggested = errors.New("already suggested")

// Pass creates a suggestion for every open conflict that has no pending or approved one.
// Conflicts implicating a train held by a decision are left for a later pass.
func (e *Engine) Pass(ctx context.Context) ([]shirei.TrafficSuggestion, error) {
	e.passLock.Lock()
	defer e.passLock.Unlock()
	var created []shirei.TrafficSuggestion
	for _, c := range e.store.Conflicts(func(c shirei.Conflict) bool { return !c.State.Terminal() }) {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if len(c.Trains) == 0 || e.anyHeld(c.Trains) {
			continue
		}
		if live, _ := e.existing(c.ID); live {
			continue
		}
		var trains []shirei.Train
		for _, id := range c.Trains {
			t, err := e.store.Train(id)
			if errors.Is(err, shirei.ErrNotFound) {
				continue
			}
			if err != nil {
				return created, err
			}
			trains = append(trains, t)
		}
		if len(trains) == 0 {
			continue
		}
		_, avoid := e.existing(c.ID)
		s, err := e.Suggest(c, trains, avoid...)
		if err != nil {
			zap.S().Warnw("no suggestion", "conflict", c.ID, "error", err)
			continue
		}
		err = e.store.Update(func(b *store.Batch) error {
			cur, err := b.Conflict(c.ID)
			if err != nil || cur.State.Terminal() {
				return errSuggested
			}
			live := b.Suggestions(func(x shirei.TrafficSuggestion) bool {
				return x.Conflict == c.ID && x.State != shirei.SuggestionRejected
			})
			if len(live) > 0 {
				return errSuggested
			}
			id, err := b.NewID(shirei.KindSuggestion)
			if err != nil {
				return err
			}
			s.ID = id
			_, err = b.Upsert(shirei.KindSuggestion, s)
			return err
		})
		if errors.Is(err, errSuggested) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("record suggestion for %s: %w", c.ID, err)
		}
		zap.S().Infow("suggestion created",
			"id", s.ID,
			"conflict", c.ID,
			"type", s.Action,
			"affected", s.AffectedTrain,
			"beneficiary", s.Beneficiary,
			"estimatedDelay", s.EstimatedDelay)
		created = append(created, s)
	}
	return created, nil
}

func (e *Engine) anyHeld(trains []string) bool {
	if e.locks == nil {
		return false
	}
	for _, id := range trains {
		if e.locks.Held(id) {
			return true
		}
	}
	return false
}

// existing reports whether c has a pending or approved suggestion, and which trains
// were affected by its rejected ones.
func (e *Engine) existing(conflictID string) (live bool, rejected []string) {
	for _, s := range e.store.Suggestions(func(s shirei.TrafficSuggestion) bool { return s.Conflict == conflictID }) {
		if s.State == shirei.SuggestionRejected {
			rejected = append(rejected, s.AffectedTrain)
		} else {
			live = true
		}
	}
	return live, rejected
}
