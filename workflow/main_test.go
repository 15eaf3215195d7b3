package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/audit"
	"nyiyui.ca/hato/shirei/routing"
	"nyiyui.ca/hato/shirei/store"
)

var now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

var ctx = context.Background()

func tr(id string, priority, delay int, from, to string) shirei.Train {
	return shirei.Train{
		ID:             id,
		Priority:       priority,
		Delay:          delay,
		CurrentSpeed:   60,
		MaxSpeed:       120,
		CurrentStation: from,
		NextStation:    to,
		Status:         shirei.StatusRunning,
	}
}

type fixture struct {
	w     *Workflow
	s     *store.Store
	audit *audit.Logger
}

// A - B, with a detour A - D - B.
func setup(t *testing.T) fixture {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	entities := []shirei.Entity{
		tr("T001", 2, 5, "A", "B"),
		tr("T003", 1, 15, "B", "A"),
		tr("T005", 5, 8, "A", "B"),
		shirei.Conflict{ID: "C001", Kind: shirei.ConflictPlatform, Severity: shirei.SeverityWarning, Trains: []string{"T001", "T003"}, Location: "B", Station: "B", State: shirei.ConflictOpen},
		shirei.Conflict{ID: "C002", Kind: shirei.ConflictJunction, Severity: shirei.SeverityCritical, Trains: []string{"T001", "T003"}, Location: "A-B", Segment: &shirei.Segment{A: "A", B: "B"}, State: shirei.ConflictOpen},
		shirei.TrafficSuggestion{ID: "TS001", Action: shirei.ActionDelay, AffectedTrain: "T005", Beneficiary: "T001", EstimatedDelay: 8, Priority: shirei.SuggestionHigh, Impact: shirei.ImpactMinimal, State: shirei.SuggestionPending},
		shirei.TrafficSuggestion{ID: "TS002", Action: shirei.ActionDelay, AffectedTrain: "T001", Beneficiary: "T003", Conflict: "C001", EstimatedDelay: 7, Priority: shirei.SuggestionMedium, Impact: shirei.ImpactMinimal, State: shirei.SuggestionPending},
		shirei.Alert{ID: "A001", Category: shirei.AlertWeather, Severity: shirei.SeverityWarning, Message: "fog"},
		shirei.Alert{ID: "A002", Category: shirei.AlertSystem, Severity: shirei.SeverityInfo, Message: "ok", Read: true},
		shirei.Alert{ID: "A003", Category: shirei.AlertEmergency, Severity: shirei.SeverityCritical, Message: "braking"},
	}
	for _, e := range entities {
		if _, err := s.Upsert(e.EntityKind(), e); err != nil {
			t.Fatal(err)
		}
	}
	net := routing.NewNetwork(s,
		shirei.Segment{A: "A", B: "B"},
		shirei.Segment{A: "A", B: "D"},
		shirei.Segment{A: "D", B: "B"},
	)
	log, err := audit.New(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatal(err)
	}
	w := New(s, net, NewLocks(), log)
	w.now = func() time.Time { return now }
	return fixture{w, s, log}
}

func TestDecideHold(t *testing.T) {
	f := setup(t)
	c, err := f.w.Decide(ctx, "C001", shirei.DecisionHold)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != shirei.ConflictHeld || c.Decision != shirei.DecisionHold || c.ResolvedAt == nil {
		t.Fatalf("%+v", c)
	}
	// TS002 names T001 as the affected train
	t1, _ := f.s.Train("T001")
	if t1.Status != shirei.StatusStopped || t1.CurrentSpeed != 0 || t1.Delay != 5 {
		t.Fatalf("%+v", t1)
	}
	stored, _ := f.s.Conflict("C001")
	if stored.State != shirei.ConflictHeld {
		t.Fatalf("stored %s", stored.State)
	}

	_, err = f.w.Decide(ctx, "C001", shirei.DecisionHold)
	if !errors.Is(err, shirei.ErrAlreadyResolved) {
		t.Fatalf("repeat: %v", err)
	}
	_, err = f.w.Decide(ctx, "C001", shirei.DecisionAllow)
	if !errors.Is(err, shirei.ErrAlreadyResolved) {
		t.Fatalf("different decision: %v", err)
	}
}

func TestDecideMixedCase(t *testing.T) {
	f := setup(t)
	c, err := f.w.Decide(ctx, "C001", shirei.Decision("HOLD"))
	if err != nil {
		t.Fatal(err)
	}
	if c.State != shirei.ConflictHeld || c.Decision != shirei.DecisionHold {
		t.Fatalf("%+v", c)
	}
	if _, err := f.w.Decide(ctx, "C002", shirei.Decision("wait")); !errors.Is(err, shirei.ErrInvalid) {
		t.Fatal(err)
	}
}

func TestDecideAllow(t *testing.T) {
	f := setup(t)
	before := f.s.Trains(nil)
	c, err := f.w.Decide(ctx, "C001", shirei.DecisionAllow)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != shirei.ConflictAllowed {
		t.Fatalf("%+v", c)
	}
	if _, err := f.s.Conflict("C001"); !errors.Is(err, shirei.ErrNotFound) {
		t.Fatalf("conflict still stored: %v", err)
	}
	if diff := cmp.Diff(before, f.s.Trains(nil)); diff != "" {
		t.Fatalf("trains changed (-before +after):\n%s", diff)
	}
	_, err = f.w.Decide(ctx, "C001", shirei.DecisionHold)
	if !errors.Is(err, shirei.ErrAlreadyResolved) {
		t.Fatalf("after removal: %v", err)
	}
}

func TestDecideReroute(t *testing.T) {
	f := setup(t)
	c, err := f.w.Decide(ctx, "C002", shirei.DecisionReroute)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != shirei.ConflictRerouted {
		t.Fatalf("%+v", c)
	}
	// no suggestion for C002, so the lower-priority T001 is the one moved
	t1, _ := f.s.Train("T001")
	if t1.NextStation != "D" || !cmp.Equal(t1.Route, []string{"A", "D", "B"}) {
		t.Fatalf("%+v", t1)
	}
}

func TestDecideNoRoute(t *testing.T) {
	f := setup(t)
	w := New(f.s, routing.NewNetwork(f.s, shirei.Segment{A: "A", B: "B"}), nil, nil)
	_, err := w.Decide(ctx, "C002", shirei.DecisionReroute)
	if !errors.Is(err, shirei.ErrNoRoute) {
		t.Fatalf("got %v", err)
	}
	c, _ := f.s.Conflict("C002")
	if c.State != shirei.ConflictOpen {
		t.Fatalf("failed decision changed state to %s", c.State)
	}
}

func TestDecideErrors(t *testing.T) {
	f := setup(t)
	if _, err := f.w.Decide(ctx, "C404", shirei.DecisionAllow); !errors.Is(err, shirei.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
	if _, err := f.w.Decide(ctx, "C001", "ignore"); !errors.Is(err, shirei.ErrInvalid) {
		t.Fatalf("got %v", err)
	}
}

func TestApprove(t *testing.T) {
	f := setup(t)
	s, err := f.w.Approve(ctx, "TS001")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != shirei.SuggestionApproved || s.DecidedAt == nil {
		t.Fatalf("%+v", s)
	}
	t5, _ := f.s.Train("T005")
	if t5.Delay != 16 {
		t.Fatalf("delay %d, want 8+8", t5.Delay)
	}

	again, err := f.w.Approve(ctx, "TS001")
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if diff := cmp.Diff(s, again); diff != "" {
		t.Fatal(diff)
	}
	t5, _ = f.s.Train("T005")
	if t5.Delay != 16 {
		t.Fatalf("re-approve applied delay again: %d", t5.Delay)
	}

	if _, err := f.w.Reject(ctx, "TS001"); !errors.Is(err, shirei.ErrInvalidTransition) {
		t.Fatalf("reject after approve: %v", err)
	}
}

func TestApproveRemovesConflict(t *testing.T) {
	f := setup(t)
	if _, err := f.w.Approve(ctx, "TS002"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.s.Conflict("C001"); !errors.Is(err, shirei.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
	tomb, ok := f.s.Tombstone(shirei.KindConflict, "C001")
	if !ok || tomb.(shirei.Conflict).State != shirei.ConflictResolved {
		t.Fatalf("tombstone %v", tomb)
	}
	if _, err := f.w.Decide(ctx, "C001", shirei.DecisionHold); !errors.Is(err, shirei.ErrAlreadyResolved) {
		t.Fatalf("got %v", err)
	}
}

func TestApproveAfterDecision(t *testing.T) {
	f := setup(t)
	if _, err := f.w.Decide(ctx, "C001", shirei.DecisionAllow); err != nil {
		t.Fatal(err)
	}
	if _, err := f.w.Approve(ctx, "TS002"); !errors.Is(err, shirei.ErrAlreadyResolved) {
		t.Fatalf("got %v", err)
	}
	t1, _ := f.s.Train("T001")
	if t1.Delay != 5 {
		t.Fatalf("delay %d", t1.Delay)
	}
}

func TestReject(t *testing.T) {
	f := setup(t)
	before := f.s.Trains(nil)
	s, err := f.w.Reject(ctx, "TS002")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != shirei.SuggestionRejected {
		t.Fatalf("%+v", s)
	}
	if diff := cmp.Diff(before, f.s.Trains(nil)); diff != "" {
		t.Fatalf("trains changed:\n%s", diff)
	}
	c, _ := f.s.Conflict("C001")
	if c.State != shirei.ConflictOpen {
		t.Fatalf("conflict %s", c.State)
	}
	if _, err := f.w.Reject(ctx, "TS002"); err != nil {
		t.Fatalf("re-reject: %v", err)
	}
	if _, err := f.w.Approve(ctx, "TS002"); !errors.Is(err, shirei.ErrInvalidTransition) {
		t.Fatalf("approve after reject: %v", err)
	}
	if _, err := f.w.Reject(ctx, "TS404"); !errors.Is(err, shirei.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestConcurrentDecisions(t *testing.T) {
	f := setup(t)
	decisions := []shirei.Decision{shirei.DecisionAllow, shirei.DecisionHold, shirei.DecisionAllow, shirei.DecisionHold, shirei.DecisionAllow}
	errs := make([]error, len(decisions))
	var wg sync.WaitGroup
	for i, d := range decisions {
		wg.Add(1)
		go func(i int, d shirei.Decision) {
			defer wg.Done()
			_, errs[i] = f.w.Decide(ctx, "C001", d)
		}(i, d)
	}
	wg.Wait()
	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, shirei.ErrAlreadyResolved):
			t.Fatalf("loser got %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d decisions recorded", won)
	}
}

func TestConcurrentApproveReject(t *testing.T) {
	f := setup(t)
	var wg sync.WaitGroup
	var approveErr, rejectErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, approveErr = f.w.Approve(ctx, "TS001") }()
	go func() { defer wg.Done(); _, rejectErr = f.w.Reject(ctx, "TS001") }()
	wg.Wait()
	if (approveErr == nil) == (rejectErr == nil) {
		t.Fatalf("approve %v, reject %v", approveErr, rejectErr)
	}
	loser := approveErr
	if loser == nil {
		loser = rejectErr
	}
	if !errors.Is(loser, shirei.ErrInvalidTransition) {
		t.Fatalf("loser got %v", loser)
	}
}

func TestAlerts(t *testing.T) {
	f := setup(t)
	a, err := f.w.MarkAlertRead(ctx, "A001")
	if err != nil || !a.Read {
		t.Fatalf("%+v %v", a, err)
	}
	if _, err := f.w.MarkAlertRead(ctx, "A404"); !errors.Is(err, shirei.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
	n, err := f.w.MarkAllAlertsRead(ctx)
	if err != nil || n != 1 {
		t.Fatalf("%d %v", n, err)
	}
	if unread := f.s.Alerts(func(a shirei.Alert) bool { return !a.Read }); len(unread) != 0 {
		t.Fatalf("unread: %v", unread)
	}
}

func TestAudit(t *testing.T) {
	f := setup(t)
	f.w.Decide(ctx, "C001", shirei.DecisionHold)
	f.w.Decide(ctx, "C001", shirei.DecisionHold)
	f.w.Approve(ctx, "TS001")
	f.w.Approve(ctx, "TS001")
	es, err := f.audit.Entries()
	if err != nil {
		t.Fatal(err)
	}
	var got []audit.Outcome
	for _, e := range es {
		got = append(got, e.Outcome)
	}
	want := []audit.Outcome{audit.OutcomeApplied, audit.OutcomeRefused, audit.OutcomeApplied, audit.OutcomeNoop}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestLocks(t *testing.T) {
	l := NewLocks()
	release := l.Acquire("T2", "T1", "T1", "")
	if !l.Held("T1") || !l.Held("T2") || l.Held("T3") {
		t.Fatal("held")
	}
	acquired := make(chan struct{})
	go func() {
		r := l.Acquire("T1")
		close(acquired)
		r()
	}()
	select {
	case <-acquired:
		t.Fatal("acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("not released")
	}
	if l.Held("T1") || l.Held("T2") {
		t.Fatal("still held")
	}
}
