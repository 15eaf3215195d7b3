package shirei

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"train":       KindTrain,
		"trains":      KindTrain,
		"Stations":    KindStation,
		"conflicts":   KindConflict,
		"alert":       KindAlert,
		"suggestions": KindSuggestion,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", "wagon", "s"} {
		if _, err := ParseKind(in); !errors.Is(err, ErrInvalidKind) {
			t.Errorf("ParseKind(%q): %v", in, err)
		}
	}
}

func TestSegment(t *testing.T) {
	ab := Segment{A: "DEL", B: "GZB"}
	ba := ab.Reverse()
	if !ab.Same(ba) || ab.Normalize() != ba.Normalize() {
		t.Fatalf("%s and %s are the same track", ab, ba)
	}
	if ba.Normalize().String() != "DEL-GZB" {
		t.Fatal(ba.Normalize())
	}
	if ab.Same(Segment{A: "DEL", B: "JPR"}) {
		t.Fatal("different track")
	}
}

func TestTrainItinerary(t *testing.T) {
	tr := Train{ID: "T001", CurrentStation: "DEL", NextStation: "GZB", Route: []string{"DEL", "GZB", "AGR"}}
	seg, ok := tr.Segment()
	if !ok || seg != (Segment{A: "DEL", B: "GZB"}) {
		t.Fatal(seg, ok)
	}
	if next, ok := tr.After("GZB"); !ok || next != "AGR" {
		t.Fatal(next, ok)
	}
	if _, ok := tr.After("AGR"); ok {
		t.Fatal("AGR ends the route")
	}
	if _, ok := (Train{CurrentStation: "DEL"}).Segment(); ok {
		t.Fatal("no next station")
	}

	c := tr.Clone()
	c.Route[0] = "JPR"
	if tr.Route[0] != "DEL" {
		t.Fatal("clone shares route")
	}
}

func TestChecks(t *testing.T) {
	valid := Train{ID: "T001", Priority: 1, CurrentSpeed: 80, MaxSpeed: 130, Status: StatusRunning}
	cases := []struct {
		name string
		e    Entity
		ok   bool
	}{
		{"train", valid, true},
		{"train priority", func() Train { t := valid; t.Priority = 6; return t }(), false},
		{"train overspeed", func() Train { t := valid; t.CurrentSpeed = 140; return t }(), false},
		{"train negative delay", func() Train { t := valid; t.Delay = -1; return t }(), false},
		{"train status", func() Train { t := valid; t.Status = "parked"; return t }(), false},
		{"station", Station{ID: "DEL", Platforms: 16, Occupancy: 16}, true},
		{"station overfull", Station{ID: "DEL", Platforms: 16, Occupancy: 17}, false},
		{"station negative", Station{ID: "DEL", Platforms: 16, Occupancy: -1}, false},
		{"conflict", Conflict{ID: "C001", Kind: ConflictPlatform, Severity: SeverityWarning}, true},
		{"conflict kind", Conflict{ID: "C001", Kind: "collision", Severity: SeverityWarning}, false},
		{"alert severity", Alert{ID: "A001", Category: AlertWeather, Severity: "bad"}, false},
		{"suggestion", TrafficSuggestion{ID: "TS001", Action: ActionDelay, AffectedTrain: "T005", State: SuggestionPending}, true},
		{"suggestion no train", TrafficSuggestion{ID: "TS001", Action: ActionDelay, State: SuggestionPending}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.e.Check()
			if c.ok && err != nil {
				t.Fatal(err)
			}
			if !c.ok && !errors.Is(err, ErrInvalid) {
				t.Fatalf("want ErrInvalid, got %v", err)
			}
		})
	}
}

func TestDedupKey(t *testing.T) {
	a := Conflict{Kind: ConflictJunction, Location: "DEL-GZB", Trains: []string{"T003", "T001"}}
	b := Conflict{Kind: ConflictJunction, Location: "DEL-GZB", Trains: []string{"T001", "T003"}}
	if a.DedupKey() != b.DedupKey() {
		t.Fatal(a.DedupKey(), b.DedupKey())
	}
	if diff := cmp.Diff([]string{"T003", "T001"}, a.Trains); diff != "" {
		t.Fatalf("DedupKey reordered trains:\n%s", diff)
	}
	b.Kind = ConflictPlatform
	if a.DedupKey() == b.DedupKey() {
		t.Fatal("kind is part of the key")
	}
}

func TestConflictClone(t *testing.T) {
	at := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	c := Conflict{ID: "C001", Trains: []string{"T001"}, Segment: &Segment{A: "DEL", B: "GZB"}, ResolvedAt: &at}
	d := c.Clone()
	d.Trains[0] = "T002"
	d.Segment.A = "JPR"
	*d.ResolvedAt = at.Add(time.Hour)
	if c.Trains[0] != "T001" || c.Segment.A != "DEL" || !c.ResolvedAt.Equal(at) {
		t.Fatalf("clone shares memory: %+v", c)
	}
}

func TestDecision(t *testing.T) {
	for in, want := range map[string]ConflictState{"allow": ConflictAllowed, "HOLD": ConflictHeld, "reroute": ConflictRerouted} {
		d, err := ParseDecision(in)
		if err != nil {
			t.Fatal(err)
		}
		if d.State() != want || !d.State().Terminal() {
			t.Errorf("%s: %s", in, d.State())
		}
	}
	if _, err := ParseDecision("ignore"); !errors.Is(err, ErrInvalid) {
		t.Fatal(err)
	}
	if ConflictOpen.Terminal() {
		t.Fatal("open is not terminal")
	}
}

func TestPriorityLabel(t *testing.T) {
	got := []string{}
	for p := PriorityHighest; p <= PriorityLowest; p++ {
		got = append(got, PriorityLabel(p))
	}
	if diff := cmp.Diff([]string{"VIP", "Express", "Regular", "Local", "Freight"}, got); diff != "" {
		t.Fatal(diff)
	}
}
