package detect

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/config"
	"nyiyui.ca/hato/shirei/feed"
)

var now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// A(0,0) - B(20,0) - C(40,0); 1 unit is 0.5 km, so 60 km/h covers 2 units a minute.
func line(platforms, occupancy int) []shirei.Station {
	return []shirei.Station{
		{ID: "A", Name: "Alpha", Position: shirei.Point{X: 0}, Platforms: 4},
		{ID: "B", Name: "Bravo", Position: shirei.Point{X: 20}, Platforms: platforms, Occupancy: occupancy},
		{ID: "C", Name: "Charlie", Position: shirei.Point{X: 40}, Platforms: 4},
	}
}

func moving(id string, x float64, from, to string, route ...string) shirei.Train {
	return shirei.Train{
		ID:             id,
		Priority:       3,
		CurrentSpeed:   60,
		MaxSpeed:       120,
		Position:       shirei.Point{X: x},
		CurrentStation: from,
		NextStation:    to,
		Route:          route,
		Status:         shirei.StatusRunning,
	}
}

func dwellingAt(id, station string, x float64) shirei.Train {
	t := moving(id, x, station, "C")
	t.CurrentSpeed = 0
	t.Status = shirei.StatusStopped
	return t
}

func input(stations []shirei.Station, trains ...shirei.Train) Input {
	return Input{Now: now, Stations: stations, Trains: trains, Policy: config.Default().Detection}
}

func only(t *testing.T, cs []shirei.Conflict, kind shirei.ConflictKind) []shirei.Conflict {
	t.Helper()
	var res []shirei.Conflict
	for _, c := range cs {
		if c.Kind == kind {
			res = append(res, c)
		}
	}
	return res
}

func TestPlatform(t *testing.T) {
	cases := []struct {
		name      string
		occupancy int
		trains    []shirei.Train
		want      []string
		severity  shirei.Severity
	}{
		{"fits", 2, []shirei.Train{moving("T1", 10, "A", "B")}, nil, ""},
		{"overByOne", 2, []shirei.Train{moving("T1", 10, "A", "B"), moving("T2", 15, "A", "B")}, []string{"T1", "T2"}, shirei.SeverityWarning},
		{"overByTwo", 2, []shirei.Train{moving("T1", 10, "A", "B"), moving("T2", 15, "A", "B"), moving("T3", 30, "C", "B")}, []string{"T1", "T2", "T3"}, shirei.SeverityCritical},
		{"zeroSlack", 3, []shirei.Train{moving("T1", 10, "A", "B")}, []string{"T1"}, shirei.SeverityCritical},
		// 50 units away is 25 minutes out, beyond the arrival window
		{"outsideWindow", 3, []shirei.Train{moving("T1", -30, "A", "B")}, nil, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cs := only(t, Detect(input(line(3, c.occupancy), c.trains...)), shirei.ConflictPlatform)
			if c.want == nil {
				if len(cs) != 0 {
					t.Fatalf("unexpected conflicts: %v", cs)
				}
				return
			}
			if len(cs) != 1 {
				t.Fatalf("got %d conflicts: %v", len(cs), cs)
			}
			if diff := cmp.Diff(c.want, cs[0].Trains); diff != "" {
				t.Fatalf("trains (-want +got):\n%s", diff)
			}
			if cs[0].Severity != c.severity {
				t.Fatalf("severity %s", cs[0].Severity)
			}
			if cs[0].Location != "B" || cs[0].State != shirei.ConflictOpen || !cs[0].Timestamp.Equal(now) {
				t.Fatalf("conflict %+v", cs[0])
			}
		})
	}
}

func TestDwellingNotArriving(t *testing.T) {
	// standing at A with B next: it does not compete for B's last platform
	cs := Detect(input(line(3, 3), dwellingAt("T1", "A", 0)))
	if len(only(t, cs, shirei.ConflictPlatform)) != 0 {
		t.Fatalf("conflicts: %v", cs)
	}
}

func TestStoppedOnLine(t *testing.T) {
	stations := line(1, 0)
	stations[0].Platforms = 1
	// held halfway to B: neither on A's platform nor due at B
	held := dwellingAt("T2", "A", 10)
	held.NextStation = "B"
	cs := Detect(input(stations, dwellingAt("T1", "A", 0), held))
	if len(only(t, cs, shirei.ConflictPlatform)) != 0 {
		t.Fatalf("conflicts: %v", cs)
	}
	// the same train standing at A does compete for its platform
	cs = Detect(input(stations, dwellingAt("T1", "A", 0), dwellingAt("T2", "A", 0)))
	if len(only(t, cs, shirei.ConflictPlatform)) != 1 {
		t.Fatalf("conflicts: %v", cs)
	}
}

func TestOverCapacityListsEnoughTrains(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		platforms := 1 + r.Intn(5)
		occupancy := platforms + 1 + r.Intn(4)
		var trains []shirei.Train
		for j := 0; j < occupancy; j++ {
			trains = append(trains, dwellingAt(string(rune('a'+j)), "B", 20))
		}
		arriving := r.Intn(4)
		for j := 0; j < arriving; j++ {
			trains = append(trains, moving(string(rune('A'+j)), 10+float64(j), "A", "B"))
		}
		cs := only(t, Detect(input(line(platforms, occupancy), trains...)), shirei.ConflictPlatform)
		if len(cs) != 1 {
			t.Fatalf("platforms %d occupancy %d: %d conflicts", platforms, occupancy, len(cs))
		}
		if n := len(cs[0].Trains); n < occupancy-platforms+1 {
			t.Fatalf("platforms %d occupancy %d: only %d trains", platforms, occupancy, n)
		}
		if cs[0].Severity != shirei.SeverityCritical {
			t.Fatalf("severity %s", cs[0].Severity)
		}
	}
}

func TestJunction(t *testing.T) {
	t.Run("opposing", func(t *testing.T) {
		cs := Detect(input(line(4, 0), moving("T2", 18, "B", "A"), moving("T1", 2, "A", "B")))
		cs = only(t, cs, shirei.ConflictJunction)
		if len(cs) != 1 {
			t.Fatalf("conflicts: %v", cs)
		}
		want := shirei.Segment{A: "A", B: "B"}
		if cs[0].Location != "A-B" || *cs[0].Segment != want || cs[0].Severity != shirei.SeverityCritical {
			t.Fatalf("conflict %+v", cs[0])
		}
		if diff := cmp.Diff([]string{"T1", "T2"}, cs[0].Trains); diff != "" {
			t.Fatal(diff)
		}
	})
	t.Run("sameDirection", func(t *testing.T) {
		cs := Detect(input(line(4, 0), moving("T1", 2, "A", "B"), moving("T2", 8, "A", "B")))
		if len(only(t, cs, shirei.ConflictJunction)) != 0 {
			t.Fatalf("conflicts: %v", cs)
		}
	})
	t.Run("followingSegment", func(t *testing.T) {
		// T1 reaches B in 5 min and is on B-C until 15 min; T3 is on C-B until 9.5 min
		cs := Detect(input(line(4, 0), moving("T1", 10, "A", "B", "A", "B", "C"), moving("T3", 39, "C", "B")))
		cs = only(t, cs, shirei.ConflictJunction)
		if len(cs) != 1 || cs[0].Location != "B-C" {
			t.Fatalf("conflicts: %v", cs)
		}
	})
	t.Run("separated", func(t *testing.T) {
		// T3 clears C-B after 0.5 min, T1 enters at 5 min: more than the 3 min margin
		cs := Detect(input(line(4, 0), moving("T1", 10, "A", "B", "A", "B", "C"), moving("T3", 21, "C", "B")))
		if len(only(t, cs, shirei.ConflictJunction)) != 0 {
			t.Fatalf("conflicts: %v", cs)
		}
	})
	t.Run("dwelling", func(t *testing.T) {
		cs := Detect(input(line(4, 0), moving("T1", 2, "A", "B"), dwellingAt("T2", "B", 20)))
		if len(only(t, cs, shirei.ConflictJunction)) != 0 {
			t.Fatalf("conflicts: %v", cs)
		}
	})
}

func TestSignal(t *testing.T) {
	in := input(line(4, 0), moving("T1", 2, "A", "B"), moving("T2", 30, "C", "B"), moving("T3", 30, "B", "C"))
	in.Faults = []feed.FaultReport{
		{Location: "A", Severity: shirei.SeverityWarning, Description: "Signal failure"},
		{Location: "C-B", Severity: shirei.SeverityInfo},
		{Location: "B", Severity: shirei.SeverityCritical, Trains: []string{"T9"}},
	}
	cs := only(t, Detect(in), shirei.ConflictSignal)
	if len(cs) != 3 {
		t.Fatalf("conflicts: %v", cs)
	}
	type brief struct {
		Location string
		Station  string
		Severity shirei.Severity
		Trains   []string
	}
	var got []brief
	for _, c := range cs {
		got = append(got, brief{c.Location, c.Station, c.Severity, c.Trains})
	}
	want := []brief{
		{"A", "A", shirei.SeverityWarning, []string{"T1"}},
		{"B-C", "", shirei.SeverityInfo, []string{"T2", "T3"}},
		{"B", "B", shirei.SeverityCritical, []string{"T9"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}
