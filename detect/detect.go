// Package detect finds contention between trains for platforms, track segments and
// faulty signals.
package detect

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/slices"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/config"
	"nyiyui.ca/hato/shirei/feed"
)

// Input is a snapshot of the network to detect conflicts in.
type Input struct {
	Now      time.Time
	Trains   []shirei.Train
	Stations []shirei.Station
	Faults   []feed.FaultReport
	Policy   config.Detection
}

// Detect returns every conflict present in the snapshot, with no ids assigned, in a
// deterministic order.
func Detect(in Input) []shirei.Conflict {
	stations := map[string]shirei.Station{}
	for _, s := range in.Stations {
		stations[s.ID] = s
	}
	var cs []shirei.Conflict
	cs = append(cs, platformConflicts(in, stations)...)
	cs = append(cs, junctionConflicts(in, stations)...)
	cs = append(cs, signalConflicts(in, stations)...)
	for i := range cs {
		cs[i].State = shirei.ConflictOpen
		cs[i].Timestamp = in.Now
		slices.Sort(cs[i].Trains)
	}
	return cs
}

// atStation is how close, in map units, a train must be to a station to stand at it.
const atStation = 1.0

// dwelling reports whether t is standing at its current station. A train stopped out on
// the line, such as one held by a controller, is not.
func dwelling(t shirei.Train, stations map[string]shirei.Station) bool {
	if t.CurrentSpeed != 0 || t.CurrentStation == "" {
		return false
	}
	s, ok := stations[t.CurrentStation]
	return t.NextStation == "" || !ok || t.Position.Dist(s.Position) <= atStation
}

// eta returns how long t needs to cover the distance between two points.
func eta(p config.Detection, t shirei.Train, from, to shirei.Point) time.Duration {
	km := from.Dist(to) * p.KmPerUnit
	speed := max(t.CurrentSpeed, p.MinSpeed)
	return time.Duration(km / speed * float64(time.Hour))
}

type arrival struct {
	train string
	at    time.Duration
}

func platformConflicts(in Input, stations map[string]shirei.Station) []shirei.Conflict {
	arrivals := map[string][]arrival{}
	dwellers := map[string][]string{}
	for _, t := range in.Trains {
		if dwelling(t, stations) {
			dwellers[t.CurrentStation] = append(dwellers[t.CurrentStation], t.ID)
			continue
		}
		if t.CurrentSpeed == 0 && t.Status == shirei.StatusStopped {
			continue
		}
		s, ok := stations[t.NextStation]
		if !ok {
			continue
		}
		at := eta(in.Policy, t, t.Position, s.Position)
		if at > in.Policy.ArrivalWindow {
			continue
		}
		arrivals[s.ID] = append(arrivals[s.ID], arrival{t.ID, at})
	}

	var cs []shirei.Conflict
	for _, s := range in.Stations {
		as := arrivals[s.ID]
		occupied := max(s.Occupancy, len(dwellers[s.ID]))
		overfull := occupied > s.Platforms
		free := max(0, s.Platforms-occupied)
		over := len(as) - free
		if overfull {
			over = len(as) + occupied - s.Platforms
		}
		if over <= 0 || (len(as) == 0 && len(dwellers[s.ID]) == 0) {
			continue
		}
		sort.Slice(as, func(i, j int) bool { return as[i].at < as[j].at })
		var trains []string
		for _, a := range as {
			trains = append(trains, a.train)
		}
		if overfull {
			trains = append(trains, dwellers[s.ID]...)
		}
		sev := shirei.SeverityWarning
		if free == 0 || over >= in.Policy.CriticalOverflow {
			sev = shirei.SeverityCritical
		}
		var desc string
		if len(as) > 0 {
			desc = fmt.Sprintf("%d train(s) due at %s within %s for %d free platform(s)", len(as), name(s), in.Policy.ArrivalWindow, free)
		} else {
			desc = fmt.Sprintf("%s over capacity: %d trains on %d platform(s)", name(s), occupied, s.Platforms)
		}
		cs = append(cs, shirei.Conflict{
			Kind:        shirei.ConflictPlatform,
			Severity:    sev,
			Trains:      trains,
			Location:    s.ID,
			Station:     s.ID,
			Description: desc,
		})
	}
	return cs
}

func name(s shirei.Station) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// occupancy is a train's use of one segment over an interval from now.
type occupancy struct {
	train    string
	dir      shirei.Segment
	from, to time.Duration
}

func occupancies(in Input, stations map[string]shirei.Station) []occupancy {
	var res []occupancy
	for _, t := range in.Trains {
		if dwelling(t, stations) {
			continue
		}
		seg, ok := t.Segment()
		if !ok {
			continue
		}
		next, ok := stations[seg.B]
		if !ok {
			continue
		}
		arrive := eta(in.Policy, t, t.Position, next.Position)
		res = append(res, occupancy{t.ID, seg, 0, arrive})
		after, ok := t.After(seg.B)
		if !ok {
			continue
		}
		s2, ok := stations[after]
		if !ok {
			continue
		}
		res = append(res, occupancy{
			train: t.ID,
			dir:   shirei.Segment{A: seg.B, B: after},
			from:  arrive,
			to:    arrive + eta(in.Policy, t, next.Position, s2.Position),
		})
	}
	return res
}

func junctionConflicts(in Input, stations map[string]shirei.Station) []shirei.Conflict {
	occs := occupancies(in, stations)
	margin := in.Policy.SafetyMargin
	type pair struct{ a, b string }
	seen := map[pair]bool{}
	var cs []shirei.Conflict
	for i, a := range occs {
		for _, b := range occs[i+1:] {
			if a.train == b.train || !a.dir.Same(b.dir) || a.dir == b.dir {
				continue
			}
			if a.from > b.to+margin || b.from > a.to+margin {
				continue
			}
			seg := a.dir.Normalize()
			p := pair{min(a.train, b.train), max(a.train, b.train)}
			if seen[p] {
				continue
			}
			seen[p] = true
			cs = append(cs, shirei.Conflict{
				Kind:        shirei.ConflictJunction,
				Severity:    shirei.SeverityCritical,
				Trains:      []string{a.train, b.train},
				Location:    seg.String(),
				Segment:     &seg,
				Description: fmt.Sprintf("%s and %s in opposing directions on %s", a.train, b.train, seg),
			})
		}
	}
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Location < cs[j].Location })
	return cs
}

func signalConflicts(in Input, stations map[string]shirei.Station) []shirei.Conflict {
	var cs []shirei.Conflict
	for _, r := range in.Faults {
		c := shirei.Conflict{
			Kind:        shirei.ConflictSignal,
			Severity:    r.Severity,
			Trains:      slices.Clone(r.Trains),
			Location:    r.Location,
			Description: r.Description,
		}
		seg, isSeg := r.Segment()
		if _, ok := stations[r.Location]; ok {
			c.Station = r.Location
		} else if isSeg {
			seg = seg.Normalize()
			c.Segment = &seg
			c.Location = seg.String()
		}
		if len(c.Trains) == 0 {
			for _, t := range in.Trains {
				ts, ok := t.Segment()
				switch {
				case c.Station != "" && (t.CurrentStation == c.Station || t.NextStation == c.Station):
				case c.Segment != nil && ok && ts.Same(*c.Segment):
				default:
					continue
				}
				c.Trains = append(c.Trains, t.ID)
			}
		}
		if c.Description == "" {
			c.Description = fmt.Sprintf("Signal fault reported at %s", r.Location)
		}
		if len(c.Trains) > 0 {
			c.Description += " (" + strings.Join(c.Trains, ", ") + ")"
		}
		cs = append(cs, c)
	}
	return cs
}
