// Package routing finds alternate routes through the station network.
package routing

import (
	"sort"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"nyiyui.ca/hato/shirei"
)

// Router finds a route for a train that avoids a blocked segment.
type Router interface {
	FindAlternateRoute(trainID string, blocked shirei.Segment) (shirei.Route, bool)
}

// TrainSource looks up trains by id; *store.Store is one.
type TrainSource interface {
	Train(id string) (shirei.Train, error)
}

// Network is an undirected graph of stations joined by segments.
type Network struct {
	trains TrainSource

	lock sync.RWMutex
	adj  map[string]map[string]struct{}
}

var _ Router = (*Network)(nil)

func NewNetwork(trains TrainSource, segments ...shirei.Segment) *Network {
	n := &Network{trains: trains, adj: map[string]map[string]struct{}{}}
	for _, seg := range segments {
		n.Add(seg)
	}
	return n
}

func (n *Network) Add(seg shirei.Segment) {
	if seg.A == "" || seg.B == "" || seg.A == seg.B {
		return
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	n.link(seg.A, seg.B)
	n.link(seg.B, seg.A)
}

func (n *Network) link(a, b string) {
	if n.adj[a] == nil {
		n.adj[a] = map[string]struct{}{}
	}
	n.adj[a][b] = struct{}{}
}

// Learn adds the segments each train travels or plans to travel.
func (n *Network) Learn(trains []shirei.Train) {
	for _, t := range trains {
		if seg, ok := t.Segment(); ok {
			n.Add(seg)
		}
		for i := 1; i < len(t.Route); i++ {
			n.Add(shirei.Segment{A: t.Route[i-1], B: t.Route[i]})
		}
	}
}

// Segments returns every segment once, normalized and sorted.
func (n *Network) Segments() []shirei.Segment {
	n.lock.RLock()
	defer n.lock.RUnlock()
	var segs []shirei.Segment
	for a, bs := range n.adj {
		for b := range bs {
			if a < b {
				segs = append(segs, shirei.Segment{A: a, B: b})
			}
		}
	}
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].A != segs[j].A {
			return segs[i].A < segs[j].A
		}
		return segs[i].B < segs[j].B
	})
	return segs
}

func (n *Network) neighbours(s string) []string {
	ns := maps.Keys(n.adj[s])
	slices.Sort(ns)
	return ns
}

// Find returns the shortest path (by segment count) from one station to another that
// does not use blocked. Ties are broken by station name.
func (n *Network) Find(from, to string, blocked shirei.Segment) (shirei.Route, bool) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	if from == to {
		return shirei.Route{}, false
	}
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			break
		}
		for _, next := range n.neighbours(cur) {
			if _, seen := prev[next]; seen {
				continue
			}
			if (shirei.Segment{A: cur, B: next}).Same(blocked) {
				continue
			}
			prev[next] = cur
			queue = append(queue, next)
		}
	}
	if _, ok := prev[to]; !ok {
		return shirei.Route{}, false
	}
	var path []string
	for s := to; s != ""; s = prev[s] {
		path = slices.Insert(path, 0, s)
	}
	return shirei.Route{Stations: path}, true
}

// FindAlternateRoute routes the train from its current station around blocked, rejoining
// its itinerary at the far end of blocked. The rest of the itinerary is kept.
func (n *Network) FindAlternateRoute(trainID string, blocked shirei.Segment) (shirei.Route, bool) {
	t, err := n.trains.Train(trainID)
	if err != nil {
		return shirei.Route{}, false
	}
	from := t.CurrentStation
	to := t.NextStation
	ia, ib := slices.Index(t.Route, blocked.A), slices.Index(t.Route, blocked.B)
	switch {
	case ia != -1 && ib > ia:
		to = blocked.B
	case ib != -1 && ia > ib:
		to = blocked.A
	}
	if from == "" || to == "" {
		return shirei.Route{}, false
	}
	r, ok := n.Find(from, to, blocked)
	if !ok {
		return shirei.Route{}, false
	}
	if i := slices.Index(t.Route, to); i != -1 {
		r.Stations = append(r.Stations, t.Route[i+1:]...)
	}
	return r, true
}
