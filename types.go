package shirei

import (
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// Kind names a collection of records in the entity store.
type Kind string

const (
	KindTrain      Kind = "train"
	KindStation    Kind = "station"
	KindConflict   Kind = "conflict"
	KindAlert      Kind = "alert"
	KindSuggestion Kind = "suggestion"
)

// Kinds lists every valid Kind.
var Kinds = []Kind{KindTrain, KindStation, KindConflict, KindAlert, KindSuggestion}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// ParseKind accepts both the singular and the plural form ("train", "trains").
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSuffix(strings.ToLower(s), "s"))
	if !k.Valid() {
		return "", fmt.Errorf("kind %q: %w", s, ErrInvalidKind)
	}
	return k, nil
}

// Entity is a record owned by the entity store.
type Entity interface {
	EntityKind() Kind
	EntityID() string
	// WithID returns a copy of the entity with its id replaced.
	WithID(id string) Entity
	// Check returns an error wrapping ErrInvalid if an invariant does not hold.
	Check() error
}

// Point is a position on the network map.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

func (p Point) String() string {
	return fmt.Sprintf("(%.1f,%.1f)", p.X, p.Y)
}

type TrainType string

const (
	TrainTypeExpress TrainType = "express"
	TrainTypeLocal   TrainType = "local"
	TrainTypeFreight TrainType = "freight"
)

type Direction string

const (
	North Direction = "north"
	South Direction = "south"
	East  Direction = "east"
	West  Direction = "west"
)

type TrainStatus string

const (
	StatusRunning TrainStatus = "running"
	StatusStopped TrainStatus = "stopped"
	StatusDelayed TrainStatus = "delayed"
)

const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// PriorityLabel returns the controller-facing name of a train priority.
func PriorityLabel(p int) string {
	switch p {
	case 1:
		return "VIP"
	case 2:
		return "Express"
	case 3:
		return "Regular"
	case 4:
		return "Local"
	case 5:
		return "Freight"
	default:
		return fmt.Sprintf("P%d", p)
	}
}

// Train is a single train known to the network.
type Train struct {
	ID     string    `json:"id"`
	Number string    `json:"number"`
	Name   string    `json:"name"`
	Type   TrainType `json:"type"`
	// Priority is 1 (highest) to 5 (lowest).
	Priority int `json:"priority"`
	// CurrentSpeed and MaxSpeed are in km/h.
	CurrentSpeed   float64   `json:"currentSpeed"`
	MaxSpeed       float64   `json:"maxSpeed"`
	Position       Point     `json:"position"`
	Direction      Direction `json:"direction"`
	CurrentStation string    `json:"currentStation"`
	NextStation    string    `json:"nextStation"`
	// Route is the planned itinerary starting at CurrentStation, if known.
	Route []string `json:"route,omitempty"`
	// Delay is the schedule deviation in minutes.
	Delay  int         `json:"delay"`
	Status TrainStatus `json:"status"`
}

func (t Train) EntityKind() Kind { return KindTrain }
func (t Train) EntityID() string { return t.ID }

func (t Train) WithID(id string) Entity {
	t.ID = id
	return t
}

func (t Train) Check() error {
	switch {
	case t.Priority < PriorityHighest || t.Priority > PriorityLowest:
		return fmt.Errorf("train %s: priority %d out of range: %w", t.ID, t.Priority, ErrInvalid)
	case t.CurrentSpeed < 0:
		return fmt.Errorf("train %s: negative speed: %w", t.ID, ErrInvalid)
	case t.CurrentSpeed > t.MaxSpeed:
		return fmt.Errorf("train %s: speed %.1f exceeds max %.1f: %w", t.ID, t.CurrentSpeed, t.MaxSpeed, ErrInvalid)
	case t.Delay < 0:
		return fmt.Errorf("train %s: negative delay: %w", t.ID, ErrInvalid)
	}
	switch t.Status {
	case StatusRunning, StatusStopped, StatusDelayed:
	default:
		return fmt.Errorf("train %s: unknown status %q: %w", t.ID, t.Status, ErrInvalid)
	}
	return nil
}

// cloneIDs copies ids; an empty list becomes nil, as it reads back after encoding.
func cloneIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	return slices.Clone(ids)
}

// Clone returns a deep copy of t.
func (t Train) Clone() Train {
	t.Route = cloneIDs(t.Route)
	return t
}

// Segment returns the segment the train is currently travelling on.
func (t Train) Segment() (Segment, bool) {
	if t.CurrentStation == "" || t.NextStation == "" || t.CurrentStation == t.NextStation {
		return Segment{}, false
	}
	return Segment{A: t.CurrentStation, B: t.NextStation}, true
}

// After returns the station following station in the train's route.
func (t Train) After(station string) (string, bool) {
	i := slices.Index(t.Route, station)
	if i == -1 || i+1 >= len(t.Route) {
		return "", false
	}
	return t.Route[i+1], true
}

func (t Train) String() string {
	return fmt.Sprintf("%s(%s p%d %s→%s d%d %s)", t.ID, t.Number, t.Priority, t.CurrentStation, t.NextStation, t.Delay, t.Status)
}

// Station is a stop with a fixed number of platforms.
type Station struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Position  Point  `json:"position"`
	Platforms int    `json:"platforms"`
	Occupancy int    `json:"occupancy"`
}

func (s Station) EntityKind() Kind { return KindStation }
func (s Station) EntityID() string { return s.ID }

func (s Station) WithID(id string) Entity {
	s.ID = id
	return s
}

func (s Station) Check() error {
	if s.Occupancy < 0 || s.Occupancy > s.Platforms {
		return fmt.Errorf("station %s: occupancy %d not within 0..%d: %w", s.ID, s.Occupancy, s.Platforms, ErrInvalid)
	}
	return nil
}

// Free returns the number of unoccupied platforms (never negative).
func (s Station) Free() int {
	return max(0, s.Platforms-s.Occupancy)
}

// Segment is a stretch of track between two adjacent stations.
// A and B are directional when describing a train's movement; use Normalize to compare
// segments regardless of direction.
type Segment struct {
	A string `json:"a"`
	B string `json:"b"`
}

func (s Segment) Normalize() Segment {
	if s.B < s.A {
		return Segment{A: s.B, B: s.A}
	}
	return s
}

// Same reports whether s and o are the same piece of track.
func (s Segment) Same(o Segment) bool {
	return s.Normalize() == o.Normalize()
}

func (s Segment) Reverse() Segment {
	return Segment{A: s.B, B: s.A}
}

func (s Segment) String() string {
	return s.A + "-" + s.B
}

// Route is a sequence of stations.
type Route struct {
	Stations []string `json:"stations"`
}

func (r Route) String() string {
	return strings.Join(r.Stations, "→")
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Rank orders severities; higher is more severe. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(s))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("severity %q: %w", s, ErrInvalid)
	}
	return sev, nil
}

type ConflictKind string

const (
	ConflictJunction ConflictKind = "junction"
	ConflictPlatform ConflictKind = "platform"
	ConflictSignal   ConflictKind = "signal"
)

// ConflictState is where a conflict is in its lifecycle.
// Every state other than ConflictOpen is terminal.
type ConflictState string

const (
	ConflictOpen     ConflictState = "open"
	ConflictAllowed  ConflictState = "allowed"
	ConflictHeld     ConflictState = "held"
	ConflictRerouted ConflictState = "rerouted"
	// ConflictResolved is recorded when an approved suggestion cleared the conflict.
	ConflictResolved ConflictState = "resolved"
)

func (s ConflictState) Terminal() bool {
	return s != ConflictOpen && s != ""
}

// Decision is a controller's verdict on a conflict.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionHold    Decision = "hold"
	DecisionReroute Decision = "reroute"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(s)); d {
	case DecisionAllow, DecisionHold, DecisionReroute:
		return d, nil
	default:
		return "", fmt.Errorf("decision %q: %w", s, ErrInvalid)
	}
}

// State returns the terminal conflict state d leads to.
func (d Decision) State() ConflictState {
	switch d {
	case DecisionAllow:
		return ConflictAllowed
	case DecisionHold:
		return ConflictHeld
	case DecisionReroute:
		return ConflictRerouted
	default:
		panic(fmt.Sprintf("unknown decision %q", d))
	}
}

// Conflict is contention for a shared resource between trains.
type Conflict struct {
	ID       string       `json:"id"`
	Kind     ConflictKind `json:"type"`
	Severity Severity     `json:"severity"`
	Trains   []string     `json:"trains"`
	Location string       `json:"location"`
	// Station is set for platform and signal conflicts tied to a station.
	Station string `json:"station,omitempty"`
	// Segment is set for junction conflicts.
	Segment     *Segment      `json:"segment,omitempty"`
	Description string        `json:"description"`
	Timestamp   time.Time     `json:"timestamp"`
	State       ConflictState `json:"state"`
	Decision    Decision      `json:"decision,omitempty"`
	ResolvedAt  *time.Time    `json:"resolvedAt,omitempty"`
}

func (c Conflict) EntityKind() Kind { return KindConflict }
func (c Conflict) EntityID() string { return c.ID }

func (c Conflict) WithID(id string) Entity {
	c.ID = id
	return c
}

func (c Conflict) Check() error {
	switch c.Kind {
	case ConflictJunction, ConflictPlatform, ConflictSignal:
	default:
		return fmt.Errorf("conflict %s: unknown type %q: %w", c.ID, c.Kind, ErrInvalid)
	}
	if c.Severity.Rank() == 0 {
		return fmt.Errorf("conflict %s: unknown severity %q: %w", c.ID, c.Severity, ErrInvalid)
	}
	return nil
}

func (c Conflict) Clone() Conflict {
	c.Trains = cloneIDs(c.Trains)
	if c.Segment != nil {
		seg := *c.Segment
		c.Segment = &seg
	}
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		c.ResolvedAt = &at
	}
	return c
}

// DedupKey identifies the contention a conflict describes: the same kind at the same
// location between the same set of trains.
func (c Conflict) DedupKey() string {
	trains := slices.Clone(c.Trains)
	slices.Sort(trains)
	return fmt.Sprintf("%s|%s|%s", c.Kind, c.Location, strings.Join(trains, ","))
}

type AlertCategory string

const (
	AlertSystem      AlertCategory = "system"
	AlertWeather     AlertCategory = "weather"
	AlertMaintenance AlertCategory = "maintenance"
	AlertEmergency   AlertCategory = "emergency"
)

type Alert struct {
	ID        string        `json:"id"`
	Category  AlertCategory `json:"type"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	Read      bool          `json:"isRead"`
	// Conflict is the conflict that raised this alert, if any.
	Conflict string `json:"conflict,omitempty"`
}

func (a Alert) EntityKind() Kind { return KindAlert }
func (a Alert) EntityID() string { return a.ID }

func (a Alert) WithID(id string) Entity {
	a.ID = id
	return a
}

func (a Alert) Check() error {
	switch a.Category {
	case AlertSystem, AlertWeather, AlertMaintenance, AlertEmergency:
	default:
		return fmt.Errorf("alert %s: unknown type %q: %w", a.ID, a.Category, ErrInvalid)
	}
	if a.Severity.Rank() == 0 {
		return fmt.Errorf("alert %s: unknown severity %q: %w", a.ID, a.Severity, ErrInvalid)
	}
	return nil
}

type ActionKind string

const (
	ActionDelay       ActionKind = "delay"
	ActionReroute     ActionKind = "reroute"
	ActionSpeedAdjust ActionKind = "speed_adjust"
)

type SuggestionPriority string

const (
	SuggestionHigh   SuggestionPriority = "high"
	SuggestionMedium SuggestionPriority = "medium"
	SuggestionLow    SuggestionPriority = "low"
)

type Impact string

const (
	ImpactMinimal     Impact = "minimal"
	ImpactModerate    Impact = "moderate"
	ImpactSignificant Impact = "significant"
)

// SuggestionState is pending until a controller approves or rejects it, after which it
// never changes.
type SuggestionState string

const (
	SuggestionPending  SuggestionState = "pending"
	SuggestionApproved SuggestionState = "approved"
	SuggestionRejected SuggestionState = "rejected"
)

// TrafficSuggestion is a proposed resolution for a conflict.
type TrafficSuggestion struct {
	ID            string     `json:"id"`
	Action        ActionKind `json:"type"`
	AffectedTrain string     `json:"affectedTrain"`
	// Beneficiary is empty when the conflict implicates a single train.
	Beneficiary string `json:"beneficiary,omitempty"`
	// Conflict is the source conflict; seeded suggestions may have none.
	Conflict string `json:"conflict,omitempty"`
	Reason   string `json:"reason"`
	// EstimatedDelay is the cost to AffectedTrain in minutes.
	EstimatedDelay int                `json:"estimatedDelay"`
	Priority       SuggestionPriority `json:"priority"`
	Impact         Impact             `json:"impact"`
	// Route is the alternate itinerary for reroute suggestions.
	Route     []string        `json:"route,omitempty"`
	State     SuggestionState `json:"state"`
	CreatedAt time.Time       `json:"createdAt"`
	DecidedAt *time.Time      `json:"decidedAt,omitempty"`
}

func (s TrafficSuggestion) EntityKind() Kind { return KindSuggestion }
func (s TrafficSuggestion) EntityID() string { return s.ID }

func (s TrafficSuggestion) WithID(id string) Entity {
	s.ID = id
	return s
}

func (s TrafficSuggestion) Clone() TrafficSuggestion {
	s.Route = cloneIDs(s.Route)
	if s.DecidedAt != nil {
		at := *s.DecidedAt
		s.DecidedAt = &at
	}
	return s
}

func (s TrafficSuggestion) Check() error {
	switch s.Action {
	case ActionDelay, ActionReroute, ActionSpeedAdjust:
	default:
		return fmt.Errorf("suggestion %s: unknown type %q: %w", s.ID, s.Action, ErrInvalid)
	}
	if s.AffectedTrain == "" {
		return fmt.Errorf("suggestion %s: no affected train: %w", s.ID, ErrInvalid)
	}
	if s.EstimatedDelay < 0 {
		return fmt.Errorf("suggestion %s: negative delay: %w", s.ID, ErrInvalid)
	}
	switch s.State {
	case SuggestionPending, SuggestionApproved, SuggestionRejected:
	default:
		return fmt.Errorf("suggestion %s: unknown state %q: %w", s.ID, s.State, ErrInvalid)
	}
	return nil
}
