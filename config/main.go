// Package config holds the traffic policy: the tunable thresholds used by detection,
// suggestion and motion. Defaults are embedded; a YAML file may override any subset.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"nyiyui.ca/hato/shirei"
)

//go:embed default_policy.yaml
var defaultPolicyData []byte

type Policy struct {
	Detection  Detection  `yaml:"detection"`
	Suggestion Suggestion `yaml:"suggestion"`
	Motion     Motion     `yaml:"motion"`
	Priority   Priority   `yaml:"priority"`
}

type Detection struct {
	Interval      time.Duration `yaml:"interval"`
	ArrivalWindow time.Duration `yaml:"arrival_window"`
	SafetyMargin  time.Duration `yaml:"safety_margin"`
	// MinSpeed in km/h.
	MinSpeed         float64 `yaml:"min_speed"`
	KmPerUnit        float64 `yaml:"km_per_unit"`
	CriticalOverflow int     `yaml:"critical_overflow"`
}

type Suggestion struct {
	Interval  time.Duration `yaml:"interval"`
	DelayCost CostRanges    `yaml:"delay_cost"`
	Impact    Impact        `yaml:"impact"`
}

// Range is an inclusive range of minutes.
type Range struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type CostRanges struct {
	Critical Range `yaml:"critical"`
	Warning  Range `yaml:"warning"`
	Info     Range `yaml:"info"`
}

type Impact struct {
	Minimal  int `yaml:"minimal"`
	Moderate int `yaml:"moderate"`
}

type Motion struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Jitter      float64       `yaml:"jitter"`
	SpeedJitter float64       `yaml:"speed_jitter"`
	Seed        int64         `yaml:"seed"`
}

// Priority is the default train priority per train type.
type Priority struct {
	Express int `yaml:"express"`
	Local   int `yaml:"local"`
	Freight int `yaml:"freight"`
}

func (p Priority) For(t shirei.TrainType) int {
	switch t {
	case shirei.TrainTypeExpress:
		return p.Express
	case shirei.TrainTypeLocal:
		return p.Local
	case shirei.TrainTypeFreight:
		return p.Freight
	default:
		return 3
	}
}

// Default returns the embedded default policy.
func Default() Policy {
	p, err := parse(defaultPolicyData, Policy{})
	if err != nil {
		panic(fmt.Sprintf("parse default policy: %s", err))
	}
	return p
}

// Load returns the default policy overridden by the file at path, if it exists.
func Load(path string) (Policy, error) {
	base := Default()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return base, fmt.Errorf("read policy: %w", err)
	}
	p, err := parse(data, base)
	if err != nil {
		return base, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return base, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// parse decodes data on top of base; keys absent from data keep base's values.
func parse(data []byte, base Policy) (Policy, error) {
	p := base
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	d := p.Detection
	switch {
	case d.Interval <= 0:
		return errors.New("detection.interval must be positive")
	case d.ArrivalWindow <= 0:
		return errors.New("detection.arrival_window must be positive")
	case d.SafetyMargin < 0:
		return errors.New("detection.safety_margin must not be negative")
	case d.MinSpeed <= 0:
		return errors.New("detection.min_speed must be positive")
	case d.KmPerUnit <= 0:
		return errors.New("detection.km_per_unit must be positive")
	case d.CriticalOverflow < 1:
		return errors.New("detection.critical_overflow must be at least 1")
	}
	s := p.Suggestion
	if s.Interval <= 0 {
		return errors.New("suggestion.interval must be positive")
	}
	for name, r := range map[string]Range{"critical": s.DelayCost.Critical, "warning": s.DelayCost.Warning, "info": s.DelayCost.Info} {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("suggestion.delay_cost.%s: bad range %d..%d", name, r.Min, r.Max)
		}
	}
	// costs must never decrease as severity increases
	if s.DelayCost.Warning.Min < s.DelayCost.Info.Max || s.DelayCost.Critical.Min < s.DelayCost.Warning.Max {
		return errors.New("suggestion.delay_cost must be monotonic in severity")
	}
	if s.Impact.Moderate < s.Impact.Minimal {
		return errors.New("suggestion.impact.moderate must not be below minimal")
	}
	if p.Motion.Enabled && p.Motion.Interval <= 0 {
		return errors.New("motion.interval must be positive")
	}
	for name, v := range map[string]int{"express": p.Priority.Express, "local": p.Priority.Local, "freight": p.Priority.Freight} {
		if v < shirei.PriorityHighest || v > shirei.PriorityLowest {
			return fmt.Errorf("priority.%s: %d out of range", name, v)
		}
	}
	return nil
}

// CostRange returns the delay cost range for a severity.
func (s Suggestion) CostRange(sev shirei.Severity) Range {
	switch sev {
	case shirei.SeverityCritical:
		return s.DelayCost.Critical
	case shirei.SeverityWarning:
		return s.DelayCost.Warning
	default:
		return s.DelayCost.Info
	}
}

// Cost places frac (clamped to 0..1) within the severity's cost range.
func (s Suggestion) Cost(sev shirei.Severity, frac float64) int {
	r := s.CostRange(sev)
	frac = math.Max(0, math.Min(1, frac))
	return r.Min + int(math.Round(float64(r.Max-r.Min)*frac))
}

// ImpactOf classifies a delay cost.
func (s Suggestion) ImpactOf(cost int) shirei.Impact {
	switch {
	case cost <= s.Impact.Minimal:
		return shirei.ImpactMinimal
	case cost <= s.Impact.Moderate:
		return shirei.ImpactModerate
	default:
		return shirei.ImpactSignificant
	}
}

func (p Policy) ToYAML() (string, error) {
	out, err := yaml.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// GetEnv returns the environment variable key, or fallback if it is unset or empty.
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
