package api

import (
	"math"

	"nyiyui.ca/hato/shirei"
)

// OnTimeDelay is the largest delay, in minutes, still counted as on time.
const OnTimeDelay = 5

// Stats summarizes the network for the dashboard.
type Stats struct {
	Trains         int                        `json:"trains"`
	ActiveTrains   int                        `json:"activeTrains"`
	TrainsByStatus map[shirei.TrainStatus]int `json:"trainsByStatus"`
	// OnTimePercent is 100 for an empty network.
	OnTimePercent float64 `json:"onTimePercent"`
	AverageDelay  float64 `json:"averageDelay"`

	Stations       int `json:"stations"`
	FreePlatforms  int `json:"freePlatforms"`
	TotalPlatforms int `json:"totalPlatforms"`

	OpenConflicts      map[shirei.Severity]int `json:"openConflicts"`
	PendingSuggestions int                     `json:"pendingSuggestions"`
	Alerts             int                     `json:"alerts"`
	UnreadAlerts       int                     `json:"unreadAlerts"`
}

func ComputeStats(trains []shirei.Train, stations []shirei.Station, conflicts []shirei.Conflict, suggestions []shirei.TrafficSuggestion, alerts []shirei.Alert) Stats {
	s := Stats{
		Trains:         len(trains),
		TrainsByStatus: map[shirei.TrainStatus]int{},
		OnTimePercent:  100,
		Stations:       len(stations),
		OpenConflicts:  map[shirei.Severity]int{},
		Alerts:         len(alerts),
	}
	onTime, delay := 0, 0
	for _, t := range trains {
		s.TrainsByStatus[t.Status]++
		if t.Status == shirei.StatusRunning {
			s.ActiveTrains++
		}
		if t.Delay <= OnTimeDelay {
			onTime++
		}
		delay += t.Delay
	}
	if len(trains) > 0 {
		s.OnTimePercent = round1(100 * float64(onTime) / float64(len(trains)))
		s.AverageDelay = round1(float64(delay) / float64(len(trains)))
	}
	for _, st := range stations {
		s.TotalPlatforms += st.Platforms
		s.FreePlatforms += st.Free()
	}
	for _, c := range conflicts {
		if c.State == shirei.ConflictOpen {
			s.OpenConflicts[c.Severity]++
		}
	}
	for _, ts := range suggestions {
		if ts.State == shirei.SuggestionPending {
			s.PendingSuggestions++
		}
	}
	for _, a := range alerts {
		if !a.Read {
			s.UnreadAlerts++
		}
	}
	return s
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
