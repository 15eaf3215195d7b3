package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/api"
)

// Client reads the board's data from a running server.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// Snapshot is everything the board shows at one time.
type Snapshot struct {
	Stats       api.Stats
	Trains      []shirei.Train
	Conflicts   []shirei.Conflict
	Suggestions []shirei.TrafficSuggestion
	Alerts      []shirei.Alert
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
			return fmt.Errorf("GET %s: %s", path, resp.Status)
		}
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	if err := c.get(ctx, "/api/v1/stats", &s.Stats); err != nil {
		return Snapshot{}, err
	}
	var trains struct {
		Trains []shirei.Train `json:"trains"`
	}
	if err := c.get(ctx, "/api/v1/trains", &trains); err != nil {
		return Snapshot{}, err
	}
	var conflicts struct {
		Conflicts []shirei.Conflict `json:"conflicts"`
	}
	if err := c.get(ctx, "/api/v1/conflicts?state=open", &conflicts); err != nil {
		return Snapshot{}, err
	}
	var suggestions struct {
		Suggestions []shirei.TrafficSuggestion `json:"suggestions"`
	}
	if err := c.get(ctx, "/api/v1/suggestions?state=pending", &suggestions); err != nil {
		return Snapshot{}, err
	}
	var alerts struct {
		Alerts []shirei.Alert `json:"alerts"`
	}
	if err := c.get(ctx, "/api/v1/alerts?unread=true", &alerts); err != nil {
		return Snapshot{}, err
	}
	s.Trains = trains.Trains
	s.Conflicts = conflicts.Conflicts
	s.Suggestions = suggestions.Suggestions
	s.Alerts = alerts.Alerts
	return s, nil
}
