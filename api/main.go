// Package api serves the entity store and decision workflow as JSON over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/audit"
	"nyiyui.ca/hato/shirei/feed"
	"nyiyui.ca/hato/shirei/store"
	"nyiyui.ca/hato/shirei/workflow"
)

type Conf struct {
	Store    *store.Store
	Workflow *workflow.Workflow
	Signals  *feed.Signals
	Weather  *feed.Weather
	// Audit may be nil.
	Audit *audit.Logger
}

type Server struct {
	conf  Conf
	mux   *http.ServeMux
	h     http.Handler
	start time.Time
}

func New(conf Conf) *Server {
	s := &Server{
		conf:  conf,
		mux:   http.NewServeMux(),
		start: time.Now(),
	}
	s.setup()
	s.h = logRequests(Cors(s.mux))
	return s
}

func (s *Server) setup() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	s.mux.HandleFunc("GET /api/v1/audit/{id}", s.handleAuditEntry)
	s.mux.HandleFunc("GET /api/v1/{kind}", s.handleList)
	s.mux.HandleFunc("GET /api/v1/{kind}/{id}", s.handleGet)

	s.mux.HandleFunc("POST /api/v1/conflicts/{id}/decide", s.handleDecide)
	s.mux.HandleFunc("POST /api/v1/suggestions/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/v1/suggestions/{id}/reject", s.handleReject)
	s.mux.HandleFunc("POST /api/v1/alerts/{id}/read", s.handleAlertRead)
	s.mux.HandleFunc("POST /api/v1/alerts/read", s.handleAllAlertsRead)

	s.mux.HandleFunc("POST /api/v1/feeds/signal", s.handleSignal)
	s.mux.HandleFunc("POST /api/v1/feeds/weather", s.handleWeather)
}

// Handle mounts an extra handler, such as the event stream or the board page.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.h.ServeHTTP(w, r)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.S().Warnw("encode response", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %s: %w", err, errBadRequest)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.start).String(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, err := shirei.ParseKind(r.PathValue("kind"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	filter, err := parseFilter(kind, r.URL.Query())
	if err != nil {
		respondError(w, r, err)
		return
	}
	es, err := s.conf.Store.List(kind, filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		string(kind) + "s": es,
		"count":            len(es),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, err := shirei.ParseKind(r.PathValue("kind"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	e, err := s.conf.Store.Get(kind, r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

type predicate func(shirei.Entity) bool

func is[E shirei.Entity](f func(E) bool) predicate {
	return func(e shirei.Entity) bool {
		v, ok := e.(E)
		return ok && f(v)
	}
}

// parseFilter turns query parameters into a filter for kind. Unknown parameters are
// refused.
func parseFilter(kind shirei.Kind, q url.Values) (func(shirei.Entity) bool, error) {
	var ps []predicate
	for key := range q {
		p, err := predicateFor(kind, key, q.Get(key))
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	if len(ps) == 0 {
		return nil, nil
	}
	return func(e shirei.Entity) bool {
		for _, p := range ps {
			if !p(e) {
				return false
			}
		}
		return true
	}, nil
}

func predicateFor(kind shirei.Kind, key, v string) (predicate, error) {
	switch kind {
	case shirei.KindTrain:
		switch key {
		case "priority":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("priority %q: %w", v, errBadRequest)
			}
			return is(func(t shirei.Train) bool { return t.Priority == n }), nil
		case "status":
			return is(func(t shirei.Train) bool { return string(t.Status) == v }), nil
		case "type":
			return is(func(t shirei.Train) bool { return string(t.Type) == v }), nil
		case "station":
			return is(func(t shirei.Train) bool { return t.CurrentStation == v || t.NextStation == v }), nil
		}
	case shirei.KindConflict:
		switch key {
		case "state":
			return is(func(c shirei.Conflict) bool { return string(c.State) == v }), nil
		case "type":
			return is(func(c shirei.Conflict) bool { return string(c.Kind) == v }), nil
		case "severity":
			return is(func(c shirei.Conflict) bool { return string(c.Severity) == v }), nil
		}
	case shirei.KindAlert:
		switch key {
		case "unread":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("unread %q: %w", v, errBadRequest)
			}
			return is(func(a shirei.Alert) bool { return a.Read != b }), nil
		case "type":
			return is(func(a shirei.Alert) bool { return string(a.Category) == v }), nil
		case "severity":
			return is(func(a shirei.Alert) bool { return string(a.Severity) == v }), nil
		}
	case shirei.KindSuggestion:
		switch key {
		case "state":
			return is(func(s shirei.TrafficSuggestion) bool { return string(s.State) == v }), nil
		case "type":
			return is(func(s shirei.TrafficSuggestion) bool { return string(s.Action) == v }), nil
		case "priority":
			return is(func(s shirei.TrafficSuggestion) bool { return string(s.Priority) == v }), nil
		case "conflict":
			return is(func(s shirei.TrafficSuggestion) bool { return s.Conflict == v }), nil
		case "train":
			return is(func(s shirei.TrafficSuggestion) bool { return s.AffectedTrain == v || s.Beneficiary == v }), nil
		}
	}
	return nil, fmt.Errorf("unknown filter %q for %s: %w", key, kind, errBadRequest)
}

type decideRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	d, err := shirei.ParseDecision(req.Decision)
	if err != nil {
		respondError(w, r, err)
		return
	}
	c, err := s.conf.Workflow.Decide(r.Context(), r.PathValue("id"), d)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ts, err := s.conf.Workflow.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ts)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	ts, err := s.conf.Workflow.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ts)
}

func (s *Server) handleAlertRead(w http.ResponseWriter, r *http.Request) {
	a, err := s.conf.Workflow.MarkAlertRead(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleAllAlertsRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.conf.Workflow.MarkAllAlertsRead(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var report feed.FaultReport
	if err := decodeBody(w, r, &report); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.conf.Signals.Push(report); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	var report feed.WeatherReport
	if err := decodeBody(w, r, &report); err != nil {
		respondError(w, r, err)
		return
	}
	a, err := s.conf.Weather.Report(report)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.conf.Store
	respondJSON(w, http.StatusOK, ComputeStats(
		st.Trains(nil),
		st.Stations(nil),
		st.Conflicts(nil),
		st.Suggestions(nil),
		st.Alerts(nil),
	))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	es, err := s.conf.Audit.Entries()
	if err != nil {
		respondError(w, r, err)
		return
	}
	if es == nil {
		es = []audit.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entries": es,
		"count":   len(es),
	})
}

func (s *Server) handleAuditEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.conf.Audit.Find(r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}
