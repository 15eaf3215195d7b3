package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/feed"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statuses = []struct {
	err    error
	status int
	code   string
}{
	{shirei.ErrNotFound, http.StatusNotFound, "not_found"},
	{shirei.ErrInvalidKind, http.StatusBadRequest, "invalid_kind"},
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{shirei.ErrNoRoute, http.StatusUnprocessableEntity, "no_route"},
	{shirei.ErrInvalid, http.StatusUnprocessableEntity, "invalid"},
	{shirei.ErrAlreadyResolved, http.StatusConflict, "already_resolved"},
	{shirei.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{shirei.ErrRetiredID, http.StatusConflict, "retired_id"},
	{shirei.ErrCapacityExceeded, http.StatusConflict, "capacity_exceeded"},
	{feed.ErrBacklogFull, http.StatusServiceUnavailable, "backlog_full"},
}

// statusOf returns the HTTP status and error code for err.
func statusOf(err error) (int, string) {
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			return s.status, s.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status == http.StatusInternalServerError {
		zap.S().Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		zap.S().Debugw("request refused", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	respondJSON(w, status, errorBody{Error: err.Error(), Code: code})
}
