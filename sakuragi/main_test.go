package sakuragi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nyiyui.ca/hato/shirei/config"
	"nyiyui.ca/hato/shirei/seed"
	"nyiyui.ca/hato/shirei/store"
)

func TestBoard(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	b := New(s)
	w := httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/board", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "None open.")

	d, err := seed.Sample()
	require.NoError(t, err)
	_, err = d.Load(s, config.Default().Priority, time.Now())
	require.NoError(t, err)

	w = httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/board", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	for _, want := range []string{"New Delhi", "Shatabdi Express", "VIP", "C001", "TS002", "via AGR-GZB-DEL", "T001, T003", "Heavy fog"} {
		assert.Contains(t, body, want)
	}
	// read alerts are not shown
	assert.NotContains(t, body, "Track maintenance scheduled")
}
