// Package kujo streams store changes to browsers as server-sent events.
package kujo

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei/notify"
	"nyiyui.ca/hato/shirei/store"
)

// StreamChanges carries every committed store change as JSON.
const StreamChanges = "changes"

type Server struct {
	changes *notify.Multiplexer[store.Change]
	s       *sse.Server
}

// NewServer forwards changes until ctx is done.
func NewServer(ctx context.Context, changes *notify.Multiplexer[store.Change]) *Server {
	s := &Server{
		changes: changes,
		s:       sse.New(),
	}
	s.s.AutoReplay = false
	s.s.CreateStream(StreamChanges)
	ch := make(chan store.Change)
	s.changes.Subscribe("kujo", ch)
	go s.forward(ctx, ch)
	return s
}

func event(c store.Change) (*sse.Event, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &sse.Event{
		ID:   []byte(uuid.NewString()),
		Data: data,
	}, nil
}

func (s *Server) forward(ctx context.Context, ch chan store.Change) {
	defer s.s.Close()
	defer s.changes.Unsubscribe(ch)
	for {
		var c store.Change
		select {
		case <-ctx.Done():
			return
		case c = <-ch:
		}
		ev, err := event(c)
		if err != nil {
			zap.S().Errorw("kujo: marshal change", "kind", c.Kind, "id", c.ID, "error", err)
			continue
		}
		if !s.s.TryPublish(StreamChanges, ev) {
			zap.S().Debugw("kujo: change not published", "seq", c.Seq)
		}
	}
}

// ServeHTTP serves the event stream; clients pass ?stream=changes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "" {
		r = r.Clone(r.Context())
		q := r.URL.Query()
		q.Set("stream", StreamChanges)
		r.URL.RawQuery = q.Encode()
	}
	s.s.ServeHTTP(w, r)
}
