package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"mdcn/internal/domain"
	"mdcn/internal/engine"
	"mdcn/internal/projection"
)

// WatchFrame is one server-sent event on the watch stream.
type WatchFrame struct {
	BuiltAt time.Time           `json:"built_at,omitempty"`
	Counts  map[domain.Kind]int `json:"counts,omitempty"`
	Inbox   map[domain.Kind]int `json:"inbox,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func watchFrame(s *engine.Session, snap *projection.Snapshot, err error) WatchFrame {
	if err != nil {
		return WatchFrame{Error: err.Error()}
	}
	inbox := make(map[domain.Kind]int, len(domain.MessageKinds()))
	for _, k := range domain.MessageKinds() {
		inbox[k] = len(s.InboxOf(snap, k, domain.GroupNone, domain.BranchNone))
	}
	return WatchFrame{BuiltAt: snap.BuiltAt, Counts: snap.Counts(), Inbox: inbox}
}

// registerWatch streams a frame per projection rebuild until the client
// goes away.
func registerWatch(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "watch"), func(w http.ResponseWriter, req *http.Request) {
		s, err := openSession(req.Context(), e)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := e.Watch(req.Context(), func(snap *projection.Snapshot, err error) {
			event := "snapshot"
			if err != nil {
				event = "error"
				e.Log.Warn().Err(err).Str("identity", string(s.Identity)).Msg("watch rebuild failed")
			}
			data, _ := json.Marshal(watchFrame(s, snap, err))
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			flusher.Flush()
		})
		defer sub.Close()
		<-sub.Done()
	})
}
