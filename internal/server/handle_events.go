package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// snapshotEvent is the first event of every stream when the play is live.
func snapshotEvent(plays *Registry, userID, journeyID string) ([]byte, bool) {
	p, ok := plays.Get(userID, journeyID)
	if !ok {
		return nil, false
	}
	st := p.session.State()
	data, _ := json.Marshal(Event{Type: EventJourney, Journey: &st})
	return data, true
}

func handleEvents(broker *Broker, plays *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)
		journeyID := chi.URLParam(r, "journeyID")

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		key := playKey(user.ID, journeyID)
		ch := broker.Subscribe(key)
		defer broker.Unsubscribe(key, ch)

		if data, ok := snapshotEvent(plays, user.ID, journeyID); ok {
			fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
			flusher.Flush()
		}

		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case data := <-ch:
				fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
				flusher.Flush()
			case <-ping.C:
				fmt.Fprintf(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}
