package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
)

// handleStream pushes the play's events over a WebSocket. The stream is
// one-way; client messages are discarded.
func handleStream(logger *slog.Logger, broker *Broker, plays *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)
		journeyID := chi.URLParam(r, "journeyID")

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Error("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Hour)
		defer cancel()
		ctx = conn.CloseRead(ctx)

		key := playKey(user.ID, journeyID)
		ch := broker.Subscribe(key)
		defer broker.Unsubscribe(key, ch)

		if data, ok := snapshotEvent(plays, user.ID, journeyID); ok {
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				logger.Debug("websocket stream ended", "error", ctx.Err())
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case data := <-ch:
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					logger.Debug("websocket write failed", "error", err)
					return
				}
			}
		}
	}
}
