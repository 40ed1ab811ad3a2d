// Package ws streams session transitions and deployment events to
// WebSocket clients, backed by Redis pub/sub.
package ws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/caravel-dev/caravel/internal/runtime"
	redisstore "github.com/caravel-dev/caravel/internal/store/redis"
)

// Hub manages WebSocket connections backed by Redis pub/sub.
type Hub struct {
	pubsub *redisstore.PubSub
}

func NewHub(pubsub *redisstore.PubSub) *Hub {
	return &Hub{pubsub: pubsub}
}

// ServeSession streams a session's transition events.
// Subscribes to Redis channel "session:<sessionID>".
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	h.serve(w, r, runtime.SessionChannel(sessionID))
}

// ServeDeployments streams deployment results for all agent types.
func (h *Hub) ServeDeployments(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, redisstore.DeploymentsChannel)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	messages, cleanup, err := h.pubsub.Subscribe(ctx, channel)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}

// Publish sends an event payload to a Redis channel. Convenience wrapper
// for API handlers that mutate state.
func (h *Hub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := h.pubsub.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("ws.Hub.Publish: %w", err)
	}
	return nil
}
