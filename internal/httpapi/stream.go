package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
	"github.com/agentworkforce/relayfeed/internal/pushws"
)

const subscribeTimeout = 10 * time.Second

// handleStream upgrades to a websocket and forwards the user's newly
// published notifications as push frames.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	logger := s.logger.With(slog.String("user_id", userID), slog.String("correlation_id", getCorrelationID(r)))

	subCtx, cancel := context.WithTimeout(r.Context(), subscribeTimeout)
	var sub pushws.Frame
	err = wsjson.Read(subCtx, conn, &sub)
	cancel()
	if err != nil {
		logger.Debug("stream closed before subscribe", slog.String("error", err.Error()))
		return
	}
	if sub.Type != pushws.FrameSubscribe || sub.Topic != feedsync.UserTopic(userID) {
		_ = wsjson.Write(r.Context(), conn, pushws.Frame{Type: pushws.FrameError, Message: "forbidden topic"})
		conn.Close(websocket.StatusPolicyViolation, "forbidden topic")
		return
	}

	listener := s.store.Listen(userID)
	defer listener.Close()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StreamOpened()
		defer s.cfg.Metrics.StreamClosed()
	}
	if err := wsjson.Write(r.Context(), conn, pushws.Frame{Type: pushws.FrameSubscribed, Topic: sub.Topic}); err != nil {
		return
	}
	logger.Debug("stream subscribed", slog.String("topic", sub.Topic))

	// Clients never send after subscribing; CloseRead handles control frames
	// and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-listener.C:
			if !ok {
				return
			}
			if err := writeItem(ctx, conn, item); err != nil {
				logger.Debug("stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug("stream ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeItem(ctx context.Context, conn *websocket.Conn, item feedsync.Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, pushws.Frame{Type: pushws.FrameMessage, Payload: payload})
}
