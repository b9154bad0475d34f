package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventEnvelope is the wire shape of one pushed event.
type eventEnvelope struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// handleEvents upgrades to a websocket and streams bus events. Browsers
// cannot set an Authorization header on the handshake, so the session token
// is also accepted as a ?token= query parameter. An optional ?topic= prefix
// narrows the stream; empty subscribes to everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if s.cfg.AgentSecret == "" || token == "" || !s.cfg.Sessions.Validate(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("events: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.logger.Info("events: client disconnecting", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain the read side so pings and client closes are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			envelope := eventEnvelope{Topic: ev.Topic, Payload: ev.Payload, Time: time.Now().UTC()}
			if err := wsjson.Write(ctx, conn, envelope); err != nil {
				s.logger.Error("events: write error, closing", "error", err)
				return
			}
		}
	}
}
