package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/fieldwatch/internal/access"
	"github.com/ent0n29/fieldwatch/internal/events"
	"github.com/ent0n29/fieldwatch/internal/policy"
	"github.com/ent0n29/fieldwatch/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 90 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEventsWS streams lifecycle events to a supervisor dashboard. The
// connection starts scoped by the caller's history rights and can be
// narrowed with a client_filter message.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event feed not configured")
		return
	}
	caller, _ := access.CallerFrom(r.Context())
	initial, d := policy.HistoryScope(caller, 0)
	if !d.Allowed {
		respondError(w, http.StatusForbidden, "forbidden", d.Reason)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	feed, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	var scope atomic.Int64
	scope.Store(initial)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeFeed(ctx, cancel, conn, feed, replies, &scope)
	}()

	replies <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "ready", Detail: s.coordinator.GatewayMode()}

	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.handleFeedMessage(caller, data, &scope)
		select {
		case replies <- reply:
		case <-ctx.Done():
		default:
			// Keep websocket writes single-threaded; drop if the reply queue is saturated.
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) handleFeedMessage(caller access.Caller, data []byte, scope *atomic.Int64) any {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.metrics.ObserveWSMessage("inbound", "invalid")
		return protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "invalid_client_message",
			Detail: err.Error(),
		}
	}

	switch msg := parsed.(type) {
	case protocol.ClientPing:
		s.metrics.ObserveWSMessage("inbound", string(msg.Type))
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "pong"}
	case protocol.ClientFilter:
		s.metrics.ObserveWSMessage("inbound", string(msg.Type))
		next, d := policy.HistoryScope(caller, msg.SupervisorID)
		if !d.Allowed {
			return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "forbidden", Detail: d.Reason}
		}
		scope.Store(next)
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "filter_applied"}
	default:
		return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "invalid_client_message"}
	}
}

func (s *Server) writeFeed(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, feed <-chan events.Event, replies <-chan any, scope *atomic.Int64) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	write := func(v any, msgType string) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			cancel()
			return false
		}
		s.metrics.ObserveWSMessage("outbound", msgType)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				cancel()
				return
			}
		case reply := <-replies:
			if !write(reply, replyType(reply)) {
				return
			}
		case e, ok := <-feed:
			if !ok {
				cancel()
				return
			}
			if want := scope.Load(); want != 0 && e.SupervisorID != want {
				continue
			}
			if !write(protocol.NewSessionEvent(e), string(e.Type)) {
				return
			}
		}
	}
}

func replyType(v any) string {
	switch m := v.(type) {
	case protocol.SystemEvent:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}
