package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 120 * time.Second
	wsPingInterval = 45 * time.Second

	// A rune outside the BMP escapes to a surrogate pair, "\uXXXX\uXXXX".
	wsMaxEscapedRuneBytes = 12
	wsEnvelopeBytes       = 4 << 10
	// wsReadLimit admits any content that can pass validation, so an
	// oversized message is answered with a turn-error instead of a close.
	wsReadLimit = protocol.MaxContentLength*wsMaxEscapedRuneBytes + wsEnvelopeBytes
)

// handleChatWS authenticates the handshake, then bridges websocket frames
// to the orchestrator until either side goes away.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	principal, err := s.gatekeeper.Authenticate(r.Context(), r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	registered := s.sessions.Register(principal.ID, cancel)
	defer func() {
		if _, err := s.sessions.Close(registered.ID); err == nil {
			s.metrics.ActiveConnections.Set(float64(s.sessions.ActiveCount()))
		}
	}()
	s.metrics.ActiveConnections.Set(float64(s.sessions.ActiveCount()))
	s.metrics.ConnectionEvents.WithLabelValues("ws_connected").Inc()

	logger := s.logger.With(zap.String("connection_id", registered.ID), zap.String("principal_id", principal.ID))
	logger.Info("chat connection opened")

	inbound := make(chan protocol.SubmitTurn, 64)
	outbound := make(chan protocol.Event, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, registered, principal, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				// Unblock the reader if the peer never answers the close.
				_ = conn.SetReadDeadline(time.Now().Add(time.Second))
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			case ev := <-outbound:
				raw, err := protocol.Encode(ev)
				if err != nil {
					logger.Error("encode outbound event", zap.String("type", string(ev.EventType())), zap.Error(err))
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					s.metrics.WSMessages.WithLabelValues("outbound_error", string(ev.EventType())).Inc()
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", string(ev.EventType())).Inc()
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = s.sessions.Touch(registered.ID)
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.sessions.Touch(registered.ID); err != nil {
			// Expired by the janitor.
			break
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.WSMessages.WithLabelValues("inbound_invalid", "unknown").Inc()
			ev := protocol.NewTurnError("", err)
			select {
			case outbound <- ev:
				s.metrics.OutboundMessages.WithLabelValues(string(ev.EventType()), "queued").Inc()
			default:
				// Writes stay single-threaded; drop when the queue is saturated.
				s.metrics.OutboundMessages.WithLabelValues(string(ev.EventType()), "drop_full").Inc()
			}
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeSubmitTurn)).Inc()
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- msg:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.ConnectionEvents.WithLabelValues("ws_disconnected").Inc()
	logger.Info("chat connection closed")
}
