package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leafwise/sprout/internal/companion"
	"github.com/leafwise/sprout/internal/protocol"
	"github.com/leafwise/sprout/internal/session"
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session is no longer active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop is the only sender on inbound and runConnection the
	// only sender on outbound, so each can be closed safely by its owner.
	inbound := make(chan any, 64)
	outbound := make(chan any, 64)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		s.runConnection(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.ObserveWSWriteError("write_json")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	// When the session ends server-side the read loop is still parked in
	// ReadMessage. Closing the conn after the writer has drained its last
	// frames is what unblocks it.
	go func() {
		<-writerDone
		cancel()
		_ = conn.Close()
	}()

	idle := s.cfg.SessionInactivityTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			parsed = clientParseError{err: err}
		} else if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// clientParseError carries an unparseable client frame to runConnection,
// which owns all outbound traffic.
type clientParseError struct {
	err error
}

// runConnection consumes parsed client frames and produces reply frames.
// It owns the conversational ordering: one turn at a time, in arrival
// order.
func (s *Server) runConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) {
	defer close(outbound)

	started := protocol.SessionStarted{
		Type:      protocol.TypeSessionStarted,
		SessionID: sess.ID,
		PersonaID: sess.PersonaID,
		Mode:      sess.Mode,
	}
	if s.tracker != nil {
		if snap, err := s.tracker.Snapshot(ctx, sess.UserID); err == nil {
			started.Stage = snap.Stage
		}
	}
	if !s.send(ctx, outbound, started) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case clientParseError:
				if !s.send(ctx, outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sess.ID,
					Code:      "invalid_client_message",
					Source:    "gateway",
					Retryable: false,
					Detail:    m.err.Error(),
				}) {
					return
				}
			case protocol.ClientControl:
				switch m.Action {
				case protocol.ActionPing:
					_ = s.sessions.Touch(sess.ID)
					s.send(ctx, outbound, protocol.SystemEvent{
						Type:      protocol.TypeSystemEvent,
						SessionID: sess.ID,
						Code:      "pong",
					})
				case protocol.ActionEnd:
					_, _ = s.sessions.End(sess.ID)
					s.metrics.SetActiveSessions(s.sessions.ActiveCount())
					s.metrics.ObserveSessionEvent("ended")
					s.send(ctx, outbound, protocol.SystemEvent{
						Type:      protocol.TypeSystemEvent,
						SessionID: sess.ID,
						Code:      "session_closing",
					})
					return
				}
			case protocol.ClientMessage:
				if !s.handleChatTurn(ctx, sess, m, outbound) {
					return
				}
			}
		}
	}
}

// handleChatTurn runs one message through the pipeline, streaming deltas
// as they arrive. Returns false when the connection is gone.
func (s *Server) handleChatTurn(ctx context.Context, sess *session.Session, m protocol.ClientMessage, outbound chan<- any) bool {
	marker := m.ClientMsgID
	if marker == "" {
		marker = "in-flight"
	}
	_ = s.sessions.StartTurn(sess.ID, marker)
	defer func() { _ = s.sessions.FinishTurn(sess.ID) }()

	mode := m.Mode
	if mode == "" {
		mode = sess.Mode
	}

	res, err := s.orch.SendMessageStream(ctx, companion.SendRequest{
		UserID:    sess.UserID,
		Tier:      sess.Tier,
		PersonaID: sess.PersonaID,
		Mode:      mode,
		Text:      m.Text,
	}, func(delta string) error {
		if !s.send(ctx, outbound, protocol.ReplyDelta{
			Type:        protocol.TypeReplyDelta,
			SessionID:   sess.ID,
			ClientMsgID: m.ClientMsgID,
			TextDelta:   delta,
		}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return s.send(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      "invalid_message",
			Source:    "companion",
			Retryable: false,
			Detail:    err.Error(),
		})
	}

	end := protocol.ReplyEnd{
		Type:          protocol.TypeReplyEnd,
		SessionID:     sess.ID,
		TurnID:        res.TurnID,
		ClientMsgID:   m.ClientMsgID,
		Reply:         res.Reply,
		EmotionTag:    res.EmotionTag,
		Intensity:     res.Intensity,
		Stage:         res.Stage,
		StageAdvanced: res.StageAdvanced,
		Fallback:      res.Fallback,
		Degraded:      res.Degraded,
	}
	if res.Milestone != nil {
		end.Milestone = &protocol.Milestone{
			ID:         res.Milestone.ID,
			EmotionTag: res.Milestone.EmotionTag,
			Day:        res.Milestone.Day,
		}
	}
	return s.send(ctx, outbound, end)
}

func (s *Server) send(ctx context.Context, outbound chan<- any, msg any) bool {
	t, _ := messageTypeOf(msg)
	select {
	case <-ctx.Done():
		s.metrics.ObserveOutboundMessage(string(t), "dropped")
		return false
	case outbound <- msg:
		s.metrics.ObserveOutboundMessage(string(t), "queued")
		return true
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientMessage:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.SessionStarted:
		return m.Type, true
	case protocol.ReplyDelta:
		return m.Type, true
	case protocol.ReplyEnd:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
