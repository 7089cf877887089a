package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/indigoai-us/hq/internal/auth"
	"github.com/indigoai-us/hq/internal/store"
	"github.com/indigoai-us/hq/pkg/protocol"
)

// interruptText is the stop-gap interrupt: the agent has no dedicated
// interrupt frame yet, so a plain user message asks it to stand down.
const interruptText = "Stop what you are doing and wait for further instructions."

// browserSession is one browser WebSocket and the set of relays it is
// subscribed to.
type browserSession struct {
	bc       *browserConn
	identity *auth.Identity
	relays   map[string]*SessionRelay
	limiter  frameLimiter
}

// frameLimiter is a token bucket applied per browser connection. Only the
// read loop touches it, so no locking.
type frameLimiter struct {
	tokens float64
	rate   float64
	burst  int
	last   time.Time
}

func (l *frameLimiter) allow() bool {
	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// HandleBrowserWS handles browser WebSocket connections at /ws. Browsers
// authenticate with a bearer token (query parameter or Authorization header)
// and then subscribe to sessions by ID.
func (s *Service) HandleBrowserWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("browser websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	closeWith := func(code int, reason string) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteDeadline))
	}

	token := bearerToken(req)
	if token == "" {
		closeWith(CloseAuthMissing, "Authentication required")
		return
	}

	identity, err := s.authProvider.ValidateToken(req.Context(), token)
	if err != nil {
		closeWith(CloseAuthMissing, "Authentication failed")
		return
	}

	bc := &browserConn{
		id:     uuid.New().String(),
		userID: identity.UserID,
		conn:   conn,
		send:   make(chan []byte, browserSendQueue),
		done:   make(chan struct{}),
	}
	go bc.writePump()

	conn.SetReadLimit(s.maxBrowserMsgSize)
	cancelKeepalive := startWSKeepalive(conn, &bc.mu, s.pingInterval, s.pongTimeout)
	defer cancelKeepalive()

	bs := &browserSession{
		bc:       bc,
		identity: identity,
		relays:   make(map[string]*SessionRelay),
		limiter: frameLimiter{
			tokens: float64(s.frameBurst),
			rate:   s.frameRate,
			burst:  s.frameBurst,
			last:   time.Now(),
		},
	}
	defer func() {
		for _, r := range bs.relays {
			r.dropBrowser(bc)
			r.BroadcastStatus()
		}
		bc.shutdown()
		s.logger.Info("browser disconnected", "user_id", identity.UserID, "conn_id", bc.id)
	}()

	s.sendEnvelope(bc, protocol.TypeConnected, map[string]string{
		"userID":   identity.UserID,
		"username": identity.Username,
	})
	s.logger.Info("browser connected", "user_id", identity.UserID, "conn_id", bc.id)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !bs.limiter.allow() {
			s.sendError(bc, protocol.ErrCodeRateLimited, "too many messages, slow down", "")
			continue
		}
		var frame protocol.BrowserFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.sendError(bc, protocol.ErrCodeInvalidFrame, "malformed frame", "")
			continue
		}
		s.handleBrowserFrame(bs, &frame)
		select {
		case <-bc.done:
			return
		default:
		}
	}
}

// handleBrowserFrame dispatches one browser command.
func (s *Service) handleBrowserFrame(bs *browserSession, frame *protocol.BrowserFrame) {
	bc := bs.bc

	switch frame.Type {
	case protocol.TypePing:
		s.sendEnvelope(bc, protocol.TypePong, nil)

	case protocol.TypeSessionSubscribe, protocol.TypeSubscribe:
		s.handleSubscribe(bs, frame)

	case protocol.TypeUnsubscribe:
		if r, ok := bs.relays[frame.SessionID]; ok {
			delete(bs.relays, frame.SessionID)
			r.dropBrowser(bc)
			r.BroadcastStatus()
		}

	case protocol.TypeSessionUserMessage:
		s.handleUserMessage(bs, frame)

	case protocol.TypeSessionPermResponse:
		s.handlePermissionResponse(bs, frame)

	case protocol.TypeSessionInterrupt:
		s.handleInterrupt(bs, frame)

	case protocol.TypeSessionSetPermMode:
		if r := s.ownedRelay(bs, frame.SessionID); r != nil {
			if !r.SendToAgent(protocol.NewSetPermissionModeFrame(frame.Mode)) {
				s.sendError(bc, protocol.ErrCodeInvalidFrame, "agent not connected", frame.SessionID)
				return
			}
			r.UpdatePermissionMode(frame.Mode)
		}

	case protocol.TypeSessionSetModel:
		if r := s.ownedRelay(bs, frame.SessionID); r != nil {
			if !r.SendToAgent(protocol.NewSetModelFrame(frame.Model)) {
				s.sendError(bc, protocol.ErrCodeInvalidFrame, "agent not connected", frame.SessionID)
			}
		}

	case protocol.TypeSessionUpdateEnv:
		s.handleUpdateEnv(bs, frame)

	default:
		s.sendError(bc, protocol.ErrCodeInvalidFrame, "unknown message type: "+frame.Type, frame.SessionID)
	}
}

// ownedRelay resolves a live relay the caller may act on, or returns nil.
// Unknown sessions get an error reply; ownership mismatches are logged and
// dropped without one. Admins may act on any session.
func (s *Service) ownedRelay(bs *browserSession, sessionID string) *SessionRelay {
	if sessionID == "" {
		s.sendError(bs.bc, protocol.ErrCodeInvalidFrame, "sessionID is required", "")
		return nil
	}
	r := s.registry.Get(sessionID)
	if r == nil {
		s.sendError(bs.bc, protocol.ErrCodeSessionNotFound, "session not found", sessionID)
		return nil
	}
	if r.OwnerID() != bs.identity.UserID && bs.identity.Role != "admin" {
		s.logger.Warn("frame dropped: not the session owner",
			"session_id", sessionID, "user_id", bs.identity.UserID)
		return nil
	}
	return r
}

// handleSubscribe attaches the browser to a session. The browser receives
// the status snapshot first, then history: durable transcript rows when
// afterSeq is given, then the in-memory ring past lastMessageID.
func (s *Service) handleSubscribe(bs *browserSession, frame *protocol.BrowserFrame) {
	bc := bs.bc
	sessionID := frame.SessionID
	if sessionID == "" {
		s.sendError(bc, protocol.ErrCodeInvalidFrame, "sessionID is required", "")
		return
	}

	ctx := context.Background()
	r := s.registry.Get(sessionID)
	if r == nil {
		// No live relay: the session may have ended. Serve its stored state.
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil || sess == nil {
			s.sendError(bc, protocol.ErrCodeSessionNotFound, "session not found", sessionID)
			return
		}
		if sess.UserID != bs.identity.UserID && bs.identity.Role != "admin" {
			s.logger.Warn("subscribe dropped: not the session owner",
				"session_id", sessionID, "user_id", bs.identity.UserID)
			return
		}
		s.sendEnvelope(bc, protocol.TypeSubscribed, map[string]string{"sessionID": sessionID})
		s.sendEnvelope(bc, protocol.TypeSessionStatus, StatusPayload{
			SessionID: sessionID,
			Status:    sess.Status,
			Error:     sess.Error,
		})
		for _, data := range s.transcriptFrames(sessionID, frame.AfterSeq) {
			if !bc.enqueue(data) {
				return
			}
		}
		return
	}

	if r.OwnerID() != bs.identity.UserID && bs.identity.Role != "admin" {
		s.logger.Warn("subscribe dropped: not the session owner",
			"session_id", sessionID, "user_id", bs.identity.UserID)
		return
	}

	var history [][]byte
	if frame.AfterSeq > 0 {
		history = s.transcriptFrames(sessionID, frame.AfterSeq)
	}

	bs.relays[sessionID] = r
	s.sendEnvelope(bc, protocol.TypeSubscribed, map[string]string{"sessionID": sessionID})
	replayed := r.AttachBrowser(bc, frame.LastMessageID, history)

	s.logger.Debug("browser subscribed", "session_id", sessionID,
		"user_id", bs.identity.UserID, "replayed", replayed)
}

// transcriptFrames marshals persisted messages with seq > afterSeq into
// buffered session_message envelopes, oldest first.
func (s *Service) transcriptFrames(sessionID string, afterSeq int64) [][]byte {
	msgs, err := s.store.GetMessages(context.Background(), sessionID, afterSeq, 1000)
	if err != nil {
		s.logger.Warn("transcript replay failed", "session_id", sessionID, "error", err)
		return nil
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	frames := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		payload := map[string]any{
			"sessionID":                 sessionID,
			"role":                      m.Kind,
			"content":                   m.Content,
			"seq":                       m.Seq,
			protocol.ReplayBufferedKey:  true,
			protocol.ReplayMessageIDKey: m.ID,
		}
		env := protocol.NewEnvelope(protocol.TypeSessionMessage, payload)
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		frames = append(frames, data)
	}
	return frames
}

// handleUserMessage forwards browser input to the agent and records it.
func (s *Service) handleUserMessage(bs *browserSession, frame *protocol.BrowserFrame) {
	r := s.ownedRelay(bs, frame.SessionID)
	if r == nil {
		return
	}
	if frame.Content == "" {
		s.sendError(bs.bc, protocol.ErrCodeInvalidFrame, "content is required", frame.SessionID)
		return
	}

	if !r.SendToAgent(protocol.NewUserFrame(r.SessionID(), frame.Content)) {
		s.sendError(bs.bc, protocol.ErrCodeInvalidFrame, "agent not connected", frame.SessionID)
		return
	}

	seq := s.recordMessage(r, store.KindUser, frame.Content, "")
	r.BufferAndBroadcast(protocol.TypeSessionMessage, MessagePayload{
		SessionID: r.SessionID(),
		Role:      "user",
		Content:   frame.Content,
		Seq:       seq,
	})
	if err := s.store.RecordSessionActivity(context.Background(), r.SessionID()); err != nil {
		s.logger.Warn("failed to record session activity", "session_id", r.SessionID(), "error", err)
	}
}

// handlePermissionResponse resolves a pending tool-use request. The first
// response wins; duplicates and unknown request IDs are rejected.
func (s *Service) handlePermissionResponse(bs *browserSession, frame *protocol.BrowserFrame) {
	r := s.ownedRelay(bs, frame.SessionID)
	if r == nil {
		return
	}
	if frame.RequestID == "" {
		s.sendError(bs.bc, protocol.ErrCodeInvalidFrame, "requestID is required", frame.SessionID)
		return
	}

	pending, ok := r.ResolvePermission(frame.RequestID)
	if !ok {
		s.sendError(bs.bc, protocol.ErrCodeInvalidFrame, "no pending permission request: "+frame.RequestID, frame.SessionID)
		return
	}

	var decision protocol.PermissionDecision
	if frame.Behavior == "allow" {
		decision = protocol.PermissionDecision{Behavior: "allow", UpdatedInput: pending.Input}
	} else {
		decision = protocol.PermissionDecision{Behavior: "deny", Message: "User denied permission"}
	}

	if !r.SendToAgent(protocol.NewControlResponse(frame.RequestID, decision)) {
		s.sendError(bs.bc, protocol.ErrCodeInvalidFrame, "agent not connected", frame.SessionID)
		return
	}

	meta, _ := json.Marshal(map[string]string{
		"requestId": frame.RequestID,
		"behavior":  decision.Behavior,
	})
	s.recordMessage(r, store.KindPermissionResponse, pending.ToolName, string(meta))

	r.BufferAndBroadcast(protocol.TypeSessionPermResolved, map[string]string{
		"sessionID": r.SessionID(),
		"requestId": frame.RequestID,
		"behavior":  decision.Behavior,
	})
	r.BroadcastStatus()
}

// handleInterrupt delivers the stop-gap interrupt as a user turn toward the
// agent. The transcript and browsers get a system entry instead: the wording
// sent to the agent is an implementation detail, the interruption is not.
func (s *Service) handleInterrupt(bs *browserSession, frame *protocol.BrowserFrame) {
	r := s.ownedRelay(bs, frame.SessionID)
	if r == nil {
		return
	}
	if !r.SendToAgent(protocol.NewUserFrame(r.SessionID(), interruptText)) {
		s.sendError(bs.bc, protocol.ErrCodeInvalidFrame, "agent not connected", frame.SessionID)
		return
	}
	const note = "User interrupted session"
	seq := s.recordMessage(r, store.KindSystem, note, "")
	r.BufferAndBroadcast(protocol.TypeSessionMessage, MessagePayload{
		SessionID: r.SessionID(),
		Role:      "system",
		Content:   note,
		Seq:       seq,
	})
}

// handleUpdateEnv forwards environment updates. Only the variable names are
// persisted; values may hold credentials.
func (s *Service) handleUpdateEnv(bs *browserSession, frame *protocol.BrowserFrame) {
	r := s.ownedRelay(bs, frame.SessionID)
	if r == nil {
		return
	}
	if len(frame.Variables) == 0 {
		s.sendError(bs.bc, protocol.ErrCodeInvalidFrame, "variables are required", frame.SessionID)
		return
	}
	if !r.SendToAgent(protocol.NewUpdateEnvFrame(frame.Variables)) {
		s.sendError(bs.bc, protocol.ErrCodeInvalidFrame, "agent not connected", frame.SessionID)
		return
	}

	keys := make([]string, 0, len(frame.Variables))
	for k := range frame.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	meta, _ := json.Marshal(map[string]any{"variables": keys})
	s.recordMessage(r, store.KindSystem, "environment updated", string(meta))
}

// sendEnvelope marshals and queues an envelope for one browser.
func (s *Service) sendEnvelope(bc *browserConn, msgType string, payload any) {
	env := protocol.NewEnvelope(msgType, payload)
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("marshal envelope failed", "type", msgType, "error", err)
		return
	}
	bc.enqueue(data)
}

// sendError queues an error envelope.
func (s *Service) sendError(bc *browserConn, code, message, sessionID string) {
	s.sendEnvelope(bc, protocol.TypeError, protocol.ErrorPayload{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	})
}
