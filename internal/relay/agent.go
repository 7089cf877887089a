package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/indigoai-us/hq/internal/store"
	"github.com/indigoai-us/hq/pkg/protocol"
)

// MessagePayload is the session_message envelope payload.
type MessagePayload struct {
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Seq       int64  `json:"seq,omitempty"`
}

// RawPayload forwards an agent frame to browsers unmodified, tagged with the
// session it belongs to.
type RawPayload struct {
	SessionID string          `json:"sessionID"`
	Frame     json.RawMessage `json:"frame"`
}

// ResultPayload is the session_result envelope payload.
type ResultPayload struct {
	SessionID string                `json:"sessionID"`
	Stats     *protocol.ResultStats `json:"stats"`
}

// HandleAgentWS handles the agent container's WebSocket at /ws/relay/{sessionID}.
// The connection is upgraded before admission so the agent receives a close
// code it can act on: 4001 when no token was presented, 4003 for bad
// credentials or an unknown session, 4004 when the session already ended.
func (s *Service) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("agent websocket upgrade failed", "error", err)
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

	ctx := context.Background()
	sess, err := s.store.ValidateAccessToken(ctx, sessionID, token)
	if err != nil {
		s.logger.Warn("agent token validation failed", "session_id", sessionID, "error", err)
		closeWith(CloseAuthInvalid, "Invalid session credentials")
		return
	}
	if sess == nil {
		closeWith(CloseAuthInvalid, "Invalid session credentials")
		return
	}
	if sess.Status == store.StatusStopped || sess.Status == store.StatusErrored {
		closeWith(CloseSessionOver, "Session already ended")
		return
	}

	// The agent made it in time.
	s.timeouts.Clear(sessionID)

	initialPrompt := ""
	if sess.Status == store.StatusStarting {
		initialPrompt = sess.InitialPrompt
	}
	r := s.registry.GetOrCreate(sessionID, sess.UserID, initialPrompt)

	conn.SetReadLimit(s.maxAgentMsgSize)

	ac, deliveredPrompt := r.AttachAgent(conn)
	if deliveredPrompt != "" {
		// The prompt is the session's first user turn: persist it and show
		// it to subscribed browsers like any other user message.
		seq := s.recordMessage(r, store.KindUser, deliveredPrompt, "")
		r.BufferAndBroadcast(protocol.TypeSessionMessage, MessagePayload{
			SessionID: r.SessionID(),
			Role:      "user",
			Content:   deliveredPrompt,
			Seq:       seq,
		})
	}

	cancelKeepalive := startWSKeepalive(conn, &ac.mu, s.pingInterval, s.pongTimeout)
	defer cancelKeepalive()
	r.startAgentKeepalive(ac, s.keepAlive)

	if err := s.store.RecordSessionActivity(ctx, sessionID); err != nil {
		s.logger.Warn("failed to record session activity", "session_id", sessionID, "error", err)
	}
	s.logger.Info("agent connected", "session_id", sessionID)

	var readErr error
	defer func() {
		// Only handle the disconnect if this connection is still the active
		// one. A newer agent connection may have already replaced us.
		if !r.DetachAgent(ac) {
			s.logger.Info("agent connection superseded, skipping cleanup", "session_id", sessionID)
			return
		}
		s.handleAgentDisconnect(r, readErr)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		for _, frame := range splitFrames(msg) {
			s.handleAgentFrame(r, frame)
		}
	}
}

// bearerToken extracts a Bearer credential from the Authorization header,
// falling back to the token query parameter for clients that cannot set
// headers on WebSocket dials.
func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return req.URL.Query().Get("token")
}

// handleAgentDisconnect applies the startup state machine to an agent drop.
// During startup any disconnect fails the session; after ready a clean close
// stops it and anything else errors it.
func (s *Service) handleAgentDisconnect(r *SessionRelay, readErr error) {
	sessionID := r.SessionID()
	phase := r.Phase()
	s.logger.Info("agent disconnected", "session_id", sessionID, "phase", string(phase), "error", readErr)

	switch phase {
	case PhaseLaunching, PhaseConnecting, PhaseInitializing:
		s.FailSession(sessionID, "Container disconnected during startup")
	case PhaseReady:
		if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			if err := s.store.UpdateSessionStatus(context.Background(), sessionID, store.StatusStopped, nil); err != nil {
				s.logger.Warn("failed to persist stopped status", "session_id", sessionID, "error", err)
			}
			r.BroadcastFinalStatus(store.StatusStopped)
		} else {
			s.FailSession(sessionID, "Agent connection lost")
		}
	}
}

// handleAgentFrame dispatches one decoded NDJSON frame from the agent.
func (s *Service) handleAgentFrame(r *SessionRelay, data []byte) {
	frame, err := protocol.DecodeAgentFrame(data)
	if err != nil {
		s.logger.Debug("undecodable agent frame skipped", "session_id", r.SessionID(), "error", err)
		return
	}

	switch frame.Type {
	case protocol.AgentTypeSystem:
		if frame.Subtype == protocol.SystemSubtypeInit {
			s.handleInit(r, frame.Raw)
			return
		}
		s.forwardRaw(r, protocol.TypeSessionRaw, frame.Raw)

	case protocol.AgentTypeAssistant:
		var af protocol.AssistantFrame
		if err := json.Unmarshal(frame.Raw, &af); err != nil {
			s.logger.Debug("bad assistant frame", "session_id", r.SessionID(), "error", err)
			return
		}
		content := af.ContentText()
		seq := s.recordMessage(r, store.KindAssistant, content, "")
		r.BufferAndBroadcast(protocol.TypeSessionMessage, MessagePayload{
			SessionID: r.SessionID(),
			Role:      "assistant",
			Content:   content,
			Seq:       seq,
		})
		if err := s.store.RecordSessionActivity(context.Background(), r.SessionID()); err != nil {
			s.logger.Warn("failed to record session activity", "session_id", r.SessionID(), "error", err)
		}

	case protocol.AgentTypeStreamEvent:
		// Streaming deltas are ephemeral: broadcast and buffer, never persist.
		s.forwardRaw(r, protocol.TypeSessionStream, frame.Raw)

	case protocol.AgentTypeControlRequest:
		s.handleControlRequest(r, frame.Raw)

	case protocol.AgentTypeResult:
		s.handleResult(r, frame.Raw)

	case protocol.AgentTypeToolProgress:
		s.forwardRaw(r, protocol.TypeSessionToolProgress, frame.Raw)

	case protocol.AgentTypeKeepAlive:
		// Heartbeat; nothing to forward.

	case protocol.AgentTypeAuthStatus:
		s.forwardRaw(r, protocol.TypeSessionAuthStatus, frame.Raw)

	case protocol.AgentTypeToolUseSummary:
		s.recordMessage(r, store.KindToolUse, string(frame.Raw), "")
		s.forwardRaw(r, protocol.TypeSessionToolUseSummary, frame.Raw)

	default:
		s.logger.Debug("unknown agent frame type forwarded raw",
			"session_id", r.SessionID(), "type", frame.Type)
		s.forwardRaw(r, protocol.TypeSessionRaw, frame.Raw)
	}
}

// handleInit processes the once-only system/init frame: capabilities are
// recorded, the session goes ready, and the record is marked active.
func (s *Service) handleInit(r *SessionRelay, raw json.RawMessage) {
	var init protocol.InitFrame
	if err := json.Unmarshal(raw, &init); err != nil {
		s.logger.Warn("bad init frame", "session_id", r.SessionID(), "error", err)
		return
	}

	caps := init.Capabilities()
	if !r.SetCapabilities(caps) {
		s.logger.Debug("duplicate init ignored", "session_id", r.SessionID())
		return
	}

	capsJSON, _ := json.Marshal(caps)
	if err := s.store.UpdateSessionStatus(context.Background(), r.SessionID(), store.StatusActive,
		&store.StatusExtras{Capabilities: string(capsJSON)}); err != nil {
		s.logger.Warn("failed to persist active status", "session_id", r.SessionID(), "error", err)
	}

	r.SetPhase(PhaseReady, "")
	s.logger.Info("session ready", "session_id", r.SessionID(), "model", caps.Model)
}

// handleControlRequest surfaces a can_use_tool request to browsers and
// tracks it until a permission response arrives. Other control subtypes are
// forwarded raw.
func (s *Service) handleControlRequest(r *SessionRelay, raw json.RawMessage) {
	var cr protocol.ControlRequest
	if err := json.Unmarshal(raw, &cr); err != nil || cr.RequestID == "" {
		s.logger.Debug("bad control_request", "session_id", r.SessionID(), "error", err)
		return
	}

	if cr.Request.Subtype != protocol.ControlSubtypeCanUseTool {
		// Hook callbacks go into the transcript so a later reader sees what
		// the agent reported, then out to browsers like any control frame.
		if cr.Request.Subtype == protocol.ControlSubtypeHookCallback {
			s.recordMessage(r, store.KindSystem, string(raw), "")
		}
		s.forwardRaw(r, protocol.TypeSessionControl, raw)
		return
	}

	p := protocol.PendingPermission{
		RequestID: cr.RequestID,
		ToolName:  cr.Request.ToolName,
		ToolUseID: cr.Request.ToolUseID,
		Input:     cr.Request.Input,
		Reason:    cr.Request.DecisionReason,
	}
	r.AddPermission(p)

	meta, _ := json.Marshal(p)
	s.recordMessage(r, store.KindPermissionRequest, cr.Request.ToolName, string(meta))

	r.BufferAndBroadcast(protocol.TypeSessionPermission, struct {
		SessionID string `json:"sessionID"`
		protocol.PendingPermission
	}{r.SessionID(), p})
}

// handleResult persists turn accounting and forwards it to browsers. Error
// results mark the stored session errored; successful ones leave it active.
// Either way the turn outcome lands in the transcript as a system entry.
func (s *Service) handleResult(r *SessionRelay, raw json.RawMessage) {
	var rf protocol.ResultFrame
	if err := json.Unmarshal(raw, &rf); err != nil {
		s.logger.Debug("bad result frame", "session_id", r.SessionID(), "error", err)
		return
	}

	stats := rf.Stats()
	statsJSON, _ := json.Marshal(stats)
	status := store.StatusActive
	if strings.HasPrefix(rf.Kind(), "error") {
		status = store.StatusErrored
	}
	if err := s.store.UpdateSessionStatus(context.Background(), r.SessionID(), status,
		&store.StatusExtras{ResultStats: string(statsJSON)}); err != nil {
		s.logger.Warn("failed to persist result stats", "session_id", r.SessionID(), "error", err)
	}
	s.recordMessage(r, store.KindSystem, "Turn finished: "+rf.Kind(), string(statsJSON))

	r.BufferAndBroadcast(protocol.TypeSessionResult, ResultPayload{
		SessionID: r.SessionID(),
		Stats:     stats,
	})
}

// forwardRaw buffers and broadcasts an agent frame unchanged.
func (s *Service) forwardRaw(r *SessionRelay, msgType string, raw json.RawMessage) {
	r.BufferAndBroadcast(msgType, RawPayload{
		SessionID: r.SessionID(),
		Frame:     raw,
	})
}

// recordMessage persists a transcript entry, returning its sequence number.
// Store failures are logged and swallowed: live relaying continues even when
// the transcript cannot be written.
func (s *Service) recordMessage(r *SessionRelay, kind, content, metadata string) int64 {
	seq, err := s.store.AppendMessage(context.Background(), &store.Message{
		ID:        uuid.New().String(),
		SessionID: r.SessionID(),
		Kind:      kind,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to persist message", "session_id", r.SessionID(), "kind", kind, "error", err)
		return 0
	}
	return seq
}
