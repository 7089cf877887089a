package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/indigoai-us/hq/pkg/protocol"
)

// Startup phases of an agent session. A session begins in PhaseLaunching when
// its record is created, moves to PhaseConnecting once the container launch
// has been requested, to PhaseInitializing when the agent WebSocket attaches,
// and to PhaseReady when the agent's init frame arrives. PhaseFailed is
// terminal.
type Phase string

const (
	PhaseLaunching    Phase = "launching"
	PhaseConnecting   Phase = "connecting"
	PhaseInitializing Phase = "initializing"
	PhaseReady        Phase = "ready"
	PhaseFailed       Phase = "failed"
)

// maxPendingPermissions bounds the outstanding permission requests held per
// session; the oldest is dropped when the cap is exceeded.
const maxPendingPermissions = 1024

// browserSendQueue is the per-browser outbound queue depth. A browser that
// cannot drain this many frames is closed rather than allowed to stall the
// whole session.
const browserSendQueue = 256

// Close codes used on the relay's WebSocket endpoints.
const (
	CloseAuthMissing   = 4001 // no credentials presented
	CloseAuthInvalid   = 4003 // bad credentials or unknown session
	CloseSessionOver   = 4004 // session already stopped or errored
	closeWriteDeadline = 5 * time.Second
)

// agentConn is the single agent connection of a session. Writes are
// serialized by mu.
type agentConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// writeJSON sends one NDJSON frame to the agent.
func (a *agentConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, append(data, '\n'))
}

func (a *agentConn) close(code int, reason string) {
	a.mu.Lock()
	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteDeadline))
	a.mu.Unlock()
	_ = a.conn.Close()
}

// browserConn is one subscribed browser. Outbound frames go through a
// buffered channel drained by writePump; a full channel closes the browser.
type browserConn struct {
	id     string
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex // guards control-frame writes alongside writePump
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

func (b *browserConn) writePump() {
	for {
		select {
		case msg, ok := <-b.send:
			if !ok {
				return
			}
			b.mu.Lock()
			err := b.conn.WriteMessage(websocket.TextMessage, msg)
			b.mu.Unlock()
			if err != nil {
				b.shutdown()
				return
			}
		case <-b.done:
			return
		}
	}
}

// enqueue queues a frame for delivery. Returns false if the browser's queue
// is full, in which case the connection is torn down.
func (b *browserConn) enqueue(msg []byte) bool {
	select {
	case b.send <- msg:
		return true
	case <-b.done:
		return false
	default:
		b.shutdown()
		return false
	}
}

func (b *browserConn) shutdown() {
	b.once.Do(func() {
		close(b.done)
		_ = b.conn.Close()
	})
}

func (b *browserConn) closeWith(code int, reason string) {
	b.mu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteDeadline))
	b.mu.Unlock()
	b.shutdown()
}

// SessionRelay multiplexes the browsers of one session onto its agent
// connection and keeps the session's live state: startup phase, declared
// capabilities, pending permission requests, and the replay ring.
type SessionRelay struct {
	sessionID string
	ownerID   string
	logger    *slog.Logger
	buffer    *MessageBuffer

	mu             sync.Mutex
	agent          *agentConn
	browsers       map[string]*browserConn
	pending        map[string]protocol.PendingPermission
	pendingOrder   []string
	phase          Phase
	phaseStartedAt time.Time
	caps           *protocol.Capabilities
	failure        string
	initialPrompt  string // one-shot; cleared after delivery to the agent
	stopKeepalive  func()
}

func newSessionRelay(sessionID, ownerID, initialPrompt string, bufCapacity int, logger *slog.Logger) *SessionRelay {
	return &SessionRelay{
		sessionID:      sessionID,
		ownerID:        ownerID,
		logger:         logger.With("session_id", sessionID),
		buffer:         NewMessageBuffer(bufCapacity),
		browsers:       make(map[string]*browserConn),
		pending:        make(map[string]protocol.PendingPermission),
		phase:          PhaseLaunching,
		phaseStartedAt: time.Now(),
		initialPrompt:  initialPrompt,
	}
}

// SessionID returns the relay's session ID.
func (r *SessionRelay) SessionID() string { return r.sessionID }

// OwnerID returns the user who owns this session.
func (r *SessionRelay) OwnerID() string { return r.ownerID }

// Phase returns the current startup phase.
func (r *SessionRelay) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// StatusPayload is the session_status envelope payload. PhaseStartedAt is
// the wall-clock time of the last phase transition.
type StatusPayload struct {
	SessionID          string                       `json:"sessionID"`
	Status             string                       `json:"status"`
	Phase              string                       `json:"startupPhase"`
	PhaseStartedAt     time.Time                    `json:"startupTimestamp"`
	AgentConnected     bool                         `json:"agentConnected"`
	Browsers           int                          `json:"browsers"`
	Capabilities       *protocol.Capabilities       `json:"capabilities,omitempty"`
	PendingPermissions []protocol.PendingPermission `json:"pendingPermissions,omitempty"`
	Error              string                       `json:"error,omitempty"`
}

// statusLocked derives the browser-visible status. Callers hold r.mu.
func (r *SessionRelay) statusLocked() StatusPayload {
	status := "waiting"
	switch {
	case r.phase == PhaseFailed:
		status = "errored"
	case r.phase != PhaseReady:
		status = "starting"
	case r.agent != nil:
		status = "active"
	}

	var pending []protocol.PendingPermission
	for _, id := range r.pendingOrder {
		if p, ok := r.pending[id]; ok {
			pending = append(pending, p)
		}
	}

	return StatusPayload{
		SessionID:          r.sessionID,
		Status:             status,
		Phase:              string(r.phase),
		PhaseStartedAt:     r.phaseStartedAt,
		AgentConnected:     r.agent != nil,
		Browsers:           len(r.browsers),
		Capabilities:       r.caps,
		PendingPermissions: pending,
		Error:              r.failure,
	}
}

// Status returns a snapshot of the session's browser-visible state.
func (r *SessionRelay) Status() StatusPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// SetPhase moves the startup state machine, stamps the transition time, and
// buffers and broadcasts the new status. Terminal phases never transition
// back out.
func (r *SessionRelay) SetPhase(phase Phase, failure string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseFailed {
		return
	}
	r.phase = phase
	r.phaseStartedAt = time.Now()
	if failure != "" {
		r.failure = failure
	}
	r.broadcastStatusLocked()
}

// BroadcastStatus records the current status snapshot in the replay ring and
// sends it to every browser, so reconnecting browsers replay the transitions
// they missed. The per-browser snapshot at attach time is the one status
// frame that bypasses the ring.
func (r *SessionRelay) BroadcastStatus() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastStatusLocked()
}

// BroadcastFinalStatus announces a terminal status that overrides the
// phase-derived one, such as "stopped" after a clean agent close.
func (r *SessionRelay) BroadcastFinalStatus(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.statusLocked()
	p.Status = status
	env := protocol.NewEnvelope(protocol.TypeSessionStatus, p)
	r.buffer.Push(env)
	if data, err := json.Marshal(env); err == nil {
		r.broadcastLocked(data)
	}
}

// broadcastStatusLocked pushes a status snapshot into the ring and fans it
// out. Callers hold r.mu.
func (r *SessionRelay) broadcastStatusLocked() {
	env := protocol.NewEnvelope(protocol.TypeSessionStatus, r.statusLocked())
	r.buffer.Push(env)
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	r.broadcastLocked(data)
}

// BufferAndBroadcast wraps a payload, records it in the replay ring, and
// fans it out to every subscribed browser. Push and fan-out happen under one
// lock, so a browser attaching concurrently either replays the entry or
// receives it live, never both and never neither. Returns the buffer
// message ID.
func (r *SessionRelay) BufferAndBroadcast(msgType string, payload any) string {
	env := protocol.NewEnvelope(msgType, payload)
	data, err := json.Marshal(env)
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.buffer.Push(env)
	if err != nil {
		r.logger.Warn("marshal broadcast envelope failed", "type", msgType, "error", err)
		return id
	}
	r.broadcastLocked(data)
	return id
}

// broadcastLocked delivers pre-marshaled bytes to every current browser.
// Callers hold r.mu. A browser whose queue is full is dropped on the spot;
// enqueue has already torn the connection down.
func (r *SessionRelay) broadcastLocked(data []byte) {
	for id, b := range r.browsers {
		if !b.enqueue(data) {
			delete(r.browsers, id)
		}
	}
}

// AttachAgent installs conn as the session's agent connection, closing any
// previous one. If the session carries an undelivered initial prompt it is
// sent before anything else so the agent sees it as the first user turn.
// Returns the initial prompt that was delivered ("" if none) so the caller
// can persist and broadcast it.
func (r *SessionRelay) AttachAgent(conn *websocket.Conn) (ac *agentConn, initialPrompt string) {
	ac = &agentConn{conn: conn}

	r.mu.Lock()
	prev := r.agent
	r.agent = ac
	if r.phase == PhaseLaunching || r.phase == PhaseConnecting {
		r.phase = PhaseInitializing
		r.phaseStartedAt = time.Now()
	}
	initialPrompt = r.initialPrompt
	r.initialPrompt = ""
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("agent reconnected, closing previous connection")
		prev.close(websocket.CloseNormalClosure, "Replaced by new connection")
	}

	if initialPrompt != "" {
		if err := ac.writeJSON(protocol.NewUserFrame(r.sessionID, initialPrompt)); err != nil {
			r.logger.Warn("initial prompt delivery failed", "error", err)
		}
	}

	r.BroadcastStatus()
	return ac, initialPrompt
}

// DetachAgent clears the agent connection if ac is still the current one.
// Returns false when a newer connection has already replaced it, in which
// case the caller must skip disconnect handling.
func (r *SessionRelay) DetachAgent(ac *agentConn) bool {
	r.mu.Lock()
	if r.agent != ac {
		r.mu.Unlock()
		return false
	}
	r.agent = nil
	if r.stopKeepalive != nil {
		r.stopKeepalive()
		r.stopKeepalive = nil
	}
	r.mu.Unlock()
	return true
}

// SendToAgent delivers one frame to the agent connection, if present.
func (r *SessionRelay) SendToAgent(v any) bool {
	r.mu.Lock()
	ac := r.agent
	r.mu.Unlock()
	if ac == nil {
		return false
	}
	if err := ac.writeJSON(v); err != nil {
		r.logger.Warn("agent write failed", "error", err)
		return false
	}
	return true
}

// SetCapabilities records the agent's declared capabilities. Returns false
// if capabilities were already set (init is once-only).
func (r *SessionRelay) SetCapabilities(caps *protocol.Capabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.caps != nil {
		return false
	}
	r.caps = caps
	return true
}

// UpdatePermissionMode tracks a permission mode change in the capability
// snapshot and notifies browsers.
func (r *SessionRelay) UpdatePermissionMode(mode string) {
	r.mu.Lock()
	if r.caps != nil && mode != "" {
		c := *r.caps
		c.PermissionMode = mode
		r.caps = &c
	}
	r.mu.Unlock()
	r.BroadcastStatus()
}

// AddPermission tracks an outstanding permission request, evicting the
// oldest when the cap is reached.
func (r *SessionRelay) AddPermission(p protocol.PendingPermission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[p.RequestID]; exists {
		return
	}
	r.pending[p.RequestID] = p
	r.pendingOrder = append(r.pendingOrder, p.RequestID)
	for len(r.pendingOrder) > maxPendingPermissions {
		oldest := r.pendingOrder[0]
		r.pendingOrder = r.pendingOrder[1:]
		delete(r.pending, oldest)
		r.logger.Warn("pending permission cap reached, dropping oldest", "request_id", oldest)
	}
}

// ResolvePermission removes a pending request. Returns the request and true
// if it was outstanding; duplicate or unknown responses return false.
func (r *SessionRelay) ResolvePermission(requestID string) (protocol.PendingPermission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[requestID]
	if !ok {
		return protocol.PendingPermission{}, false
	}
	delete(r.pending, requestID)
	for i, id := range r.pendingOrder {
		if id == requestID {
			r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
			break
		}
	}
	return p, true
}

// AttachBrowser registers a browser and replays history to it in one step:
// first the status snapshot, then any persisted transcript frames the caller
// prepared, then the ring entries (everything when lastID is empty, the
// suffix after lastID otherwise). The browser is registered for live traffic
// only after the replay is queued, and the whole sequence runs under the
// broadcast lock, so the browser sees exactly one snapshot and no entry is
// delivered both replayed and live. Returns the ring replay count.
func (r *SessionRelay) AttachBrowser(b *browserConn, lastID string, history [][]byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	env := protocol.NewEnvelope(protocol.TypeSessionStatus, r.statusLocked())
	if data, err := json.Marshal(env); err == nil {
		if !b.enqueue(data) {
			return 0
		}
	}
	for _, data := range history {
		if !b.enqueue(data) {
			return 0
		}
	}

	var entries []BufferedMessage
	if lastID == "" {
		entries = r.buffer.GetAll()
	} else {
		entries = r.buffer.GetAfter(lastID)
	}
	for _, e := range entries {
		data, err := decorateReplay(e)
		if err != nil {
			r.logger.Warn("replay decoration failed", "error", err)
			continue
		}
		if !b.enqueue(data) {
			return len(entries)
		}
	}

	r.browsers[b.id] = b
	return len(entries)
}

// dropBrowser deregisters a browser without closing it; the connection may
// still be subscribed to other sessions.
func (r *SessionRelay) dropBrowser(b *browserConn) {
	r.mu.Lock()
	current, ok := r.browsers[b.id]
	if ok && current == b {
		delete(r.browsers, b.id)
	}
	r.mu.Unlock()
}

// decorateReplay re-encodes a buffered envelope with _buffered and
// _messageID stamped into the payload object.
func decorateReplay(e BufferedMessage) ([]byte, error) {
	payload, err := json.Marshal(e.Envelope.Payload)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		// Non-object payloads carry the decoration in a wrapper.
		obj = map[string]any{"value": json.RawMessage(payload)}
	}
	obj[protocol.ReplayBufferedKey] = true
	obj[protocol.ReplayMessageIDKey] = e.ID
	return json.Marshal(protocol.Envelope{
		Type:      e.Envelope.Type,
		Payload:   obj,
		Timestamp: e.Envelope.Timestamp,
	})
}

// Shutdown closes the agent and every browser with the given close codes.
func (r *SessionRelay) Shutdown(agentCode int, browserCode int, reason string) {
	r.mu.Lock()
	ac := r.agent
	r.agent = nil
	if r.stopKeepalive != nil {
		r.stopKeepalive()
		r.stopKeepalive = nil
	}
	conns := make([]*browserConn, 0, len(r.browsers))
	for _, b := range r.browsers {
		conns = append(conns, b)
	}
	r.browsers = make(map[string]*browserConn)
	r.mu.Unlock()

	if ac != nil {
		ac.close(agentCode, reason)
	}
	for _, b := range conns {
		b.closeWith(browserCode, reason)
	}
}

// startAgentKeepalive begins the application-level keep_alive ticker toward
// the agent. Stops automatically when the agent detaches.
func (r *SessionRelay) startAgentKeepalive(ac *agentConn, interval time.Duration) {
	done := make(chan struct{})
	r.mu.Lock()
	if r.stopKeepalive != nil {
		r.stopKeepalive()
	}
	var once sync.Once
	r.stopKeepalive = func() { once.Do(func() { close(done) }) }
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ac.writeJSON(protocol.KeepAliveFrame{Type: protocol.AgentTypeKeepAlive}); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}
