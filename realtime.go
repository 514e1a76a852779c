package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for all socket events in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type joinRoomPayload struct {
	RoomID int64 `json:"roomId"`
}

type sendMessagePayload struct {
	Content string `json:"content"`
	RoomID  int64  `json:"roomId"`
}

// RoomNotice is an advisory presence event (a user joining or leaving the
// active room). Notices never mutate the timeline.
type RoomNotice struct {
	Kind     string    `json:"-"` // "user_joined" or "user_left"
	RoomID   int64     `json:"roomId"`
	UserID   int64     `json:"userId"`
	Username string    `json:"username"`
	Time     time.Time `json:"time"`
}

// Inbound event types the server may push. Anything else is ignored and
// logged as a recoverable anomaly.
const (
	eventNewMessage = "new_message"
	eventUserJoined = "user_joined"
	eventUserLeft   = "user_left"
)

// closeStatusAuthRejected is sent by the server when it drops a socket whose
// credential failed verification after the upgrade.
const closeStatusAuthRejected websocket.StatusCode = 4401

// ============================================================================
// Connection State
// ============================================================================

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnStatus is a read-only snapshot of the connection manager's state.
type ConnStatus struct {
	State             ConnState
	ReconnectAttempts int
	LastError         string
}

var (
	// ErrNotConnected is returned by SendMessage when no live socket exists.
	// The message is not queued; the caller retries after reconnection.
	ErrNotConnected = errors.New("roomsync: not connected")

	// ErrAuthRejected means the server refused the bearer credential. The
	// manager does not auto-retry; refresh credentials and Reconnect.
	ErrAuthRejected = errors.New("roomsync: authentication rejected")

	// ErrRetriesExhausted means automatic reconnection gave up; only a
	// manual Reconnect resumes.
	ErrRetriesExhausted = errors.New("roomsync: reconnect attempts exhausted")

	// ErrNoActiveRoom is returned by Reconnect before any Activate.
	ErrNoActiveRoom = errors.New("roomsync: no active room")
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RoomConn.
type RealtimeConfig struct {
	Backoff Backoff

	// DialTimeout bounds the handshake of automatic redials, which run
	// without a caller context. Defaults to DefaultTimeout.
	DialTimeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic handler type for raw socket events.
type EventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu        sync.RWMutex
	onMessage []func(Message)
	onNotice  []func(RoomNotice)
	onState   []func(ConnStatus)
	generic   map[string][]EventHandler
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{generic: make(map[string][]EventHandler)}
}

func (d *eventDispatcher) emitMessage(m Message) {
	d.mu.RLock()
	handlers := append([]func(Message){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(m)
	}
}

func (d *eventDispatcher) emitNotice(n RoomNotice) {
	d.mu.RLock()
	handlers := append([]func(RoomNotice){}, d.onNotice...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(n)
	}
}

func (d *eventDispatcher) emitState(s ConnStatus) {
	d.mu.RLock()
	handlers := append([]func(ConnStatus){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(s)
	}
}

func (d *eventDispatcher) emitGeneric(env Envelope) {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.generic[env.Type]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(env.Type, env.Payload)
	}
}

// ============================================================================
// RoomConn
// ============================================================================

// RoomConn owns the single persistent socket bound to at most one active
// room. It drives the connect / join / dispatch / reconnect lifecycle and
// feeds live messages into its Timeline. Construct one per session via
// Client.Realtime or NewRoomConn; there is no ambient global instance.
type RoomConn struct {
	baseURL    string
	tokens     TokenSource
	timeline   *Timeline
	config     *RealtimeConfig
	dispatcher *eventDispatcher

	mu         sync.Mutex
	state      ConnState
	attempts   int
	lastErr    string
	roomID     int64
	active     bool
	epoch      int
	conn       *websocket.Conn
	retryTimer *time.Timer
	cancelRead context.CancelFunc
}

// NewRoomConn creates a connection manager against baseURL, authenticating
// through tokens and appending live messages to timeline. config may be nil.
func NewRoomConn(baseURL string, tokens TokenSource, timeline *Timeline, config *RealtimeConfig) *RoomConn {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RoomConn{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		timeline:   timeline,
		config:     &cfg,
		dispatcher: newEventDispatcher(),
		state:      StateDisconnected,
	}
}

// OnMessage registers a handler for live messages appended to the timeline.
// Replays dropped by deduplication do not fire it.
func (rc *RoomConn) OnMessage(h func(Message)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onMessage = append(rc.dispatcher.onMessage, h)
	rc.dispatcher.mu.Unlock()
}

// OnNotice registers a handler for user_joined / user_left advisories.
func (rc *RoomConn) OnNotice(h func(RoomNotice)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onNotice = append(rc.dispatcher.onNotice, h)
	rc.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler fired on every connection state
// transition with a snapshot of the new status.
func (rc *RoomConn) OnStateChange(h func(ConnStatus)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onState = append(rc.dispatcher.onState, h)
	rc.dispatcher.mu.Unlock()
}

// On registers a generic handler for a raw event type, including types the
// manager itself does not recognize.
func (rc *RoomConn) On(eventType string, h EventHandler) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.generic[eventType] = append(rc.dispatcher.generic[eventType], h)
	rc.dispatcher.mu.Unlock()
}

// Status returns the current connection status snapshot.
func (rc *RoomConn) Status() ConnStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return ConnStatus{State: rc.state, ReconnectAttempts: rc.attempts, LastError: rc.lastErr}
}

// ActiveRoom returns the room bound by the last Activate, or 0.
func (rc *RoomConn) ActiveRoom() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.active {
		return 0
	}
	return rc.roomID
}

// Timeline returns the timeline this connection feeds.
func (rc *RoomConn) Timeline() *Timeline {
	return rc.timeline
}

// Activate binds the manager to roomID and opens the socket. Any previous
// activation is cleanly closed first and its timeline discarded, so no
// messages leak across rooms. The returned error reports the immediate
// connection attempt; transient failures keep retrying in the background
// (observe Status / OnStateChange).
func (rc *RoomConn) Activate(ctx context.Context, roomID int64) error {
	rc.teardown(websocket.StatusNormalClosure, "switching rooms")
	rc.timeline.Clear()
	// Bind before connecting: a straggler from the previous room's read
	// loop that already passed its own room check is rejected by the store.
	rc.timeline.bind(roomID)

	rc.mu.Lock()
	rc.active = true
	rc.roomID = roomID
	rc.attempts = 0
	rc.lastErr = ""
	rc.epoch++
	epoch := rc.epoch
	rc.mu.Unlock()

	return rc.connect(ctx, epoch)
}

// Deactivate cleanly closes the socket and cancels any pending reconnect
// timer. No retry is scheduled; the timeline is cleared.
func (rc *RoomConn) Deactivate() {
	rc.mu.Lock()
	rc.active = false
	rc.roomID = 0
	rc.mu.Unlock()

	rc.teardown(websocket.StatusNormalClosure, "deactivate")
	rc.timeline.Clear()
}

// Reconnect is the manual path out of an exhausted or failed state: it
// cancels any pending backoff timer, resets the attempt count and error,
// and dials immediately against the active room.
func (rc *RoomConn) Reconnect(ctx context.Context) error {
	rc.mu.Lock()
	if !rc.active {
		rc.mu.Unlock()
		return ErrNoActiveRoom
	}
	rc.mu.Unlock()

	rc.teardown(websocket.StatusNormalClosure, "manual reconnect")

	rc.mu.Lock()
	rc.attempts = 0
	rc.lastErr = ""
	rc.epoch++
	epoch := rc.epoch
	rc.mu.Unlock()

	return rc.connect(ctx, epoch)
}

// SendMessage emits a send_message event for the active room. Valid only
// while connected: otherwise it fails synchronously with ErrNotConnected and
// nothing is queued, so a reconnect can never silently duplicate a send.
func (rc *RoomConn) SendMessage(ctx context.Context, content string) error {
	rc.mu.Lock()
	conn := rc.conn
	roomID := rc.roomID
	connected := rc.state == StateConnected
	rc.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return writeJSON(ctx, conn, command{
		Type:    "send_message",
		Payload: sendMessagePayload{Content: content, RoomID: roomID},
	})
}

// ----------------------------------------------------------------------------
// Lifecycle internals
// ----------------------------------------------------------------------------

// teardown closes the live socket (marking the close as intentional by
// bumping the epoch first, so the read loop does not treat it as unclean)
// and stops any pending reconnect timer.
func (rc *RoomConn) teardown(code websocket.StatusCode, reason string) {
	rc.mu.Lock()
	rc.epoch++
	if rc.retryTimer != nil {
		rc.retryTimer.Stop()
		rc.retryTimer = nil
	}
	cancel := rc.cancelRead
	rc.cancelRead = nil
	conn := rc.conn
	rc.conn = nil
	changed := rc.state != StateDisconnected
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(code, reason)
	}
	if changed {
		rc.dispatcher.emitState(rc.Status())
	}
}

// connect performs one open+join attempt for the given activation epoch.
func (rc *RoomConn) connect(ctx context.Context, epoch int) error {
	rc.mu.Lock()
	if rc.epoch != epoch || !rc.active {
		rc.mu.Unlock()
		return nil
	}
	roomID := rc.roomID
	rc.state = StateConnecting
	rc.mu.Unlock()
	rc.dispatcher.emitState(rc.Status())

	token, err := rc.tokens.Token(ctx)
	if err != nil {
		rc.failFatal(epoch, fmt.Sprintf("cannot obtain credential: %v", err), false)
		return fmt.Errorf("fetch credential: %w", err)
	}

	wsURL := socketURL(rc.baseURL) + "/ws?token=" + url.QueryEscape(token)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: rc.config.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			rc.failFatal(epoch, fmt.Sprintf("authentication rejected (HTTP %d)", resp.StatusCode), true)
			return fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
		}
		rc.failTransient(epoch, fmt.Sprintf("dial failed: %v", err))
		return fmt.Errorf("websocket dial: %w", err)
	}

	if err := writeJSON(ctx, conn, command{Type: "join_room", Payload: joinRoomPayload{RoomID: roomID}}); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		rc.failTransient(epoch, fmt.Sprintf("join room: %v", err))
		return fmt.Errorf("join room: %w", err)
	}

	// The read loop outlives the caller's context; Deactivate owns its
	// cancellation.
	readCtx, cancel := context.WithCancel(context.Background())

	rc.mu.Lock()
	if rc.epoch != epoch || !rc.active {
		rc.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	rc.conn = conn
	rc.cancelRead = cancel
	rc.attempts = 0
	rc.state = StateConnected
	rc.lastErr = ""
	rc.mu.Unlock()
	rc.dispatcher.emitState(rc.Status())

	go rc.readLoop(readCtx, conn, roomID, epoch)
	return nil
}

func (rc *RoomConn) readLoop(ctx context.Context, conn *websocket.Conn, roomID int64, epoch int) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			stale := rc.epoch != epoch || !rc.active
			rc.mu.Unlock()
			if stale || ctx.Err() != nil {
				// Close was requested by deactivate / room switch.
				return
			}
			if status := websocket.CloseStatus(err); status == closeStatusAuthRejected || status == websocket.StatusPolicyViolation {
				rc.failFatal(epoch, "authentication rejected by server", true)
				return
			}
			// Any close we did not request is unclean.
			rc.failTransient(epoch, fmt.Sprintf("connection lost: %v", err))
			return
		}
		rc.dispatchInbound(data, roomID)
	}
}

// dispatchInbound routes one server push by event type. Events addressed to
// a room other than the active one (stragglers after a room switch) are
// dropped before they can touch the timeline.
func (rc *RoomConn) dispatchInbound(data []byte, roomID int64) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		rc.config.Logger.Warn("dropping malformed socket frame", "error", err)
		return
	}

	switch env.Type {
	case eventNewMessage:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			rc.config.Logger.Warn("dropping malformed new_message payload", "error", err)
			return
		}
		if m.RoomID != roomID {
			rc.config.Logger.Debug("dropping message for inactive room", "roomId", m.RoomID, "active", roomID)
			return
		}
		if rc.timeline.AppendLive(m) {
			rc.dispatcher.emitMessage(m)
		}
	case eventUserJoined, eventUserLeft:
		var n RoomNotice
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			rc.config.Logger.Warn("dropping malformed presence payload", "type", env.Type, "error", err)
			return
		}
		if n.RoomID != roomID {
			return
		}
		n.Kind = env.Type
		rc.dispatcher.emitNotice(n)
	default:
		rc.config.Logger.Warn("ignoring unrecognized event type", "type", env.Type)
	}

	rc.dispatcher.emitGeneric(env)
}

// failFatal lands in disconnected with no retry scheduled. When auth is
// true the credential source is invalidated so the next manual reconnect
// can fetch a fresh token instead of replaying the rejected one.
func (rc *RoomConn) failFatal(epoch int, cause string, auth bool) {
	rc.mu.Lock()
	if rc.epoch != epoch || !rc.active {
		rc.mu.Unlock()
		return
	}
	rc.conn = nil
	rc.state = StateDisconnected
	rc.lastErr = cause
	rc.mu.Unlock()

	if auth {
		rc.tokens.Invalidate()
	}
	rc.dispatcher.emitState(rc.Status())
}

// failTransient increments the attempt count and either schedules a backed
// off reconnect or, once the policy is exhausted, lands in disconnected
// with a manual-reconnect-required error.
func (rc *RoomConn) failTransient(epoch int, cause string) {
	rc.mu.Lock()
	if rc.epoch != epoch || !rc.active {
		rc.mu.Unlock()
		return
	}
	rc.conn = nil
	rc.attempts++
	n := rc.attempts

	if !rc.config.Backoff.Retryable(n) {
		rc.state = StateDisconnected
		rc.lastErr = fmt.Sprintf("%v after %d attempts: %s", ErrRetriesExhausted, n, cause)
		rc.mu.Unlock()
		rc.dispatcher.emitState(rc.Status())
		return
	}

	rc.state = StateReconnecting
	rc.lastErr = cause
	delay := rc.config.Backoff.Delay(n)
	// The timer only dials if the manager is still in reconnecting under
	// the same activation epoch; deactivate and manual reconnect both stop
	// it and bump the epoch, so a stale callback can never open a socket.
	rc.retryTimer = time.AfterFunc(delay, func() {
		rc.mu.Lock()
		live := rc.epoch == epoch && rc.active && rc.state == StateReconnecting
		rc.mu.Unlock()
		if !live {
			return
		}
		// Bound the handshake: a black-holed dial must fail and count as
		// an attempt rather than parking the manager in connecting.
		ctx, cancel := context.WithTimeout(context.Background(), rc.config.DialTimeout)
		defer cancel()
		rc.connect(ctx, epoch)
	})
	rc.mu.Unlock()
	rc.dispatcher.emitState(rc.Status())
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// socketURL maps the HTTP base URL onto the socket scheme, so transport
// security follows the hosting endpoint.
func socketURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
