package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

// newWSServer runs an in-process socket endpoint at /ws; handler drives one
// accepted connection.
func newWSServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRealtimeConfig(b Backoff) *RealtimeConfig {
	return &RealtimeConfig{
		Backoff: b,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// fastBackoff keeps reconnect tests quick while preserving the shape of the
// default policy.
func fastBackoff() Backoff {
	return Backoff{Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond, MaxAttempts: 5}
}

func readJoin(t *testing.T, conn *websocket.Conn) int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read join: %v", err)
		return 0
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "join_room" {
		t.Errorf("first frame = %s, want join_room", data)
		return 0
	}
	var p joinRoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Errorf("join payload: %v", err)
		return 0
	}
	return p.RoomID
}

func pushEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := writeJSON(ctx, conn, Envelope{Type: eventType, Payload: raw}); err != nil {
		t.Errorf("server push: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

type recordingToken struct {
	mu          sync.Mutex
	token       string
	invalidated bool
}

func (r *recordingToken) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == "" {
		return "", ErrNoCredentials
	}
	return r.token, nil
}

func (r *recordingToken) Invalidate() {
	r.mu.Lock()
	r.invalidated = true
	r.mu.Unlock()
}

func (r *recordingToken) wasInvalidated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalidated
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestActivateJoinsRoomAndDedupesReplay(t *testing.T) {
	block := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "test-token" {
			t.Errorf("token query = %q, want test-token", got)
		}
		if room := readJoin(t, conn); room != 7 {
			t.Errorf("join roomId = %d, want 7", room)
		}
		m := Message{ID: 1, RoomID: 7, AuthorID: 2, AuthorName: "bob", Body: "hi", CreatedAt: time.Now().UTC()}
		pushEvent(t, conn, "new_message", m)
		pushEvent(t, conn, "new_message", m) // replayed delivery
		<-block
		conn.Close(websocket.StatusNormalClosure, "")
	})
	defer close(block)

	rc := NewRoomConn(srv.URL, StaticToken("test-token"), NewTimeline(nil), testRealtimeConfig(fastBackoff()))
	defer rc.Deactivate()

	if err := rc.Activate(context.Background(), 7); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := rc.Status().State; got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	if got := rc.ActiveRoom(); got != 7 {
		t.Fatalf("ActiveRoom = %d, want 7", got)
	}
	if got := rc.Timeline().Room(); got != 7 {
		t.Fatalf("timeline bound to room %d, want 7", got)
	}
	// A straggler from a previous room's read loop cannot land in the store.
	if rc.Timeline().AppendLive(Message{ID: 99, RoomID: 4, Body: "stale", CreatedAt: time.Now()}) {
		t.Error("append for a different room succeeded, want dropped")
	}

	waitFor(t, 2*time.Second, func() bool { return rc.Timeline().Len() >= 1 }, "message append")
	// Give the duplicate a moment to (incorrectly) land before asserting.
	time.Sleep(50 * time.Millisecond)
	if got := rc.Timeline().Len(); got != 1 {
		t.Errorf("timeline length = %d after replay, want 1", got)
	}
	if got := rc.Timeline().Messages()[0].ID; got != 1 {
		t.Errorf("message ID = %d, want 1", got)
	}
}

func TestSendMessageWhileDisconnected(t *testing.T) {
	rc := NewRoomConn("http://127.0.0.1:0", StaticToken("t"), NewTimeline(nil), testRealtimeConfig(fastBackoff()))

	err := rc.SendMessage(context.Background(), "hello")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendMessage error = %v, want ErrNotConnected", err)
	}
}

func TestSendMessageEmitsEvent(t *testing.T) {
	got := make(chan sendMessagePayload, 1)
	block := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		readJoin(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		var p sendMessagePayload
		if json.Unmarshal(data, &env) == nil && env.Type == "send_message" {
			if json.Unmarshal(env.Payload, &p) == nil {
				got <- p
			}
		}
		<-block
	})
	defer close(block)

	rc := NewRoomConn(srv.URL, StaticToken("t"), NewTimeline(nil), testRealtimeConfig(fastBackoff()))
	defer rc.Deactivate()

	if err := rc.Activate(context.Background(), 12); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := rc.SendMessage(context.Background(), "hello room"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case p := <-got:
		if p.Content != "hello room" || p.RoomID != 12 {
			t.Errorf("payload = %+v, want {hello room 12}", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received send_message")
	}
}

func TestUncleanCloseSchedulesReconnect(t *testing.T) {
	var conns int32
	block := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		n := atomic.AddInt32(&conns, 1)
		readJoin(t, conn)
		if n == 1 {
			// Not requested by the client: an unclean close.
			conn.Close(websocket.StatusInternalError, "server crash")
			return
		}
		<-block
	})
	defer close(block)

	rc := NewRoomConn(srv.URL, StaticToken("t"), NewTimeline(nil), testRealtimeConfig(fastBackoff()))
	defer rc.Deactivate()

	sawReconnecting := make(chan ConnStatus, 16)
	rc.OnStateChange(func(s ConnStatus) {
		if s.State == StateReconnecting {
			sawReconnecting <- s
		}
	})

	if err := rc.Activate(context.Background(), 3); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	select {
	case s := <-sawReconnecting:
		if s.ReconnectAttempts != 1 {
			t.Errorf("ReconnectAttempts = %d, want 1", s.ReconnectAttempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never entered reconnecting")
	}

	// The backoff timer elapses and a fresh connect+join happens on its own.
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&conns) >= 2 }, "automatic redial")
	waitFor(t, 2*time.Second, func() bool { return rc.Status().State == StateConnected }, "reconnected state")
	if got := rc.Status().ReconnectAttempts; got != 0 {
		t.Errorf("ReconnectAttempts = %d after reconnect, want 0", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var conns int32
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		atomic.AddInt32(&conns, 1)
		readJoin(t, conn)
		conn.Close(websocket.StatusInternalError, "server crash")
	})

	rc := NewRoomConn(srv.URL, StaticToken("t"), NewTimeline(nil), testRealtimeConfig(fastBackoff()))
	defer rc.Deactivate()

	if err := rc.Activate(context.Background(), 3); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		s := rc.Status()
		return s.State == StateDisconnected && s.ReconnectAttempts == 5
	}, "retries exhausted")

	if s := rc.Status(); s.LastError == "" {
		t.Error("LastError empty after exhaustion")
	}

	// No sixth timer: the dial count stays put.
	dials := atomic.LoadInt32(&conns)
	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&conns); got != dials {
		t.Errorf("dials grew from %d to %d after exhaustion", dials, got)
	}
	if dials != 5 {
		t.Errorf("total dials = %d, want 5", dials)
	}
}

func TestDeactivateCancelsPendingReconnect(t *testing.T) {
	var conns int32
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		atomic.AddInt32(&conns, 1)
		readJoin(t, conn)
		conn.Close(websocket.StatusInternalError, "server crash")
	})

	// Long delays so the pending timer is observable.
	b := Backoff{Base: 30 * time.Second, Cap: 60 * time.Second, MaxAttempts: 5}
	rc := NewRoomConn(srv.URL, StaticToken("t"), NewTimeline(nil), testRealtimeConfig(b))

	if err := rc.Activate(context.Background(), 3); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return rc.Status().State == StateReconnecting }, "reconnecting state")

	rc.Deactivate()

	if got := rc.Status().State; got != StateDisconnected {
		t.Fatalf("state = %s after Deactivate, want disconnected", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&conns); got != 1 {
		t.Errorf("dials = %d after Deactivate, want 1 (timer must not fire)", got)
	}
}

func TestDeactivateCleanCloseDoesNotRetry(t *testing.T) {
	var conns int32
	closed := make(chan websocket.StatusCode, 1)
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		atomic.AddInt32(&conns, 1)
		readJoin(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _, err := conn.Read(ctx)
		closed <- websocket.CloseStatus(err)
	})

	rc := NewRoomConn(srv.URL, StaticToken("t"), NewTimeline(nil), testRealtimeConfig(fastBackoff()))
	if err := rc.Activate(context.Background(), 3); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	rc.Deactivate()

	select {
	case status := <-closed:
		if status != websocket.StatusNormalClosure {
			t.Errorf("close status = %v, want normal closure", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close")
	}
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&conns); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if got := rc.Timeline().Len(); got != 0 {
		t.Errorf("timeline length = %d after Deactivate, want 0", got)
	}
}

func TestAuthRejectedIsFatal(t *testing.T) {
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &recordingToken{token: "stale-token"}
	rc := NewRoomConn(srv.URL, tokens, NewTimeline(nil), testRealtimeConfig(fastBackoff()))

	err := rc.Activate(context.Background(), 3)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Activate error = %v, want ErrAuthRejected", err)
	}
	if got := rc.Status().State; got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
	if !tokens.wasInvalidated() {
		t.Error("token source was not invalidated")
	}

	// Fatal: no backoff timer, no further dials.
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestActivateWithoutCredentialsFailsFast(t *testing.T) {
	rc := NewRoomConn("http://127.0.0.1:0", StaticToken(""), NewTimeline(nil), testRealtimeConfig(fastBackoff()))

	err := rc.Activate(context.Background(), 3)
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Activate error = %v, want ErrNoCredentials", err)
	}
	s := rc.Status()
	if s.State != StateDisconnected || s.LastError == "" {
		t.Errorf("status = %+v, want disconnected with error", s)
	}
}

func TestManualReconnectAfterExhaustion(t *testing.T) {
	var healthy int32
	block := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		readJoin(t, conn)
		if atomic.LoadInt32(&healthy) == 0 {
			conn.Close(websocket.StatusInternalError, "server crash")
			return
		}
		<-block
	})
	defer close(block)

	b := Backoff{Base: 5 * time.Millisecond, Cap: 10 * time.Millisecond, MaxAttempts: 1}
	rc := NewRoomConn(srv.URL, StaticToken("t"), NewTimeline(nil), testRealtimeConfig(b))
	defer rc.Deactivate()

	if err := rc.Activate(context.Background(), 3); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return rc.Status().State == StateDisconnected }, "exhaustion")

	atomic.StoreInt32(&healthy, 1)
	if err := rc.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	s := rc.Status()
	if s.State != StateConnected {
		t.Fatalf("state = %s after manual reconnect, want connected", s.State)
	}
	if s.ReconnectAttempts != 0 || s.LastError != "" {
		t.Errorf("status = %+v, want reset attempts and error", s)
	}
}

func TestRedialHandshakeTimeout(t *testing.T) {
	var conns int32
	stall := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&conns, 1) >= 2 {
			// Black hole: never answer the upgrade.
			<-stall
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		readJoin(t, conn)
		conn.Close(websocket.StatusInternalError, "server crash")
	}))
	t.Cleanup(srv.Close)
	defer close(stall)

	cfg := testRealtimeConfig(fastBackoff())
	cfg.DialTimeout = 50 * time.Millisecond
	rc := NewRoomConn(srv.URL, StaticToken("t"), NewTimeline(nil), cfg)
	defer rc.Deactivate()

	if err := rc.Activate(context.Background(), 3); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// The stalled redial must time out and count as another failed attempt
	// instead of parking the manager in connecting forever.
	waitFor(t, 5*time.Second, func() bool {
		return rc.Status().ReconnectAttempts >= 2
	}, "dial timeout counted as an attempt")
}

func TestReconnectWithoutActivation(t *testing.T) {
	rc := NewRoomConn("http://127.0.0.1:0", StaticToken("t"), NewTimeline(nil), testRealtimeConfig(fastBackoff()))
	if err := rc.Reconnect(context.Background()); !errors.Is(err, ErrNoActiveRoom) {
		t.Fatalf("Reconnect error = %v, want ErrNoActiveRoom", err)
	}
}

// ============================================================================
// Inbound dispatch
// ============================================================================

func TestDispatchDropsStaleRoomEvents(t *testing.T) {
	rc := NewRoomConn("http://127.0.0.1:0", StaticToken("t"), NewTimeline(nil), testRealtimeConfig(fastBackoff()))

	stale, _ := json.Marshal(Envelope{Type: "new_message", Payload: mustJSON(t, Message{ID: 1, RoomID: 9, Body: "old room"})})
	rc.dispatchInbound(stale, 7)
	if got := rc.Timeline().Len(); got != 0 {
		t.Fatalf("timeline length = %d after stale-room event, want 0", got)
	}

	live, _ := json.Marshal(Envelope{Type: "new_message", Payload: mustJSON(t, Message{ID: 2, RoomID: 7, Body: "active room"})})
	rc.dispatchInbound(live, 7)
	if got := rc.Timeline().Len(); got != 1 {
		t.Fatalf("timeline length = %d, want 1", got)
	}
}

func TestDispatchPresenceNotices(t *testing.T) {
	rc := NewRoomConn("http://127.0.0.1:0", StaticToken("t"), NewTimeline(nil), testRealtimeConfig(fastBackoff()))

	notices := make(chan RoomNotice, 2)
	rc.OnNotice(func(n RoomNotice) { notices <- n })

	joined, _ := json.Marshal(Envelope{Type: "user_joined", Payload: mustJSON(t, RoomNotice{RoomID: 7, UserID: 4, Username: "carol"})})
	rc.dispatchInbound(joined, 7)

	select {
	case n := <-notices:
		if n.Kind != "user_joined" || n.Username != "carol" {
			t.Errorf("notice = %+v, want user_joined by carol", n)
		}
	case <-time.After(time.Second):
		t.Fatal("notice handler never fired")
	}
	if got := rc.Timeline().Len(); got != 0 {
		t.Errorf("timeline length = %d, notices must not touch the timeline", got)
	}
}

func TestDispatchUnknownEventType(t *testing.T) {
	rc := NewRoomConn("http://127.0.0.1:0", StaticToken("t"), NewTimeline(nil), testRealtimeConfig(fastBackoff()))

	generic := make(chan string, 1)
	rc.On("server_maintenance", func(eventType string, payload json.RawMessage) {
		generic <- eventType
	})

	frame, _ := json.Marshal(Envelope{Type: "server_maintenance", Payload: json.RawMessage(`{"at":"soon"}`)})
	rc.dispatchInbound(frame, 7) // must not panic or disturb state

	select {
	case got := <-generic:
		if got != "server_maintenance" {
			t.Errorf("generic handler got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("generic handler never fired for unknown type")
	}
}

func TestSocketURLScheme(t *testing.T) {
	if got := socketURL("https://chat.example.com"); got != "wss://chat.example.com" {
		t.Errorf("socketURL https = %q", got)
	}
	if got := socketURL("http://localhost:8080"); got != "ws://localhost:8080" {
		t.Errorf("socketURL http = %q", got)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
