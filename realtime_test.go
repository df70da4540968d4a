package moonchat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wsTestServer accepts websocket upgrades on any path and hands each
// accepted connection to serve. The accept counter tracks (re)connects.
func wsTestServer(t *testing.T, serve func(ctx context.Context, ws *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var accepts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepts.Add(1)
		serve(r.Context(), ws)
	}))
	t.Cleanup(server.Close)
	return server, &accepts
}

func holdOpen(ctx context.Context, ws *websocket.Conn) {
	// Drain reads until the client goes away.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ============================================================================
// Connect
// ============================================================================

func TestConnConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("connect is idempotent", func(t *testing.T) {
		server, accepts := wsTestServer(t, holdOpen)
		session := newTestSession(t, &User{ID: "u1", Username: "alice"})
		conn := NewConn(server.URL, session, NewDispatcher(nil), nil, nil)
		defer conn.Disconnect()

		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("second Connect: %v", err)
		}
		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("third Connect: %v", err)
		}
		if got := accepts.Load(); got != 1 {
			t.Fatalf("expected exactly one upgrade, got %d", got)
		}
		if conn.State() != StateOpen {
			t.Fatalf("expected open, got %s", conn.State())
		}
	})

	t.Run("identify is sent after open", func(t *testing.T) {
		frames := make(chan []byte, 1)
		server, _ := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
			_, data, err := ws.Read(ctx)
			if err == nil {
				frames <- data
			}
			holdOpen(ctx, ws)
		})
		session := newTestSession(t, &User{ID: "u1", Username: "alice"})
		conn := NewConn(server.URL, session, NewDispatcher(nil), nil, nil)
		defer conn.Disconnect()

		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		select {
		case data := <-frames:
			var frame IdentifyFrame
			if err := wire.Unmarshal(data, &frame); err != nil {
				t.Fatalf("bad identify frame: %v", err)
			}
			if frame.Type != "identify" || frame.UserID != "u1" || frame.Username != "alice" {
				t.Fatalf("unexpected identify: %+v", frame)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("identify frame never arrived")
		}
	})

	t.Run("open event reaches the dispatcher", func(t *testing.T) {
		server, _ := wsTestServer(t, holdOpen)
		session := newTestSession(t, &User{ID: "u1"})
		dispatcher := NewDispatcher(nil)
		var opened atomic.Int32
		dispatcher.OnOpen(func() { opened.Add(1) })
		conn := NewConn(server.URL, session, dispatcher, nil, nil)
		defer conn.Disconnect()

		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if opened.Load() != 1 {
			t.Fatalf("expected one open event, got %d", opened.Load())
		}
	})

	t.Run("dial failure leaves the state disconnected", func(t *testing.T) {
		session := newTestSession(t, &User{ID: "u1"})
		conn := NewConn("http://127.0.0.1:1", session, NewDispatcher(nil), nil, nil)

		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := conn.Connect(dialCtx); err == nil {
			t.Fatal("expected dial error")
		}
		if conn.State() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", conn.State())
		}
	})
}

// ============================================================================
// Send
// ============================================================================

func TestConnSend(t *testing.T) {
	ctx := context.Background()

	t.Run("silently drops while disconnected", func(t *testing.T) {
		session := newTestSession(t, &User{ID: "u1"})
		conn := NewConn("http://127.0.0.1:1", session, NewDispatcher(nil), nil, nil)

		if err := conn.Send(ctx, ChatMessage{Type: "message", Content: "hi"}); err != nil {
			t.Fatalf("dropped send must not error: %v", err)
		}
	})

	t.Run("delivers while open", func(t *testing.T) {
		frames := make(chan []byte, 2)
		server, _ := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
			for {
				_, data, err := ws.Read(ctx)
				if err != nil {
					return
				}
				frames <- data
			}
		})
		// No identity, so the first frame the server sees is the send.
		session := NewSession(NewMemoryStore(), nil)
		conn := NewConn(server.URL, session, NewDispatcher(nil), nil, nil)
		defer conn.Disconnect()

		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := conn.Send(ctx, ChatMessage{Type: "message", ID: "m1", Content: "hi"}); err != nil {
			t.Fatalf("Send: %v", err)
		}

		select {
		case data := <-frames:
			var msg ChatMessage
			if err := wire.Unmarshal(data, &msg); err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			if msg.ID != "m1" || msg.Content != "hi" {
				t.Fatalf("unexpected frame: %+v", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("frame never arrived")
		}
	})
}

// ============================================================================
// Reconnect
// ============================================================================

func TestConnReconnect(t *testing.T) {
	ctx := context.Background()
	fast := &ReconnectPolicy{Delay: 20 * time.Millisecond}

	t.Run("inbound frames reach the dispatcher", func(t *testing.T) {
		server, _ := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
			ws.Write(ctx, websocket.MessageText, []byte(`{"type":"message","id":"m1","content":"hi","sender_id":"u2"}`))
			holdOpen(ctx, ws)
		})
		session := NewSession(NewMemoryStore(), nil)
		dispatcher := NewDispatcher(nil)
		var got atomic.Int32
		dispatcher.OnMessage(func(m ChatMessage) {
			if m.ID == "m1" {
				got.Add(1)
			}
		})
		conn := NewConn(server.URL, session, dispatcher, nil, nil)
		defer conn.Disconnect()

		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		waitFor(t, 2*time.Second, func() bool { return got.Load() == 1 })
	})

	t.Run("server close triggers a reconnect", func(t *testing.T) {
		var closeFirst atomic.Bool
		closeFirst.Store(true)
		server, accepts := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
			if closeFirst.CompareAndSwap(true, false) {
				ws.Close(websocket.StatusInternalError, "kick")
				return
			}
			holdOpen(ctx, ws)
		})
		session := NewSession(NewMemoryStore(), nil)
		dispatcher := NewDispatcher(nil)
		var closed atomic.Int32
		dispatcher.OnClosed(func(string) { closed.Add(1) })
		conn := NewConn(server.URL, session, dispatcher, fast, nil)
		defer conn.Disconnect()

		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		waitFor(t, 3*time.Second, func() bool { return accepts.Load() >= 2 })
		if closed.Load() == 0 {
			t.Fatal("closed event never fired")
		}
		waitFor(t, 2*time.Second, func() bool { return conn.State() == StateOpen })
	})

	t.Run("disconnect during the dial discards the fresh socket", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		var accepts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
			ws, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			accepts.Add(1)
			holdOpen(r.Context(), ws)
		}))
		t.Cleanup(server.Close)

		session := NewSession(NewMemoryStore(), nil)
		conn := NewConn(server.URL, session, NewDispatcher(nil), fast, nil)

		done := make(chan error, 1)
		go func() { done <- conn.Connect(ctx) }()
		<-entered
		if err := conn.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		close(release)
		if err := <-done; err != nil {
			t.Fatalf("Connect: %v", err)
		}

		if conn.State() != StateDisconnected {
			t.Fatalf("connection live after explicit disconnect: state=%s", conn.State())
		}
		// No reconnect timer may be armed either.
		time.Sleep(150 * time.Millisecond)
		if conn.State() != StateDisconnected {
			t.Fatalf("reconnected after explicit disconnect: state=%s", conn.State())
		}
	})

	t.Run("manual connect inside the reconnect window schedules no second attempt", func(t *testing.T) {
		var closeFirst atomic.Bool
		closeFirst.Store(true)
		server, accepts := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
			if closeFirst.CompareAndSwap(true, false) {
				ws.Close(websocket.StatusInternalError, "kick")
				return
			}
			holdOpen(ctx, ws)
		})
		session := NewSession(NewMemoryStore(), nil)
		conn := NewConn(server.URL, session, NewDispatcher(nil), &ReconnectPolicy{Delay: 200 * time.Millisecond}, nil)
		defer conn.Disconnect()

		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		// The kick drops the connection and arms one reconnect timer.
		waitFor(t, 2*time.Second, func() bool { return conn.State() == StateDisconnected })

		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("manual Connect: %v", err)
		}
		if got := accepts.Load(); got != 2 {
			t.Fatalf("expected 2 upgrades after manual connect, got %d", got)
		}

		// When the armed timer fires it must find the connection open
		// and attempt nothing.
		time.Sleep(400 * time.Millisecond)
		if got := accepts.Load(); got != 2 {
			t.Fatalf("pending timer dialed again: %d upgrades", got)
		}
		if conn.State() != StateOpen {
			t.Fatalf("expected open, got %s", conn.State())
		}
	})

	t.Run("explicit disconnect stays down", func(t *testing.T) {
		server, accepts := wsTestServer(t, holdOpen)
		session := NewSession(NewMemoryStore(), nil)
		conn := NewConn(server.URL, session, NewDispatcher(nil), fast, nil)

		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := conn.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}

		// Give a reconnect timer ample time to fire if one was armed.
		time.Sleep(150 * time.Millisecond)
		if got := accepts.Load(); got != 1 {
			t.Fatalf("reconnected after explicit disconnect: %d upgrades", got)
		}
		if conn.State() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", conn.State())
		}
	})
}

// ============================================================================
// Reconnect policy
// ============================================================================

func TestReconnectPolicy(t *testing.T) {
	t.Run("fixed delay never grows", func(t *testing.T) {
		r := reconnector{policy: ReconnectPolicy{Delay: 5 * time.Second}}
		r.policy.defaults()
		for i := 0; i < 10; i++ {
			if d := r.nextDelay(); d != 5*time.Second {
				t.Fatalf("attempt %d: expected 5s, got %v", i, d)
			}
		}
	})

	t.Run("backoff grows and caps", func(t *testing.T) {
		r := reconnector{policy: ReconnectPolicy{Delay: time.Second, Backoff: true, MaxDelay: 8 * time.Second}}
		first := r.nextDelay()
		if first < time.Second || first > 2*time.Second {
			t.Fatalf("first delay out of range: %v", first)
		}
		var last time.Duration
		for i := 0; i < 10; i++ {
			last = r.nextDelay()
			if last > 8*time.Second {
				t.Fatalf("delay exceeds cap: %v", last)
			}
		}
		if last != 8*time.Second {
			t.Fatalf("expected capped delay, got %v", last)
		}
	})

	t.Run("backoff resets after a stable connection", func(t *testing.T) {
		r := reconnector{policy: ReconnectPolicy{Delay: time.Second, Backoff: true, MaxDelay: time.Minute}}
		for i := 0; i < 5; i++ {
			r.nextDelay()
		}
		r.connectedAt = time.Now().Add(-2 * time.Minute)
		if d := r.nextDelay(); d > 2*time.Second {
			t.Fatalf("expected reset delay, got %v", d)
		}
	})
}
