package moonchat

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the transport connection state. One connection exists
// per client process; Connect is idempotent.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateClosing      ConnState = "closing"
)

// ============================================================================
// Reconnect policy
// ============================================================================

// ReconnectPolicy controls the delay between reconnect attempts.
// The default is a fixed 5 second delay with no retry ceiling, the
// protocol's expected pacing. Backoff switches to capped
// exponential delays with jitter, the better default for anything
// beyond a desktop client.
type ReconnectPolicy struct {
	Delay    time.Duration
	Backoff  bool
	MaxDelay time.Duration
}

func (p *ReconnectPolicy) defaults() {
	if p.Delay == 0 {
		p.Delay = 5 * time.Second
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 60 * time.Second
	}
}

type reconnector struct {
	policy      ReconnectPolicy
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
	if !r.policy.Backoff {
		r.attempt = 0
	}
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.policy.Backoff {
		return r.policy.Delay
	}
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.policy.Delay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.policy.Delay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.policy.MaxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Conn
// ============================================================================

// Conn owns the single live transport connection to the server. It
// reconnects after any non-intentional close and forwards every
// inbound frame to the dispatcher in arrival order.
type Conn struct {
	endpoint   string
	session    *Session
	dispatcher *Dispatcher
	logger     *zap.Logger

	mu               sync.Mutex
	ws               *websocket.Conn
	state            ConnState
	intentionalClose bool
	reconnectPending bool
	cancelFn         context.CancelFunc
	recon            reconnector
}

// NewConn creates a connection manager for the given base URL.
// The http(s) scheme is rewritten to ws(s) and /ws appended, mirroring
// the server's routing.
func NewConn(baseURL string, session *Session, dispatcher *Dispatcher, policy *ReconnectPolicy, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	var p ReconnectPolicy
	if policy != nil {
		p = *policy
	}
	p.defaults()

	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	return &Conn{
		endpoint:   wsURL + "/ws",
		session:    session,
		dispatcher: dispatcher,
		logger:     logger,
		state:      StateDisconnected,
		recon:      reconnector{policy: p},
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the transport connection. It is idempotent: a
// call while the state is Connecting or Open is a no-op, so at most
// one live or opening connection exists at any time.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	ws, _, err := websocket.Dial(ctx, c.endpoint, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	// Disconnect may have been issued while the dial was suspended;
	// an explicit close must stay down, so the fresh socket is
	// discarded rather than adopted.
	if c.intentionalClose {
		c.state = StateDisconnected
		c.mu.Unlock()
		cancel()
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	c.ws = ws
	c.state = StateOpen
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.markConnected()

	c.identify(connCtx)
	c.dispatcher.emitOpen()

	go c.readLoop(connCtx, ws)
	return nil
}

// identify binds the connection to the logged-in user. A send failure
// is logged and swallowed: the connection itself remains usable.
func (c *Conn) identify(ctx context.Context) {
	user := c.session.User()
	if user == nil {
		return
	}
	frame := IdentifyFrame{Type: "identify", UserID: user.ID, Username: user.Username}
	if err := c.write(ctx, frame); err != nil {
		c.logger.Warn("identify frame not sent", zap.Error(err))
	}
}

// Send transmits a frame when the connection is Open and silently
// drops it otherwise. Callers own any optimistic-local-write fallback;
// there is no outbox for frames composed while disconnected.
func (c *Conn) Send(ctx context.Context, frame any) error {
	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		c.logger.Debug("dropping frame: connection not open")
		return nil
	}
	return c.write(ctx, frame)
}

func (c *Conn) write(ctx context.Context, frame any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected")
	}
	data, err := wire.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// Disconnect closes the connection and suppresses the automatic
// reconnect. An explicit Disconnect (logout) must stay down; only
// unexpected closes are retried.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	c.state = StateClosing
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			if !intentional {
				c.state = StateDisconnected
				c.ws = nil
			}
			c.mu.Unlock()

			if intentional {
				return
			}
			c.logger.Info("connection closed", zap.Error(err))
			c.dispatcher.emitClosed(err.Error())
			c.scheduleReconnect()
			return
		}
		// Frames from one connection reach the dispatcher in arrival
		// order; handlers run to completion before the next read.
		c.dispatcher.Dispatch(data)
	}
}

// scheduleReconnect arms exactly one reconnect timer. Retries continue
// until a connect succeeds or Disconnect is called; there is no
// attempt ceiling.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnectPending || c.intentionalClose {
		c.mu.Unlock()
		return
	}
	c.reconnectPending = true
	c.mu.Unlock()

	delay := c.recon.nextDelay()
	c.logger.Info("reconnect scheduled", zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectPending = false
		abort := c.intentionalClose
		c.mu.Unlock()
		if abort {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Error(err))
			c.scheduleReconnect()
		}
	})
}
