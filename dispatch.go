package moonchat

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// frameHeader is the minimal parse used to pick a branch; the full
// payload is re-decoded into the variant's type.
type frameHeader struct {
	Type string `json:"type"`
}

// Dispatcher classifies inbound transport frames into typed events and
// routes each to its registered handlers. It holds no state of its
// own: every variant triggers its handlers and nothing else. Frames
// that fail to parse as JSON become system chat messages rather than
// being dropped, matching the server's occasional raw-text notices.
type Dispatcher struct {
	mu             sync.RWMutex
	onMessage      []func(ChatMessage)
	onUserJoined   []func(PresenceFrame)
	onUserLeft     []func(PresenceFrame)
	onFriendReq    []func(FriendRequestFrame)
	onFriendAdded  []func(FriendAddedFrame)
	onOpen         []func()
	onClosed       []func(reason string)
	logger         *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger}
}

// OnMessage registers a handler for chat messages, including the
// synthesized system messages produced from unparseable frames.
func (d *Dispatcher) OnMessage(h func(ChatMessage)) {
	d.mu.Lock()
	d.onMessage = append(d.onMessage, h)
	d.mu.Unlock()
}

// OnUserJoined registers a handler for user_joined notifications.
func (d *Dispatcher) OnUserJoined(h func(PresenceFrame)) {
	d.mu.Lock()
	d.onUserJoined = append(d.onUserJoined, h)
	d.mu.Unlock()
}

// OnUserLeft registers a handler for user_left notifications.
func (d *Dispatcher) OnUserLeft(h func(PresenceFrame)) {
	d.mu.Lock()
	d.onUserLeft = append(d.onUserLeft, h)
	d.mu.Unlock()
}

// OnFriendRequest registers a handler for friend_request pushes.
func (d *Dispatcher) OnFriendRequest(h func(FriendRequestFrame)) {
	d.mu.Lock()
	d.onFriendReq = append(d.onFriendReq, h)
	d.mu.Unlock()
}

// OnFriendAdded registers a handler for friend_added pushes.
func (d *Dispatcher) OnFriendAdded(h func(FriendAddedFrame)) {
	d.mu.Lock()
	d.onFriendAdded = append(d.onFriendAdded, h)
	d.mu.Unlock()
}

// OnOpen registers a handler for the connection-open meta-event.
func (d *Dispatcher) OnOpen(h func()) {
	d.mu.Lock()
	d.onOpen = append(d.onOpen, h)
	d.mu.Unlock()
}

// OnClosed registers a handler for the connection-closed meta-event.
func (d *Dispatcher) OnClosed(h func(reason string)) {
	d.mu.Lock()
	d.onClosed = append(d.onClosed, h)
	d.mu.Unlock()
}

// Dispatch classifies one raw frame. Handlers run synchronously so
// that frames from a single connection are observed in arrival order.
func (d *Dispatcher) Dispatch(raw []byte) {
	var header frameHeader
	if err := wire.Unmarshal(raw, &header); err != nil || header.Type == "" {
		// Raw unstructured text: surface it as a system chat message.
		d.dispatchMessage(ChatMessage{
			Type:      "message",
			Content:   string(raw),
			SenderID:  "system",
			Sender:    "system",
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	switch header.Type {
	case "message":
		var msg ChatMessage
		if wire.Unmarshal(raw, &msg) == nil {
			d.dispatchMessage(msg)
		}
	case "user_joined":
		var p PresenceFrame
		if wire.Unmarshal(raw, &p) == nil {
			d.mu.RLock()
			handlers := d.onUserJoined
			d.mu.RUnlock()
			for _, h := range handlers {
				h(p)
			}
		}
	case "user_left":
		var p PresenceFrame
		if wire.Unmarshal(raw, &p) == nil {
			d.mu.RLock()
			handlers := d.onUserLeft
			d.mu.RUnlock()
			for _, h := range handlers {
				h(p)
			}
		}
	case "friend_request":
		var f FriendRequestFrame
		if wire.Unmarshal(raw, &f) == nil {
			d.mu.RLock()
			handlers := d.onFriendReq
			d.mu.RUnlock()
			for _, h := range handlers {
				h(f)
			}
		}
	case "friend_added":
		var f FriendAddedFrame
		if wire.Unmarshal(raw, &f) == nil {
			d.mu.RLock()
			handlers := d.onFriendAdded
			d.mu.RUnlock()
			for _, h := range handlers {
				h(f)
			}
		}
	default:
		d.logger.Debug("unrecognized frame type", zap.String("type", header.Type))
	}
}

func (d *Dispatcher) dispatchMessage(msg ChatMessage) {
	d.mu.RLock()
	handlers := d.onMessage
	d.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (d *Dispatcher) emitOpen() {
	d.mu.RLock()
	handlers := d.onOpen
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *Dispatcher) emitClosed(reason string) {
	d.mu.RLock()
	handlers := d.onClosed
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}
