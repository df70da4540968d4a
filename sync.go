package moonchat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aidarkhanov/nanoid/v2"
	"go.uber.org/zap"
)

// SyncOptions configures the sync engine.
type SyncOptions struct {
	Reconnect *ReconnectPolicy
	Logger    *zap.Logger
	// Notice receives human-readable notifications (user joined/left,
	// incoming friend request) for the presentation layer to surface.
	Notice func(text string)
}

// Sync is the client core: it wires the connection manager, the event
// dispatcher and the reconcilers together so that server pushes, REST
// responses and user-initiated optimistic writes all land in the same
// consistent local view.
type Sync struct {
	client  *Client
	session *Session
	logger  *zap.Logger
	notice  func(string)

	Dispatcher *Dispatcher
	Conn       *Conn
	Roster     *Roster
	Requests   *Requests
	History    *History
}

// NewSync builds the full engine around an API client and a session.
func NewSync(client *Client, session *Session, opts *SyncOptions) *Sync {
	var (
		policy *ReconnectPolicy
		logger *zap.Logger
		notice func(string)
	)
	if opts != nil {
		policy = opts.Reconnect
		logger = opts.Logger
		notice = opts.Notice
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notice == nil {
		notice = func(string) {}
	}

	s := &Sync{
		client:  client,
		session: session,
		logger:  logger,
		notice:  notice,
	}
	s.Dispatcher = NewDispatcher(logger)
	s.Conn = NewConn(client.BaseURL(), session, s.Dispatcher, policy, logger)
	s.Roster = NewRoster(client, session, logger)
	s.Requests = NewRequests(client, s.Roster, session, logger)
	s.History = NewHistory(session.Store(), logger)

	s.Dispatcher.OnMessage(s.handleMessage)
	s.Dispatcher.OnUserJoined(func(p PresenceFrame) {
		s.notice(p.Username + " joined the chat")
	})
	s.Dispatcher.OnUserLeft(func(p PresenceFrame) {
		s.notice(p.Username + " left the chat")
	})
	s.Dispatcher.OnFriendRequest(s.handleFriendRequest)
	s.Dispatcher.OnFriendAdded(s.handleFriendAdded)
	s.Dispatcher.OnOpen(s.handleOpen)

	return s
}

// Connect opens the transport connection; reconnects are automatic
// from here on.
func (s *Sync) Connect(ctx context.Context) error {
	return s.Conn.Connect(ctx)
}

// Disconnect closes the transport and stays down.
func (s *Sync) Disconnect() error {
	return s.Conn.Disconnect()
}

// Logout disconnects and clears all session-scoped cached state.
func (s *Sync) Logout() {
	if err := s.Conn.Disconnect(); err != nil {
		s.logger.Debug("disconnect on logout", zap.Error(err))
	}
	s.session.Logout()
}

// SendChat composes a message to the contact, writes it to local
// history first and then transmits it. The optimistic write is
// unconditional: when the connection is down the message still renders
// locally, though it is never queued for later transmission.
func (s *Sync) SendChat(ctx context.Context, to Contact, content string) (*ChatMessage, error) {
	user := s.session.User()
	if user == nil {
		return nil, ErrNoIdentity
	}

	id, err := nanoid.New()
	if err != nil {
		id = ""
	}
	msg := ChatMessage{
		ID:         id,
		Type:       "message",
		Content:    content,
		SenderID:   user.ID,
		Sender:     user.Username,
		ReceiverID: to.ID,
		Receiver:   to.Name,
		Timestamp:  time.Now().UnixMilli(),
	}

	if err := s.History.Append(msg); err != nil {
		return nil, err
	}
	if err := s.Conn.Send(ctx, msg); err != nil {
		s.logger.Warn("message transmit failed", zap.Error(err))
	}
	return &msg, nil
}

// UpdateProfile pushes profile changes to the server and, on success,
// updates the cached identity so the new username is used by identify
// frames and outgoing messages from now on.
func (s *Sync) UpdateProfile(ctx context.Context, username, email string) error {
	user := s.session.User()
	if user == nil {
		return ErrNoIdentity
	}

	res, err := s.client.UpdateUser(ctx, user.ID, username, email)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if !res.Success {
		return &APIError{Message: res.Message}
	}
	if !s.session.Current(user.ID) {
		return nil
	}
	if username != "" {
		user.Username = username
		s.session.SetUser(user)
	}
	return nil
}

// Backfill fetches undelivered messages, ingests them into history and
// marks them read in one batch. Returns how many were ingested so the
// caller can surface an unread notice.
func (s *Sync) Backfill(ctx context.Context) (int, error) {
	user := s.session.User()
	if user == nil {
		return 0, nil
	}

	res, err := s.client.UnreadMessages(ctx)
	if err != nil {
		return 0, err
	}
	if !res.Success || len(res.Messages) == 0 {
		return 0, nil
	}
	if !s.session.Current(user.ID) {
		return 0, nil
	}

	return s.History.IngestOfflineBackfill(ctx, res.Messages, func(ctx context.Context, ids []string) error {
		mr, err := s.client.MarkRead(ctx, ids)
		if err != nil {
			return err
		}
		if !mr.Success {
			return &APIError{Message: mr.Message}
		}
		return nil
	})
}

// ============================================================================
// Dispatcher handlers
// ============================================================================

func (s *Sync) handleMessage(msg ChatMessage) {
	if err := s.History.Append(msg); err != nil {
		s.logger.Warn("failed to append inbound message", zap.Error(err))
	}
}

// handleFriendRequest refreshes the incoming-request cache. The fetch
// runs off the read loop: push ordering against REST responses is
// unordered anyway, and the cache merge is idempotent.
func (s *Sync) handleFriendRequest(f FriendRequestFrame) {
	s.notice("new friend request received")
	user := s.session.User()
	if user == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if _, err := s.Requests.LoadIncoming(ctx, user.ID); err != nil {
			s.logger.Warn("friend request refresh failed", zap.Error(err))
		}
	}()
}

// handleFriendAdded merges the new friend directly, then reloads the
// roster as the backstop. Duplicate pushes collapse in the merge.
func (s *Sync) handleFriendAdded(f FriendAddedFrame) {
	user := s.session.User()
	if user == nil {
		return
	}
	if _, err := s.Roster.MergeLocalPlaceholder(Contact{
		ID:     f.FriendID,
		Name:   f.FriendUsername,
		Status: StatusOnline,
	}); err != nil {
		s.logger.Warn("failed to merge pushed friendship", zap.Error(err))
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if _, err := s.Roster.LoadFriends(ctx, user.ID); err != nil {
			s.logger.Warn("roster reload after friend_added failed", zap.Error(err))
		}
	}()
}

// handleOpen runs the offline backfill after every (re)connect.
func (s *Sync) handleOpen() {
	if s.session.User() == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		n, err := s.Backfill(ctx)
		if err != nil {
			s.logger.Warn("offline backfill failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.notice("you have " + strconv.Itoa(n) + " unread messages")
		}
	}()
}
