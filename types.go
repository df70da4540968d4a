package moonchat

import "strconv"

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a business-rule failure reported by the server
// (success:false envelope with a human-readable message).
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// HTTPError is a transport-level failure: the server answered with a
// non-2xx status before any envelope could be decoded.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return "http " + strconv.Itoa(e.Status) + ": " + e.Body
}

// NotFound reports whether the error is a 404 on an optional endpoint.
func (e *HTTPError) NotFound() bool { return e.Status == 404 }

// ============================================================================
// Identity
// ============================================================================

// User is the authenticated identity. IDs are opaque server-assigned
// strings; the username is a unique but mutable display label.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ============================================================================
// Contacts
// ============================================================================

// Contact statuses. A server-confirmed friend is reported "online"
// (the protocol carries no presence signal). "pending" marks a local
// placeholder for an unconfirmed relationship, "group" a group chat
// rendered through the same roster.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusPending = "pending"
	StatusGroup   = "group"
)

// Contact is a roster entry keyed by ID.
type Contact struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ============================================================================
// Friend Requests
// ============================================================================

// IncomingRequest is a friend request received from another user.
// The ID is server-assigned and is the removal key once responded to.
type IncomingRequest struct {
	ID           string `json:"id"`
	FromUserID   string `json:"from_user_id"`
	FromUsername string `json:"from_username,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// OutgoingRequest is a locally tracked request this client sent.
// RequestID stays nil until the server assigns one; entries are keyed
// by (FromUserID, ToUsername, CreatedAt) so de-duplication works for
// orphaned requests that never got a server identity.
type OutgoingRequest struct {
	RequestID   *string `json:"request_id"`
	ToUsername  string  `json:"to_username"`
	DisplayName string  `json:"display_name"`
	Note        string  `json:"note"`
	FromUserID  string  `json:"from_user_id"`
	CreatedAt   int64   `json:"created_at"`
	State       string  `json:"state"`
}

// Outgoing request lifecycle states.
const (
	RequestSent     = "sent"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
	RequestOrphaned = "orphaned"
)

func (r *OutgoingRequest) sameKey(other *OutgoingRequest) bool {
	return r.FromUserID == other.FromUserID &&
		r.ToUsername == other.ToUsername &&
		r.CreatedAt == other.CreatedAt
}

// ============================================================================
// Messages
// ============================================================================

// ChatMessage is both the wire frame for type "message" and the unit
// of the local history log. Timestamp is Unix milliseconds.
type ChatMessage struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	SenderID   string `json:"sender_id"`
	Sender     string `json:"sender"`
	ReceiverID string `json:"receiver_id"`
	Receiver   string `json:"receiver"`
	Timestamp  int64  `json:"timestamp"`
}

// ============================================================================
// Wire frames (transport push notifications)
// ============================================================================

// IdentifyFrame binds the transport connection to a user after open.
type IdentifyFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// PresenceFrame carries user_joined / user_left notifications.
type PresenceFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// FriendRequestFrame is pushed when someone sends this user a request.
type FriendRequestFrame struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	Message    string `json:"message,omitempty"`
}

// FriendAddedFrame is pushed to both sides when a request is accepted.
type FriendAddedFrame struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id"`
	FriendID       string `json:"friend_id"`
	FriendUsername string `json:"friend_username"`
	Message        string `json:"message,omitempty"`
}

// ============================================================================
// REST envelopes. One typed result per endpoint, decoded once at the
// API boundary so internal components never re-inspect raw JSON.
// ============================================================================

// FriendRecord is the server's shape for a confirmed friend.
type FriendRecord struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type LoginResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

type RegisterResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type UserExistsResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Exists  bool   `json:"exists"`
}

type UserInfoResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	User    *User  `json:"user,omitempty"`
}

type UpdateUserResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type AvatarResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type FriendsResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Friends []FriendRecord `json:"friends"`
}

// GroupRecord is the server's shape for a group chat membership.
type GroupRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type GroupsResult struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Groups  []GroupRecord `json:"groups"`
}

type AddFriendResult struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message,omitempty"`
	RequestID *string `json:"request_id"`
}

type FriendRequestsResult struct {
	Success  bool              `json:"success"`
	Message  string            `json:"message,omitempty"`
	Requests []IncomingRequest `json:"requests"`
}

type RespondResult struct {
	Success    bool          `json:"success"`
	Message    string        `json:"message,omitempty"`
	Friendship *FriendRecord `json:"friendship,omitempty"`
}

type UnreadMessagesResult struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

type MarkReadResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
