// Package moonchat is the client-side state-synchronization core for a
// Moonchat server: a REST API client, a reconnecting realtime
// connection, and a set of reconcilers that keep locally cached state
// (roster, friend requests, message history) consistent with the
// server under disconnection, duplicate pushes, and out-of-order
// delivery.
//
// Example:
//
//	client := moonchat.NewClient(moonchat.WithBaseURL("http://localhost:2025"))
//	login, _ := client.Login(ctx, "alice", "secret")
//
//	store, _ := moonchat.OpenSQLiteStore(path, logger)
//	session := moonchat.NewSession(store, logger)
//	session.SetUser(&moonchat.User{ID: login.UserID, Username: login.Username})
//
//	sync := moonchat.NewSync(client, session, nil)
//	sync.Connect(ctx)
package moonchat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultBaseURL = "http://localhost:2025"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is a Moonchat REST API client. All methods decode the server
// envelope exactly once and return a typed result; a success:false
// envelope is returned as-is for the caller to surface, while
// transport and decode failures come back as errors.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Moonchat client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := wire.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := wire.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth endpoints
// ============================================================================

// Login authenticates with username and password.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	data, err := c.doRequest(ctx, "POST", "/login", map[string]string{
		"username": username, "password": password,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[LoginResult](data)
}

// Register creates a new account. The confirmation check lives client
// side; the server only ever sees the one password.
func (c *Client) Register(ctx context.Context, username, password, confirmPassword string) (*RegisterResult, error) {
	if password != confirmPassword {
		return &RegisterResult{
			Success: false,
			Message: "passwords do not match",
		}, nil
	}
	data, err := c.doRequest(ctx, "POST", "/register", map[string]string{
		"username": username, "password": password,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[RegisterResult](data)
}

// UserExists checks whether a user id is known to the server.
func (c *Client) UserExists(ctx context.Context, userID string) (*UserExistsResult, error) {
	data, err := c.doRequest(ctx, "POST", "/user/exists", map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[UserExistsResult](data)
}

// GetUser fetches a user's profile (display name, avatar).
func (c *Client) GetUser(ctx context.Context, userID string) (*UserInfoResult, error) {
	data, err := c.doRequest(ctx, "GET", "/user/"+userID, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UserInfoResult](data)
}

// UpdateUser updates profile fields.
func (c *Client) UpdateUser(ctx context.Context, userID, username, email string) (*UpdateUserResult, error) {
	data, err := c.doRequest(ctx, "POST", "/user/"+userID, map[string]string{
		"username": username, "email": email,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[UpdateUserResult](data)
}

// UploadAvatar uploads avatar bytes as a multipart form.
func (c *Client) UploadAvatar(ctx context.Context, userID, fileName string, avatar []byte) (*AvatarResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("avatar", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(avatar); err != nil {
		return nil, fmt.Errorf("failed to write avatar data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/user/"+userID+"/avatar", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(data)}
	}
	return decodeJSON[AvatarResult](data)
}

// ============================================================================
// Friend endpoints
// ============================================================================

// GetFriends fetches the server-authoritative friend list.
func (c *Client) GetFriends(ctx context.Context, userID string) (*FriendsResult, error) {
	data, err := c.doRequest(ctx, "POST", "/get-friends", map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[FriendsResult](data)
}

// AddFriend sends a friend request addressed by username.
func (c *Client) AddFriend(ctx context.Context, fromUserID, toUsername, displayName, note string) (*AddFriendResult, error) {
	data, err := c.doRequest(ctx, "POST", "/friends/add", map[string]string{
		"from_user_id": fromUserID,
		"to_username":  toUsername,
		"display_name": displayName,
		"note":         note,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[AddFriendResult](data)
}

// GetGroups fetches the group chats the user belongs to.
func (c *Client) GetGroups(ctx context.Context, userID string) (*GroupsResult, error) {
	data, err := c.doRequest(ctx, "POST", "/get-groups", map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[GroupsResult](data)
}

// GetFriendRequests fetches requests received by the user.
func (c *Client) GetFriendRequests(ctx context.Context, userID string) (*FriendRequestsResult, error) {
	data, err := c.doRequest(ctx, "POST", "/get-friend-requests", map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[FriendRequestsResult](data)
}

// RespondToFriendRequest accepts or rejects an incoming request.
// decision must be "accepted" or "rejected".
func (c *Client) RespondToFriendRequest(ctx context.Context, requestID, userID, decision string) (*RespondResult, error) {
	data, err := c.doRequest(ctx, "POST", "/respond-to-friend-request", map[string]string{
		"request_id": requestID,
		"user_id":    userID,
		"response":   decision,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[RespondResult](data)
}

// ============================================================================
// Message endpoints
// ============================================================================

// UnreadMessages fetches messages delivered while the client was offline.
func (c *Client) UnreadMessages(ctx context.Context) (*UnreadMessagesResult, error) {
	data, err := c.doRequest(ctx, "GET", "/messages/unread", nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UnreadMessagesResult](data)
}

// MarkRead marks the given message ids as read in one batched call.
func (c *Client) MarkRead(ctx context.Context, messageIDs []string) (*MarkReadResult, error) {
	data, err := c.doRequest(ctx, "POST", "/messages/read", map[string][]string{
		"message_ids": messageIDs,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[MarkReadResult](data)
}
