package moonchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRequestInFlight is returned when a friend-request submission is
// attempted while a previous one is still unresolved. Submissions are
// rejected outright rather than queued.
var ErrRequestInFlight = errors.New("friend request submission already in flight")

// ErrNoIdentity is returned for operations that need a logged-in user.
var ErrNoIdentity = errors.New("no current identity")

// Decisions for RespondToIncoming.
const (
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
)

// RequestPayload is a composed outgoing friend request.
type RequestPayload struct {
	ToUsername  string
	DisplayName string
	Note        string
}

// Requests drives the friend-request workflow: outgoing submissions
// with their single-flight guard and orphan handling, and the
// accept/reject round trip for incoming requests with its roster
// side effects.
type Requests struct {
	client  *Client
	roster  *Roster
	session *Session
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight bool

	// serializes the read-modify-write cycles on the request keys
	cacheMu sync.Mutex
}

func NewRequests(client *Client, roster *Roster, session *Session, logger *zap.Logger) *Requests {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Requests{client: client, roster: roster, session: session, logger: logger}
}

// Submit sends an outgoing friend request. A second call while one is
// unresolved returns ErrRequestInFlight without touching the network;
// the guard is released on every exit path, success or failure, so a
// failed round trip never blocks future submissions.
//
// A 404 from the add-friend endpoint is the orphan path: the request
// is persisted locally as pending with no server identity, a pending
// placeholder enters the roster, and no retry is ever attempted.
func (q *Requests) Submit(ctx context.Context, payload RequestPayload) (*OutgoingRequest, error) {
	q.mu.Lock()
	if q.inFlight {
		q.mu.Unlock()
		return nil, ErrRequestInFlight
	}
	q.inFlight = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.inFlight = false
		q.mu.Unlock()
	}()

	user := q.session.User()
	if user == nil {
		return nil, ErrNoIdentity
	}

	req := &OutgoingRequest{
		ToUsername:  payload.ToUsername,
		DisplayName: payload.DisplayName,
		Note:        payload.Note,
		FromUserID:  user.ID,
		CreatedAt:   time.Now().UnixMilli(),
		State:       RequestSent,
	}

	res, err := q.client.AddFriend(ctx, user.ID, payload.ToUsername, payload.DisplayName, payload.Note)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.NotFound() {
			// Server without the add-friend endpoint: degrade to a
			// local-only pending record instead of a hard failure.
			req.State = RequestOrphaned
			if !q.session.Current(user.ID) {
				q.logger.Debug("discarding orphaned request for stale identity", zap.String("user_id", user.ID))
				return req, nil
			}
			if perr := q.persistOutgoing(req); perr != nil {
				return nil, perr
			}
			if _, merr := q.roster.MergeLocalPlaceholder(Contact{
				ID:     "pending:" + payload.ToUsername,
				Name:   payload.ToUsername,
				Status: StatusPending,
			}); merr != nil {
				q.logger.Warn("failed to merge pending placeholder", zap.Error(merr))
			}
			return req, nil
		}
		return nil, fmt.Errorf("add friend: %w", err)
	}
	if !res.Success {
		return nil, &APIError{Message: res.Message}
	}

	req.RequestID = res.RequestID
	// A logout racing the round trip must not repopulate the store.
	if !q.session.Current(user.ID) {
		q.logger.Debug("discarding sent request for stale identity", zap.String("user_id", user.ID))
		return req, nil
	}
	if err := q.persistOutgoing(req); err != nil {
		return nil, err
	}
	return req, nil
}

// persistOutgoing appends the request to the pending list, replacing
// any entry with the same (from, to, created_at) key.
func (q *Requests) persistOutgoing(req *OutgoingRequest) error {
	q.cacheMu.Lock()
	defer q.cacheMu.Unlock()

	var pending []OutgoingRequest
	if _, err := q.session.Store().Get(keyOutgoingRequests, &pending); err != nil {
		return err
	}
	kept := pending[:0]
	for _, p := range pending {
		if !p.sameKey(req) {
			kept = append(kept, p)
		}
	}
	kept = append(kept, *req)
	return q.session.Store().Put(keyOutgoingRequests, kept)
}

// Outgoing returns the locally tracked outgoing requests.
func (q *Requests) Outgoing() []OutgoingRequest {
	q.cacheMu.Lock()
	defer q.cacheMu.Unlock()
	var pending []OutgoingRequest
	if _, err := q.session.Store().Get(keyOutgoingRequests, &pending); err != nil {
		q.logger.Warn("failed to read outgoing requests", zap.Error(err))
		return nil
	}
	return pending
}

// LoadIncoming fetches the requests received by the user, persists
// them and returns them. Without a user id no network call is made and
// the cache is rendered as-is; the same cache backs any fetch failure.
func (q *Requests) LoadIncoming(ctx context.Context, userID string) ([]IncomingRequest, error) {
	if userID == "" {
		return q.CachedIncoming(), nil
	}

	res, err := q.client.GetFriendRequests(ctx, userID)
	if err != nil || !res.Success {
		if err != nil {
			q.logger.Warn("friend request fetch failed, serving cache", zap.Error(err))
		} else {
			q.logger.Warn("friend request fetch rejected, serving cache", zap.String("message", res.Message))
		}
		return q.CachedIncoming(), nil
	}

	if !q.session.Current(userID) {
		q.logger.Debug("discarding friend requests for stale identity", zap.String("user_id", userID))
		return res.Requests, nil
	}

	q.cacheMu.Lock()
	err = q.session.Store().Put(keyIncomingRequests, res.Requests)
	q.cacheMu.Unlock()
	if err != nil {
		q.logger.Warn("failed to persist friend requests", zap.Error(err))
	}
	return res.Requests, nil
}

// CachedIncoming returns the last persisted incoming requests.
func (q *Requests) CachedIncoming() []IncomingRequest {
	q.cacheMu.Lock()
	defer q.cacheMu.Unlock()
	var requests []IncomingRequest
	if _, err := q.session.Store().Get(keyIncomingRequests, &requests); err != nil {
		q.logger.Warn("failed to read cached requests", zap.Error(err))
		return nil
	}
	return requests
}

// RespondToIncoming accepts or rejects the request with the given id.
// On success the request is filtered out of the incoming cache,
// leaving unrelated entries untouched; removal is idempotent. When the
// decision is accepted, any server-supplied friendship record is
// merged into the roster through the placeholder existence check, and
// a full roster reload always follows as the consistency backstop for
// the direct-merge fast path.
func (q *Requests) RespondToIncoming(ctx context.Context, requestID, decision string) error {
	user := q.session.User()
	if user == nil {
		return ErrNoIdentity
	}

	res, err := q.client.RespondToFriendRequest(ctx, requestID, user.ID, decision)
	if err != nil {
		return fmt.Errorf("respond to friend request: %w", err)
	}
	if !res.Success {
		return &APIError{Message: res.Message}
	}

	if !q.session.Current(user.ID) {
		// Logged out while the call was in flight; drop the effects.
		return nil
	}

	q.removeIncoming(requestID)

	if decision == DecisionAccepted {
		if res.Friendship != nil {
			if _, err := q.roster.MergeLocalPlaceholder(Contact{
				ID:        res.Friendship.ID,
				Name:      res.Friendship.Username,
				Status:    StatusOnline,
				AvatarURL: res.Friendship.AvatarURL,
			}); err != nil {
				q.logger.Warn("failed to merge accepted friendship", zap.Error(err))
			}
		}
		if _, err := q.roster.LoadFriends(ctx, user.ID); err != nil {
			q.logger.Warn("roster reload after accept failed", zap.Error(err))
		}
	}
	return nil
}

func (q *Requests) removeIncoming(requestID string) {
	q.cacheMu.Lock()
	defer q.cacheMu.Unlock()

	var requests []IncomingRequest
	if _, err := q.session.Store().Get(keyIncomingRequests, &requests); err != nil {
		q.logger.Warn("failed to read cached requests", zap.Error(err))
		return
	}
	kept := requests[:0]
	for _, r := range requests {
		if r.ID != requestID {
			kept = append(kept, r)
		}
	}
	if err := q.session.Store().Put(keyIncomingRequests, kept); err != nil {
		q.logger.Warn("failed to persist cached requests", zap.Error(err))
	}
}
