package moonchat

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Roster merges server-returned friend lists and locally pending
// entries into one de-duplicated contact list and keeps the persisted
// snapshot current. The cache is authoritative whenever the network is
// not: a failed fetch renders the last persisted roster and never
// overwrites it with an empty result.
type Roster struct {
	client  *Client
	session *Session
	logger  *zap.Logger

	// serializes the read-modify-write cycle on the roster key
	mu sync.Mutex
}

func NewRoster(client *Client, session *Session, logger *zap.Logger) *Roster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Roster{client: client, session: session, logger: logger}
}

// LoadFriends fetches the server-authoritative friend list, maps it to
// contacts, de-duplicates by id (first occurrence wins), persists the
// result and returns it. Server-confirmed contacts are marked online;
// the protocol carries no presence signal. On fetch failure or a
// success:false envelope the last persisted roster is returned
// unmodified.
func (r *Roster) LoadFriends(ctx context.Context, userID string) ([]Contact, error) {
	res, err := r.client.GetFriends(ctx, userID)
	if err != nil || !res.Success {
		if err != nil {
			r.logger.Warn("friend list fetch failed, serving cache", zap.Error(err))
		} else {
			r.logger.Warn("friend list rejected, serving cache", zap.String("message", res.Message))
		}
		return r.Cached(), nil
	}

	seen := make(map[string]bool, len(res.Friends))
	contacts := make([]Contact, 0, len(res.Friends))
	for _, f := range res.Friends {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		contacts = append(contacts, Contact{
			ID:        f.ID,
			Name:      f.Username,
			Status:    StatusOnline,
			AvatarURL: f.AvatarURL,
		})
	}

	// A response that raced a logout must not repopulate the store.
	if !r.session.Current(userID) {
		r.logger.Debug("discarding friend list for stale identity", zap.String("user_id", userID))
		return contacts, nil
	}

	r.mu.Lock()
	err = r.session.Store().Put(keyFriends, contacts)
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("failed to persist roster", zap.Error(err))
	}
	return contacts, nil
}

// LoadGroups merges the user's group chats into the roster as contacts
// with the group status, so groups render through the same contact
// list. A failed fetch leaves the roster alone; group endpoints are
// optional server-side, so a 404 is quietly treated the same way.
func (r *Roster) LoadGroups(ctx context.Context, userID string) ([]Contact, error) {
	res, err := r.client.GetGroups(ctx, userID)
	if err != nil || !res.Success {
		if err != nil {
			r.logger.Debug("group list fetch failed", zap.Error(err))
		}
		return r.Cached(), nil
	}
	if !r.session.Current(userID) {
		return r.Cached(), nil
	}

	contacts := r.Cached()
	for _, g := range res.Groups {
		merged, err := r.MergeLocalPlaceholder(Contact{
			ID:     g.ID,
			Name:   g.Name,
			Status: StatusGroup,
		})
		if err != nil {
			return contacts, err
		}
		contacts = merged
	}
	return contacts, nil
}

// MergeLocalPlaceholder inserts a contact only if no entry with the
// same id exists yet. It is idempotent, which keeps the roster free of
// duplicates when an optimistic placeholder races a later server
// reconciliation delivering the real contact.
func (r *Roster) MergeLocalPlaceholder(contact Contact) ([]Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var contacts []Contact
	if _, err := r.session.Store().Get(keyFriends, &contacts); err != nil {
		return nil, err
	}
	for _, c := range contacts {
		if c.ID == contact.ID {
			return contacts, nil
		}
	}
	contacts = append(contacts, contact)
	if err := r.session.Store().Put(keyFriends, contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

// Cached returns the last persisted roster.
func (r *Roster) Cached() []Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	var contacts []Contact
	if _, err := r.session.Store().Get(keyFriends, &contacts); err != nil {
		r.logger.Warn("failed to read cached roster", zap.Error(err))
		return nil
	}
	return contacts
}
