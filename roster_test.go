package moonchat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(WithBaseURL(server.URL))
}

func friendsHandler(t *testing.T, friends []FriendRecord) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get-friends" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, FriendsResult{Success: true, Friends: friends})
	})
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	data, err := wire.Marshal(v)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	w.Write(data)
}

// ============================================================================
// LoadFriends
// ============================================================================

func TestRosterLoadFriends(t *testing.T) {
	ctx := context.Background()

	t.Run("maps, persists and returns the fetched list", func(t *testing.T) {
		client := newTestClient(t, friendsHandler(t, []FriendRecord{
			{ID: "u2", Username: "bob", AvatarURL: "/avatars/bob.png"},
			{ID: "u3", Username: "carol"},
		}))
		session := newTestSession(t, &User{ID: "u1", Username: "alice"})
		roster := NewRoster(client, session, nil)

		contacts, err := roster.LoadFriends(ctx, "u1")
		if err != nil {
			t.Fatalf("LoadFriends: %v", err)
		}
		if len(contacts) != 2 {
			t.Fatalf("expected 2 contacts, got %d", len(contacts))
		}
		if contacts[0].ID != "u2" || contacts[0].Name != "bob" {
			t.Fatalf("unexpected first contact: %+v", contacts[0])
		}
		if contacts[0].Status != StatusOnline {
			t.Fatalf("server-confirmed friend must be online, got %s", contacts[0].Status)
		}
		if contacts[0].AvatarURL != "/avatars/bob.png" {
			t.Fatalf("avatar lost in mapping: %+v", contacts[0])
		}
		if cached := roster.Cached(); len(cached) != 2 {
			t.Fatalf("expected persisted roster, got %d entries", len(cached))
		}
	})

	t.Run("duplicate ids collapse, first occurrence wins", func(t *testing.T) {
		client := newTestClient(t, friendsHandler(t, []FriendRecord{
			{ID: "u2", Username: "bob"},
			{ID: "u2", Username: "bob-again"},
			{ID: "u3", Username: "carol"},
		}))
		session := newTestSession(t, &User{ID: "u1"})
		roster := NewRoster(client, session, nil)

		contacts, err := roster.LoadFriends(ctx, "u1")
		if err != nil {
			t.Fatalf("LoadFriends: %v", err)
		}
		if len(contacts) != 2 {
			t.Fatalf("expected duplicates collapsed to 2, got %d", len(contacts))
		}
		if contacts[0].Name != "bob" {
			t.Fatalf("first occurrence must win, got %s", contacts[0].Name)
		}
	})

	t.Run("fetch failure serves the cache unchanged", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		session := newTestSession(t, &User{ID: "u1"})
		cached := []Contact{{ID: "u9", Name: "好友1", Status: StatusOnline}}
		session.Store().Put(keyFriends, cached)
		roster := NewRoster(client, session, nil)

		contacts, err := roster.LoadFriends(ctx, "u1")
		if err != nil {
			t.Fatalf("fetch failure must degrade, not error: %v", err)
		}
		if len(contacts) != 1 || contacts[0].Name != "好友1" {
			t.Fatalf("cache not served: %+v", contacts)
		}
		if after := roster.Cached(); len(after) != 1 {
			t.Fatal("failed fetch overwrote the cache")
		}
	})

	t.Run("rejected envelope serves the cache unchanged", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, FriendsResult{Success: false, Message: "no such user"})
		}))
		session := newTestSession(t, &User{ID: "u1"})
		session.Store().Put(keyFriends, []Contact{{ID: "u9", Name: "dora"}})
		roster := NewRoster(client, session, nil)

		contacts, err := roster.LoadFriends(ctx, "u1")
		if err != nil {
			t.Fatalf("rejected envelope must degrade, not error: %v", err)
		}
		if len(contacts) != 1 || contacts[0].Name != "dora" {
			t.Fatalf("cache not served: %+v", contacts)
		}
	})

	t.Run("empty server list is authoritative on success", func(t *testing.T) {
		client := newTestClient(t, friendsHandler(t, nil))
		session := newTestSession(t, &User{ID: "u1"})
		session.Store().Put(keyFriends, []Contact{{ID: "u9", Name: "dora"}})
		roster := NewRoster(client, session, nil)

		contacts, err := roster.LoadFriends(ctx, "u1")
		if err != nil {
			t.Fatalf("LoadFriends: %v", err)
		}
		if len(contacts) != 0 {
			t.Fatalf("successful empty list must win: %+v", contacts)
		}
		if after := roster.Cached(); len(after) != 0 {
			t.Fatal("cache not replaced by the authoritative empty list")
		}
	})

	t.Run("stale identity response is not persisted", func(t *testing.T) {
		client := newTestClient(t, friendsHandler(t, []FriendRecord{{ID: "u2", Username: "bob"}}))
		session := newTestSession(t, &User{ID: "other", Username: "eve"})
		roster := NewRoster(client, session, nil)

		contacts, err := roster.LoadFriends(ctx, "u1")
		if err != nil {
			t.Fatalf("LoadFriends: %v", err)
		}
		if len(contacts) != 1 {
			t.Fatalf("mapped result still returned: %+v", contacts)
		}
		if cached := roster.Cached(); len(cached) != 0 {
			t.Fatal("stale response must not repopulate the store")
		}
	})
}

// ============================================================================
// LoadGroups
// ============================================================================

func TestRosterLoadGroups(t *testing.T) {
	ctx := context.Background()

	t.Run("groups join the roster with the group status", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/get-groups":
				writeJSON(t, w, GroupsResult{Success: true, Groups: []GroupRecord{
					{ID: "g1", Name: "go-devs"},
				}})
			default:
				http.NotFound(w, r)
			}
		}))
		session := newTestSession(t, &User{ID: "u1"})
		session.Store().Put(keyFriends, []Contact{{ID: "u2", Name: "bob", Status: StatusOnline}})
		roster := NewRoster(client, session, nil)

		contacts, err := roster.LoadGroups(ctx, "u1")
		if err != nil {
			t.Fatalf("LoadGroups: %v", err)
		}
		if len(contacts) != 2 {
			t.Fatalf("expected friend plus group, got %+v", contacts)
		}
		if contacts[1].ID != "g1" || contacts[1].Status != StatusGroup {
			t.Fatalf("unexpected group entry: %+v", contacts[1])
		}
	})

	t.Run("missing group endpoint leaves the roster alone", func(t *testing.T) {
		client := newTestClient(t, http.NotFoundHandler())
		session := newTestSession(t, &User{ID: "u1"})
		session.Store().Put(keyFriends, []Contact{{ID: "u2", Name: "bob"}})
		roster := NewRoster(client, session, nil)

		contacts, err := roster.LoadGroups(ctx, "u1")
		if err != nil {
			t.Fatalf("optional endpoint must degrade quietly: %v", err)
		}
		if len(contacts) != 1 || contacts[0].ID != "u2" {
			t.Fatalf("roster disturbed: %+v", contacts)
		}
	})
}

// ============================================================================
// MergeLocalPlaceholder
// ============================================================================

func TestMergeLocalPlaceholder(t *testing.T) {
	session := newTestSession(t, &User{ID: "u1"})
	roster := NewRoster(nil, session, nil)

	pending := Contact{ID: "pending:bob", Name: "bob", Status: StatusPending}

	contacts, err := roster.MergeLocalPlaceholder(pending)
	if err != nil {
		t.Fatalf("MergeLocalPlaceholder: %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(contacts))
	}

	// Second merge with the same id is a no-op.
	contacts, err = roster.MergeLocalPlaceholder(pending)
	if err != nil {
		t.Fatalf("MergeLocalPlaceholder: %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("merge must be idempotent, got %d contacts", len(contacts))
	}

	// A different id appends.
	if contacts, _ = roster.MergeLocalPlaceholder(Contact{ID: "u3", Name: "carol"}); len(contacts) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(contacts))
	}
}
