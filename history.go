package moonchat

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// HistoryRetention is the per-conversation log bound; truncation drops
// the oldest entries first.
const HistoryRetention = 100

// History is the append-only, size-bounded, per-conversation message
// log. Conversation keys are directional (`sender_id-receiver_id`),
// so a two-party conversation lives in two logs depending on who sent.
// The keys are part of the persisted format, so callers that want the
// full exchange load both directions rather than the format changing
// underneath existing stores.
type History struct {
	store  Store
	logger *zap.Logger

	// serializes the read-modify-write cycle per store key
	mu sync.Mutex
}

func NewHistory(store Store, logger *zap.Logger) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{store: store, logger: logger}
}

func conversationKey(senderID, receiverID string) string {
	return keyHistoryPrefix + senderID + "-" + receiverID
}

// Append adds a message to its conversation log, truncates the log to
// the most recent HistoryRetention entries and persists it whole.
func (h *History) Append(msg ChatMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := conversationKey(msg.SenderID, msg.ReceiverID)
	var log []ChatMessage
	if _, err := h.store.Get(key, &log); err != nil {
		return err
	}
	// Server-identified messages may be redelivered (backfill raced by
	// a push, mark-read failure); appending them must stay idempotent.
	if msg.ID != "" {
		for _, existing := range log {
			if existing.ID == msg.ID {
				return nil
			}
		}
	}
	log = append(log, msg)
	if len(log) > HistoryRetention {
		log = log[len(log)-HistoryRetention:]
	}
	return h.store.Put(key, log)
}

// LoadHistory returns the log for messages the local user sent to the
// contact. Messages the contact sent live under the reverse key; use
// LoadConversation for the merged view.
func (h *History) LoadHistory(localUserID, contactID string) []ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load(conversationKey(localUserID, contactID))
}

// LoadConversation returns both directions of a two-party exchange,
// ordered by timestamp.
func (h *History) LoadConversation(localUserID, contactID string) []ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := h.load(conversationKey(localUserID, contactID))
	received := h.load(conversationKey(contactID, localUserID))

	merged := make([]ChatMessage, 0, len(sent)+len(received))
	i, j := 0, 0
	for i < len(sent) && j < len(received) {
		if sent[i].Timestamp <= received[j].Timestamp {
			merged = append(merged, sent[i])
			i++
		} else {
			merged = append(merged, received[j])
			j++
		}
	}
	merged = append(merged, sent[i:]...)
	merged = append(merged, received[j:]...)
	return merged
}

func (h *History) load(key string) []ChatMessage {
	var log []ChatMessage
	if _, err := h.store.Get(key, &log); err != nil {
		h.logger.Warn("failed to read history", zap.String("key", key), zap.Error(err))
		return nil
	}
	return log
}

// IngestOfflineBackfill appends server-delivered undelivered messages
// to history and then issues one batched mark-read call covering every
// ingested id. The single batch is a correctness requirement: no
// message is marked read before it is durably cached, and N messages
// never cost N round trips. Returns the number of messages ingested.
func (h *History) IngestOfflineBackfill(ctx context.Context, messages []ChatMessage, markRead func(context.Context, []string) error) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		if err := h.Append(msg); err != nil {
			return len(ids), err
		}
		if msg.ID != "" {
			ids = append(ids, msg.ID)
		}
	}

	if len(ids) > 0 && markRead != nil {
		if err := markRead(ctx, ids); err != nil {
			// Already cached locally; redelivery on the next backfill
			// is de-duplicated by message id in Append.
			h.logger.Warn("batched mark-read failed", zap.Error(err))
		}
	}
	return len(messages), nil
}
