package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/gestion360/internal/domain/message"
)

// MessageStore keeps the message history in a slice ordered by arrival.
type MessageStore struct {
	mu       sync.RWMutex
	messages []message.Message
	byID     map[string]int
	now      func() time.Time
}

var _ message.Store = (*MessageStore)(nil)

// NewMessageStore constructs an empty in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID: make(map[string]int),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Save inserts msg unless its message id is already stored.
func (s *MessageStore) Save(ctx context.Context, msg message.Message) (message.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byID[msg.MessageID]; ok {
		return s.messages[idx], false, nil
	}
	now := s.now()
	msg.ID = uuid.NewString()
	if msg.Status == "" {
		msg.Status = message.StatusSent
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	s.byID[msg.MessageID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return msg, true, nil
}

// UpdateStatus sets the status of a stored message.
func (s *MessageStore) UpdateStatus(ctx context.Context, messageID string, status message.Status) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[messageID]
	if !ok {
		return message.Message{}, message.NotFound(messageID)
	}
	s.messages[idx].Status = status
	s.messages[idx].UpdatedAt = s.now()
	return s.messages[idx], nil
}

// ByContact lists the contact's messages newest first.
func (s *MessageStore) ByContact(ctx context.Context, waID string, page message.Page) ([]message.Message, error) {
	return s.list(ctx, func(m message.Message) bool { return m.WaID == waID }, true, page)
}

// ByConversation lists the conversation oldest first.
func (s *MessageStore) ByConversation(ctx context.Context, conversationID string, page message.Page) ([]message.Message, error) {
	return s.list(ctx, func(m message.Message) bool { return m.ConversationID == conversationID }, false, page)
}

// Search matches content and contact name ignoring case, newest first.
func (s *MessageStore) Search(ctx context.Context, query message.SearchQuery) ([]message.Message, error) {
	return s.list(ctx, func(m message.Message) bool {
		if query.MessageType != "" && m.MessageType != query.MessageType {
			return false
		}
		return message.ContainsFold(m.Content, query.Term) || message.ContainsFold(m.ContactName, query.Term)
	}, true, message.Page{Limit: query.Limit})
}

// Recent lists the newest messages.
func (s *MessageStore) Recent(ctx context.Context, limit int) ([]message.Message, error) {
	return s.list(ctx, func(message.Message) bool { return true }, true, message.Page{Limit: limit})
}

// Stats groups every stored message.
func (s *MessageStore) Stats(ctx context.Context, since time.Time) (message.Stats, error) {
	if err := ctx.Err(); err != nil {
		return message.Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		direction = map[string]int64{}
		kind      = map[string]int64{}
		status    = map[string]int64{}
		day       = map[string]int64{}
	)
	for _, m := range s.messages {
		direction[string(m.Direction)]++
		kind[m.MessageType]++
		status[string(m.Status)]++
		if !m.ReceivedAt.Before(since) {
			day[message.DayKey(m.ReceivedAt)]++
		}
	}
	stats := message.Stats{
		Total:       int64(len(s.messages)),
		ByDirection: buckets(direction),
		ByType:      buckets(kind),
		ByStatus:    buckets(status),
		ByDay:       make([]message.DayBucket, 0, len(day)),
	}
	for key, count := range day {
		stats.ByDay = append(stats.ByDay, message.DayBucket{Day: key, Count: count})
	}
	// Newest day first.
	sort.Slice(stats.ByDay, func(i, j int) bool { return stats.ByDay[i].Day > stats.ByDay[j].Day })
	return stats, nil
}

// DeleteBefore removes messages received before cutoff.
func (s *MessageStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	var removed int64
	for _, m := range s.messages {
		if m.ReceivedAt.Before(cutoff) {
			delete(s.byID, m.MessageID)
			removed++
			continue
		}
		kept = append(kept, m)
	}
	clear(s.messages[len(kept):])
	s.messages = kept
	for idx, m := range s.messages {
		s.byID[m.MessageID] = idx
	}
	return removed, nil
}

func (s *MessageStore) list(ctx context.Context, match func(message.Message) bool, newestFirst bool, page message.Page) ([]message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := make([]message.Message, 0)
	for _, m := range s.messages {
		if match(m) {
			matched = append(matched, m)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			if newestFirst {
				return a.ReceivedAt.After(b.ReceivedAt)
			}
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		if newestFirst {
			return a.MessageID > b.MessageID
		}
		return a.MessageID < b.MessageID
	})
	if page.Offset >= len(matched) {
		return []message.Message{}, nil
	}
	matched = matched[page.Offset:]
	if page.Limit > 0 && len(matched) > page.Limit {
		matched = matched[:page.Limit]
	}
	return matched, nil
}

func buckets(counts map[string]int64) []message.Bucket {
	out := make([]message.Bucket, 0, len(counts))
	for key, count := range counts {
		out = append(out, message.Bucket{Key: key, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
