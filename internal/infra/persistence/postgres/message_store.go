package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/gestion360/internal/domain/message"
	"github.com/coachpo/gestion360/internal/domain/schema"
)

// MessageStore persists the WhatsApp message history in PostgreSQL.
type MessageStore struct {
	pool *pgxpool.Pool
}

var _ message.Store = (*MessageStore)(nil)

// NewMessageStore constructs a MessageStore backed by the provided pgx pool.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

const messageColumns = `id, message_id, wa_id, contact_name, phone_number_id, direction, message_type,
    content, status, conversation_id, flow_trigger, raw_payload, received_at, created_at, updated_at`

const (
	messageInsertSQL = `
INSERT INTO whatsapp_messages (id, message_id, wa_id, contact_name, phone_number_id, direction,
    message_type, content, status, conversation_id, flow_trigger, raw_payload, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (message_id) DO NOTHING
RETURNING ` + messageColumns + `;
`
	messageByIDSQL = `
SELECT ` + messageColumns + `
FROM whatsapp_messages
WHERE message_id = $1;
`
	messageStatusSQL = `
UPDATE whatsapp_messages
SET status = $2, updated_at = NOW()
WHERE message_id = $1
RETURNING ` + messageColumns + `;
`
	messageByContactSQL = `
SELECT ` + messageColumns + `
FROM whatsapp_messages
WHERE wa_id = $1
ORDER BY received_at DESC, message_id DESC
LIMIT $2 OFFSET $3;
`
	messageByConversationSQL = `
SELECT ` + messageColumns + `
FROM whatsapp_messages
WHERE conversation_id = $1
ORDER BY received_at ASC, message_id ASC
LIMIT $2 OFFSET $3;
`
	messageSearchSQL = `
SELECT ` + messageColumns + `
FROM whatsapp_messages
WHERE (content ILIKE $1 ESCAPE '\' OR contact_name ILIKE $1 ESCAPE '\')
  AND ($2 = '' OR message_type = $2)
ORDER BY received_at DESC, message_id DESC
LIMIT $3;
`
	messageRecentSQL = `
SELECT ` + messageColumns + `
FROM whatsapp_messages
ORDER BY received_at DESC, message_id DESC
LIMIT $1;
`
	messageDeleteBeforeSQL = `
DELETE FROM whatsapp_messages
WHERE received_at < $1;
`
	messageCountSQL = `SELECT COUNT(*) FROM whatsapp_messages;`
	// The grouping column is interpolated from a fixed allow-list, never from input.
	messageGroupSQL = `
SELECT %s, COUNT(*)
FROM whatsapp_messages
GROUP BY 1
ORDER BY 1;
`
	messageByDaySQL = `
SELECT to_char(received_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
FROM whatsapp_messages
WHERE received_at >= $1
GROUP BY day
ORDER BY day DESC;
`
)

// Save inserts msg unless its message id is already stored.
func (s *MessageStore) Save(ctx context.Context, msg message.Message) (message.Message, bool, error) {
	if s.pool == nil {
		return message.Message{}, false, fmt.Errorf("message store: nil pool")
	}
	status := msg.Status
	if status == "" {
		status = message.StatusSent
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	var raw []byte
	if len(msg.RawPayload) > 0 {
		raw = []byte(msg.RawPayload)
	}
	row := s.pool.QueryRow(ctx, messageInsertSQL,
		uuid.New(), msg.MessageID, msg.WaID, msg.ContactName, msg.PhoneNumberID, string(msg.Direction),
		msg.MessageType, msg.Content, string(status), msg.ConversationID, msg.FlowTrigger, raw, receivedAt)
	stored, err := scanMessage(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return message.Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	existing, err := scanMessage(s.pool.QueryRow(ctx, messageByIDSQL, msg.MessageID))
	if err != nil {
		return message.Message{}, false, fmt.Errorf("select existing message: %w", err)
	}
	return existing, false, nil
}

// UpdateStatus sets the status of a stored message.
func (s *MessageStore) UpdateStatus(ctx context.Context, messageID string, status message.Status) (message.Message, error) {
	if s.pool == nil {
		return message.Message{}, fmt.Errorf("message store: nil pool")
	}
	msg, err := scanMessage(s.pool.QueryRow(ctx, messageStatusSQL, messageID, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return message.Message{}, message.NotFound(messageID)
		}
		return message.Message{}, fmt.Errorf("update message status: %w", err)
	}
	return msg, nil
}

// ByContact lists the contact's messages newest first.
func (s *MessageStore) ByContact(ctx context.Context, waID string, page message.Page) ([]message.Message, error) {
	return s.query(ctx, "contact history", messageByContactSQL, waID, page.Limit, page.Offset)
}

// ByConversation lists the conversation oldest first.
func (s *MessageStore) ByConversation(ctx context.Context, conversationID string, page message.Page) ([]message.Message, error) {
	return s.query(ctx, "conversation", messageByConversationSQL, conversationID, page.Limit, page.Offset)
}

// Search matches content and contact name ignoring case, newest first.
func (s *MessageStore) Search(ctx context.Context, query message.SearchQuery) ([]message.Message, error) {
	pattern := "%" + escapeLike(query.Term) + "%"
	return s.query(ctx, "search", messageSearchSQL, pattern, query.MessageType, query.Limit)
}

// Recent lists the newest messages.
func (s *MessageStore) Recent(ctx context.Context, limit int) ([]message.Message, error) {
	return s.query(ctx, "recent", messageRecentSQL, limit)
}

// Stats groups the history inside one read-only snapshot.
func (s *MessageStore) Stats(ctx context.Context, since time.Time) (message.Stats, error) {
	if s.pool == nil {
		return message.Stats{}, fmt.Errorf("message store: nil pool")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return message.Stats{}, fmt.Errorf("begin stats tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	var stats message.Stats
	if err := tx.QueryRow(ctx, messageCountSQL).Scan(&stats.Total); err != nil {
		return message.Stats{}, fmt.Errorf("count messages: %w", err)
	}
	if stats.ByDirection, err = groupCounts(ctx, tx, "direction"); err != nil {
		return message.Stats{}, err
	}
	if stats.ByType, err = groupCounts(ctx, tx, "message_type"); err != nil {
		return message.Stats{}, err
	}
	if stats.ByStatus, err = groupCounts(ctx, tx, "status"); err != nil {
		return message.Stats{}, err
	}
	rows, err := tx.Query(ctx, messageByDaySQL, since)
	if err != nil {
		return message.Stats{}, fmt.Errorf("group messages by day: %w", err)
	}
	stats.ByDay, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (message.DayBucket, error) {
		var bucket message.DayBucket
		err := row.Scan(&bucket.Day, &bucket.Count)
		return bucket, err
	})
	if err != nil {
		return message.Stats{}, fmt.Errorf("scan daily counts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return message.Stats{}, fmt.Errorf("commit stats tx: %w", err)
	}
	return stats, nil
}

// DeleteBefore removes messages received before cutoff.
func (s *MessageStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("message store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, messageDeleteBeforeSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *MessageStore) query(ctx context.Context, op, sql string, args ...any) ([]message.Message, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("message store: nil pool")
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", op, err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (message.Message, error) {
		return scanMessage(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", op, err)
	}
	return messages, nil
}

func groupCounts(ctx context.Context, tx pgx.Tx, column string) ([]message.Bucket, error) {
	switch column {
	case "direction", "message_type", "status":
	default:
		return nil, fmt.Errorf("group messages: unsupported column %q", column)
	}
	rows, err := tx.Query(ctx, fmt.Sprintf(messageGroupSQL, column))
	if err != nil {
		return nil, fmt.Errorf("group messages by %s: %w", column, err)
	}
	buckets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (message.Bucket, error) {
		var bucket message.Bucket
		err := row.Scan(&bucket.Key, &bucket.Count)
		return bucket, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s counts: %w", column, err)
	}
	return buckets, nil
}

func scanMessage(row pgx.Row) (message.Message, error) {
	var (
		msg       message.Message
		id        uuid.UUID
		direction string
		status    string
		raw       []byte
	)
	if err := row.Scan(&id, &msg.MessageID, &msg.WaID, &msg.ContactName, &msg.PhoneNumberID, &direction,
		&msg.MessageType, &msg.Content, &status, &msg.ConversationID, &msg.FlowTrigger, &raw,
		&msg.ReceivedAt, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return message.Message{}, err
	}
	msg.ID = id.String()
	msg.Direction = schema.Direction(direction)
	msg.Status = message.Status(status)
	if len(raw) > 0 {
		msg.RawPayload = raw
	}
	return msg, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(term string) string {
	return likeEscaper.Replace(term)
}
