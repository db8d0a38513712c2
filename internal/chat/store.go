package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Store is durable CRUD over conversations and messages. SQLStore is the
// production implementation; MemoryStore backs tests and local dev.
type Store interface {
	// FindOrCreateConversation returns the conversation for the unordered
	// pair, creating it on first request. The bool reports creation.
	FindOrCreateConversation(ctx context.Context, participantA, participantB int) (*Conversation, bool, error)

	// GetConversation returns a conversation by id.
	GetConversation(ctx context.Context, id int) (*Conversation, error)

	// ListConversations returns the identity's threads enriched with the
	// latest message and unread count, most recent activity first.
	ListConversations(ctx context.Context, userID int) ([]ConversationSummary, error)

	// AppendMessage validates and persists a message, bumping the
	// conversation's activity timestamps. Appends to the same
	// conversation are serialized so createdAt order matches commit order.
	AppendMessage(ctx context.Context, conversationID, senderID int, content string) (*Message, error)

	// ListMessages returns the conversation's messages oldest first.
	ListMessages(ctx context.Context, conversationID, viewerID int) ([]Message, error)

	// MarkConversationRead flags every message not sent by readerID as
	// read. Idempotent; returns the number of rows changed.
	MarkConversationRead(ctx context.Context, conversationID, readerID int) (int64, error)

	// UnreadCount returns the identity's total unread messages across all
	// conversations. This is the source of truth the cache reconciles with.
	UnreadCount(ctx context.Context, userID int) (int, error)
}

// SQLStore implements Store on Postgres.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// orderPair normalizes a participant pair to (low, high).
func orderPair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

func (s *SQLStore) FindOrCreateConversation(ctx context.Context, participantA, participantB int) (*Conversation, bool, error) {
	if participantA == participantB || participantA == 0 || participantB == 0 {
		return nil, false, ErrInvalidParticipants
	}
	low, high := orderPair(participantA, participantB)

	// ON CONFLICT DO NOTHING returns no row when the pair already exists,
	// so fall through to a plain select in that case.
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (participant_low, participant_high)
		VALUES ($1, $2)
		ON CONFLICT (participant_low, participant_high) DO NOTHING
		RETURNING id, participant_low, participant_high,
		          COALESCE(last_message_at, created_at), created_at, updated_at
	`, low, high).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err == nil {
		return &c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT id, participant_low, participant_high,
		       COALESCE(last_message_at, created_at), created_at, updated_at
		FROM conversations
		WHERE participant_low = $1 AND participant_high = $2
	`, low, high).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("find conversation: %w", err)
	}
	return &c, false, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id int) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, participant_low, participant_high,
		       COALESCE(last_message_at, created_at), created_at, updated_at
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID int) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.participant_low, c.participant_high,
		       COALESCE(c.last_message_at, c.created_at), c.created_at, c.updated_at,
		       p.username,
		       lm.id, lm.sender_id, lm.username, lm.content, lm.is_read, lm.created_at,
		       (SELECT COUNT(*) FROM messages m
		         WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND NOT m.is_read)
		FROM conversations c
		JOIN users p ON p.id = CASE WHEN c.participant_low = $1 THEN c.participant_high ELSE c.participant_low END
		LEFT JOIN LATERAL (
			SELECT m.id, m.sender_id, u.username, m.content, m.is_read, m.created_at
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		) lm ON TRUE
		WHERE $1 IN (c.participant_low, c.participant_high)
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			sum       ConversationSummary
			lmID      sql.NullInt64
			lmSender  sql.NullInt64
			lmUser    sql.NullString
			lmContent sql.NullString
			lmRead    sql.NullBool
			lmCreated sql.NullTime
		)
		if err := rows.Scan(
			&sum.ID, &sum.ParticipantA, &sum.ParticipantB,
			&sum.LastMessageAt, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.Partner,
			&lmID, &lmSender, &lmUser, &lmContent, &lmRead, &lmCreated,
			&sum.UnreadCount,
		); err != nil {
			return nil, err
		}
		if lmID.Valid {
			sum.LastMessage = &Message{
				ID:             int(lmID.Int64),
				ConversationID: sum.ID,
				SenderID:       int(lmSender.Int64),
				Sender:         lmUser.String,
				Content:        lmContent.String,
				IsRead:         lmRead.Bool,
				CreatedAt:      lmCreated.Time,
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Ordering is derived, not stored: most recent activity first.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].sortKey().After(out[j].sortKey())
	})
	return out, nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, conversationID, senderID int, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Row lock serializes appends per conversation so createdAt order
	// matches commit order even under concurrent senders.
	var (
		low, high int
		lastAt    sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT participant_low, participant_high, last_message_at
		FROM conversations WHERE id = $1 FOR UPDATE
	`, conversationID).Scan(&low, &high, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if senderID != low && senderID != high {
		return nil, ErrNotAParticipant
	}

	ts := time.Now().UTC()
	if lastAt.Valid && !ts.After(lastAt.Time) {
		ts = lastAt.Time.Add(time.Microsecond)
	}

	msg := &Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		IsRead:         false,
		CreatedAt:      ts,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, is_read, created_at)
		VALUES ($1, $2, $3, FALSE, $4)
		RETURNING id, (SELECT username FROM users WHERE id = $2)
	`, conversationID, senderID, content, ts).Scan(&msg.ID, &msg.Sender)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = $2, updated_at = $2 WHERE id = $1
	`, conversationID, ts); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID, viewerID int) ([]Message, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, ErrNotAParticipant
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.is_read, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Sender, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLStore) MarkConversationRead(ctx context.Context, conversationID, readerID int) (int64, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(readerID) {
		return 0, ErrNotAParticipant
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read
	`, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) UnreadCount(ctx context.Context, userID int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE $1 IN (c.participant_low, c.participant_high)
		  AND m.sender_id <> $1
		  AND NOT m.is_read
	`, userID).Scan(&count)
	return count, err
}
