package store

import (
	"context"

	"chatgate/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Postgres implements MessageStore and Membership over the relational
// source of truth.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pgx pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pgx ping")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Append(ctx context.Context, msg *model.Message) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO messages
			(message_id, conversation_id, sequence_number, sender_id, content, message_type, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.MessageID, msg.ConversationID, msg.SequenceNumber,
		msg.SenderID, msg.Content, msg.MessageType, msg.IsRead, msg.CreatedAt,
	)
	return errors.Wrap(err, "append message")
}

func (p *Postgres) Recent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT m.message_id, m.conversation_id, m.sequence_number, m.sender_id,
		       COALESCE(u.full_name, ''), m.content, m.message_type, m.is_read, m.created_at
		FROM messages m
		LEFT JOIN users u ON u.user_id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.sequence_number DESC
		LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "recent messages")
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Oldest first for the wire.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (p *Postgres) After(ctx context.Context, conversationID string, afterSeq int64) ([]model.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT m.message_id, m.conversation_id, m.sequence_number, m.sender_id,
		       COALESCE(u.full_name, ''), m.content, m.message_type, m.is_read, m.created_at
		FROM messages m
		LEFT JOIN users u ON u.user_id = m.sender_id
		WHERE m.conversation_id = $1 AND m.sequence_number > $2
		ORDER BY m.sequence_number ASC`,
		conversationID, afterSeq,
	)
	if err != nil {
		return nil, errors.Wrap(err, "messages after")
	}
	return scanMessages(rows)
}

func (p *Postgres) MarkRead(ctx context.Context, conversationID, messageID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE conversation_id = $1 AND message_id = $2`,
		conversationID, messageID,
	)
	return errors.Wrap(err, "mark read")
}

func (p *Postgres) Summaries(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT c.conversation_id, COALESCE(c.title, ''),
		       COALESCE(lm.content, ''), COALESCE(lm.sender_id, ''),
		       COALESCE(lm.sequence_number, 0),
		       (SELECT COUNT(*) FROM messages um
		         WHERE um.conversation_id = c.conversation_id
		           AND um.is_read = FALSE AND um.sender_id <> $1),
		       c.updated_at
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.conversation_id
		LEFT JOIN LATERAL (
			SELECT content, sender_id, sequence_number
			FROM messages
			WHERE conversation_id = c.conversation_id
			ORDER BY sequence_number DESC
			LIMIT 1
		) lm ON TRUE
		WHERE cp.user_id = $1
		ORDER BY c.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "summaries")
	}
	defer rows.Close()

	var out []model.ConversationSummary
	for rows.Next() {
		var s model.ConversationSummary
		if err := rows.Scan(&s.ConversationID, &s.Title, &s.LastMessage,
			&s.LastSenderID, &s.LastSequence, &s.UnreadCount, &s.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan summary")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "summaries rows")
}

func (p *Postgres) ConversationExists(ctx context.Context, conversationID string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx,
		`SELECT 1 FROM conversations WHERE conversation_id = $1`,
		conversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, errors.Wrap(err, "conversation exists")
}

func (p *Postgres) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, `
		SELECT 1 FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, errors.Wrap(err, "is participant")
}

func (p *Postgres) Participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = $1`,
		conversationID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "participants")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan participant")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "participants rows")
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.SequenceNumber,
			&m.SenderID, &m.SenderName, &m.Content, &m.MessageType, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "message rows")
}
