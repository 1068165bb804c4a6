package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type MessageRepo struct {
	db *sqlx.DB
}

func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{
		db: db,
	}
}

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	Content        string         `db:"content"`
	CreatedAt      time.Time      `db:"created_at"`
	ReadBy         pq.StringArray `db:"read_by"`
}

// ListMessages returns the whole history of a conversation in send order,
// each message with the users who have read it.
func (mr *MessageRepo) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	query := `
		SELECT
			m.id,
			m.conversation_id,
			m.sender_id,
			m.content,
			m.created_at,
			COALESCE(
				array_agg(r.reader_id ORDER BY r.read_at) FILTER (WHERE r.reader_id IS NOT NULL),
				'{}'
			) AS read_by
		FROM messages m
		LEFT JOIN message_reads r ON r.message_id = m.id
		WHERE m.conversation_id = $1
		GROUP BY m.id
		ORDER BY m.created_at, m.id;
	`

	var rows []messageRow
	if err := mr.db.SelectContext(ctx, &rows, query, conversationID); err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}

	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		readBy := []string(r.ReadBy)
		if readBy == nil {
			readBy = []string{}
		}
		out = append(out, domain.Message{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			SenderID:       r.SenderID,
			Content:        r.Content,
			CreatedAt:      r.CreatedAt,
			ReadBy:         readBy,
		})
	}
	return out, nil
}

// NewMessage stores in with a new id and fills in ID and CreatedAt.
func (mr *MessageRepo) NewMessage(ctx context.Context, in *domain.Message) error {
	query := `
		INSERT INTO messages (
			id,
			conversation_id,
			sender_id,
			content,
			created_at
		)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at;
	`

	id := uuid.NewString()
	if err := mr.db.QueryRowContext(ctx, query, id, in.ConversationID, in.SenderID, in.Content).Scan(&in.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	in.ID = id
	return nil
}

// MarkRead records readerID as a reader of the given messages of the
// conversation. The reader's own messages and repeated reads are skipped.
// It returns how many reads were new.
func (mr *MessageRepo) MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) (int64, error) {
	query := `
		INSERT INTO message_reads (message_id, reader_id, read_at)
		SELECT id, $2, NOW()
		FROM messages
		WHERE conversation_id = $1
			AND id = ANY($3::uuid[])
			AND sender_id <> $2
		ON CONFLICT (message_id, reader_id) DO NOTHING;
	`

	res, err := mr.db.ExecContext(ctx, query, conversationID, readerID, pq.Array(messageIDs))
	if err != nil {
		return 0, fmt.Errorf("insert reads: %w", err)
	}
	return res.RowsAffected()
}
