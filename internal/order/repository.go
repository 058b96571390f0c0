package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"marketchat/internal/chat"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateWithConversation stores the order and its conversation in one
// transaction. Neither exists without the other.
func (r *Repository) CreateWithConversation(ctx context.Context, o *Order, conversationID string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	orderInsert := `
		INSERT INTO orders (id, customer_id, shop_id, summary, total, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err = tx.ExecContext(ctx, orderInsert, o.ID, o.CustomerID, o.ShopID, o.Summary, o.Total, o.Status, o.CreatedAt); err != nil {
		return err
	}

	convInsert := `
		INSERT INTO conversations (id, order_id, customer_id, shop_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err = tx.ExecContext(ctx, convInsert, conversationID, o.ID, o.CustomerID, o.ShopID, o.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) GetOrder(ctx context.Context, id string) (*Order, error) {
	query := `
		SELECT o.id, o.customer_id, o.shop_id, COALESCE(u.shop_name, u.username), o.summary, o.total, o.status, o.created_at
		FROM orders o
		JOIN users u ON u.id = o.shop_id
		WHERE o.id = $1
	`
	o := &Order{}
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&o.ID, &o.CustomerID, &o.ShopID, &o.ShopName, &o.Summary, &o.Total, &o.Status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return o, nil
}

func (r *Repository) GetConversation(ctx context.Context, id string) (*ConversationRef, error) {
	query := "SELECT id, order_id, customer_id, shop_id FROM conversations WHERE id = $1"
	c := &ConversationRef{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.OrderID, &c.CustomerID, &c.ShopID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *Repository) GetConversationByOrder(ctx context.Context, orderID string) (*ConversationRef, error) {
	query := "SELECT id, order_id, customer_id, shop_id FROM conversations WHERE order_id = $1"
	c := &ConversationRef{}
	err := r.db.QueryRowContext(ctx, query, orderID).Scan(&c.ID, &c.OrderID, &c.CustomerID, &c.ShopID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListConversations returns the summaries of every conversation userID takes
// part in. Unread counts the messages the other side sent that userID has not
// read.
func (r *Repository) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	query := `
		SELECT c.id, c.order_id,
			s.id, COALESCE(s.shop_name, s.username),
			cu.id, cu.username,
			COALESCE(lm.content, ''),
			COALESCE(lm.created_at, c.created_at),
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND m.read_at IS NULL)
		FROM conversations c
		JOIN users s ON s.id = c.shop_id
		JOIN users cu ON cu.id = c.customer_id
		LEFT JOIN LATERAL (
			SELECT content, created_at FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC
			LIMIT 1
		) lm ON true
		WHERE c.customer_id = $1 OR c.shop_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		var c chat.Conversation
		if err := rows.Scan(&c.ID, &c.OrderID, &c.Shop.ID, &c.Shop.Name, &c.Customer.ID, &c.Customer.Name,
			&c.LatestMessage, &c.LastActivity, &c.Unread); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) InsertMessage(ctx context.Context, m *chat.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt)
	return err
}

// ListMessages returns the latest limit messages of a conversation, oldest
// first.
func (r *Repository) ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, created_at, read_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var m chat.Message
		var readAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkRead stamps read_at on the unread messages the reader did not send, up
// to and including upTo. Already read messages keep their time.
func (r *Repository) MarkRead(ctx context.Context, conversationID, readerID string, upTo, at time.Time) (int64, error) {
	query := `
		UPDATE messages SET read_at = $4
		WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL AND created_at <= $3
	`
	res, err := r.db.ExecContext(ctx, query, conversationID, readerID, upTo, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
