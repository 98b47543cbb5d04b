package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resideease/chat/internal/logger"
	"github.com/resideease/chat/internal/model"
)

// MessageRepository persists chat messages. Server ids are BIGSERIAL values
// carried on the wire as decimal strings; room order is id order.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Insert stores the message and returns it with the assigned server id and
// the database creation timestamp filled in.
func (r *MessageRepository) Insert(ctx context.Context, m model.Message) (model.Message, error) {
	defer logger.DeferLogDuration("msg.Insert", time.Now())()
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (room_id, sender_id, sender_name, body, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		m.RoomID, m.SenderID, m.SenderName, m.Body, m.Status,
	).Scan(&id, &m.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("msgRepo.Insert: %w", err)
	}
	m.ServerID = strconv.FormatInt(id, 10)
	return m, nil
}

// ListByRoom returns the room's messages in server order, oldest first.
func (r *MessageRepository) ListByRoom(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByRoom", time.Now())()
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, room_id, sender_id, sender_name, body, status, read_by, created_at
		 FROM messages
		 WHERE room_id = $1
		 ORDER BY id ASC
		 LIMIT $2`, roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom query: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows, limit)
}

// ListRecent returns the newest messages across all rooms, oldest first.
func (r *MessageRepository) ListRecent(ctx context.Context, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListRecent", time.Now())()
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, room_id, sender_id, sender_name, body, status, read_by, created_at
		 FROM (
		   SELECT id, room_id, sender_id, sender_name, body, status, read_by, created_at
		   FROM messages
		   ORDER BY id DESC
		   LIMIT $1
		 ) recent
		 ORDER BY id ASC`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListRecent query: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows, limit)
}

// MarkDelivered advances a freshly relayed message from sent to delivered.
func (r *MessageRepository) MarkDelivered(ctx context.Context, serverID string) error {
	defer logger.DeferLogDuration("msg.MarkDelivered", time.Now())()
	id, err := parseServerID(serverID)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE messages SET status = $1 WHERE id = $2 AND status = $3`,
		model.MessageStatusDelivered, id, model.MessageStatusSent,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkDelivered: %w", err)
	}
	return nil
}

// MarkRead records the reader and advances the status, returning the room the
// message belongs to so the caller can fan the receipt out. Re-reads by the
// same participant and reads by the sender are no-ops on read_by.
func (r *MessageRepository) MarkRead(ctx context.Context, serverID, readerID string) (string, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	id, err := parseServerID(serverID)
	if err != nil {
		return "", err
	}
	var roomID string
	err = r.pool.QueryRow(ctx,
		`UPDATE messages
		 SET status = CASE WHEN $2 = sender_id THEN status ELSE $1 END,
		     read_by = CASE
		       WHEN $2 = ANY(read_by) OR $2 = sender_id THEN read_by
		       ELSE array_append(read_by, $2)
		     END
		 WHERE id = $3
		 RETURNING room_id`,
		model.MessageStatusRead, readerID, id,
	).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return roomID, nil
}

func parseServerID(serverID string) (int64, error) {
	id, err := strconv.ParseInt(serverID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("msgRepo: bad server id %q: %w", serverID, ErrNotFound)
	}
	return id, nil
}

func scanMessages(rows pgx.Rows, capHint int) ([]model.Message, error) {
	messages := make([]model.Message, 0, capHint)
	for rows.Next() {
		var m model.Message
		var id int64
		if err := rows.Scan(&id, &m.RoomID, &m.SenderID, &m.SenderName, &m.Body, &m.Status, &m.ReadBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo scan: %w", err)
		}
		m.ServerID = strconv.FormatInt(id, 10)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo rows: %w", err)
	}
	return messages, nil
}
