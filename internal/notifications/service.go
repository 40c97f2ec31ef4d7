package notifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

type Notification struct {
	ID            string     `json:"notificationId"`
	UserID        string     `json:"userId"`
	EventType     string     `json:"eventType"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	ReferenceType *string    `json:"referenceType,omitempty"`
	ReferenceID   *string    `json:"referenceId,omitempty"`
	ReadAt        *time.Time `json:"readAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type ListInput struct {
	UserID     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

type ListOutput struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}

type execStore interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Create inserts a notification row. Pass the writing transaction as store
// so the notification commits atomically with the event it describes; a nil
// store falls back to the pool.
func (s *Service) Create(ctx context.Context, store execStore, userID, eventType, title, body, refType, refID string) error {
	if store == nil {
		store = s.db
	}
	_, err := store.ExecContext(ctx, `
		INSERT INTO notifications (user_id, event_type, title, body, reference_type, reference_id)
		VALUES ($1::uuid, $2, $3, $4, NULLIF($5, ''), NULLIF($6, '')::uuid)
	`, userID, eventType, title, body, refType, refID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// NotifyExperimentOwner resolves the experiment's owner within the same
// store and notifies them, skipping silently when the actor is the owner
// notifying themselves about their own action.
func (s *Service) NotifyExperimentOwner(ctx context.Context, store execStore, experimentID, actorUserID, eventType, title, body string) error {
	if store == nil {
		store = s.db
	}
	var ownerID string
	err := store.QueryRowContext(ctx, `SELECT owner_user_id::text FROM experiments WHERE id = $1`, experimentID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("query experiment owner: %w", err)
	}
	if ownerID == actorUserID {
		return nil
	}
	return s.Create(ctx, store, ownerID, eventType, title, body, "experiment", experimentID)
}

func (s *Service) List(ctx context.Context, in ListInput) (ListOutput, error) {
	if in.Limit <= 0 || in.Limit > 200 {
		in.Limit = 50
	}
	if in.Offset < 0 {
		in.Offset = 0
	}

	query := `
		SELECT id::text, user_id::text, event_type, title, body, reference_type,
		       reference_id::text, read_at, created_at
		FROM notifications
		WHERE user_id = $1::uuid
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	if in.UnreadOnly {
		query = `
		SELECT id::text, user_id::text, event_type, title, body, reference_type,
		       reference_id::text, read_at, created_at
		FROM notifications
		WHERE user_id = $1::uuid AND read_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	}

	rows, err := s.db.QueryContext(ctx, query, in.UserID, in.Limit, in.Offset)
	if err != nil {
		return ListOutput{}, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifs := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.EventType, &n.Title, &n.Body, &n.ReferenceType, &n.ReferenceID, &n.ReadAt, &n.CreatedAt); err != nil {
			return ListOutput{}, fmt.Errorf("scan notification: %w", err)
		}
		notifs = append(notifs, n)
	}
	if err := rows.Err(); err != nil {
		return ListOutput{}, fmt.Errorf("iterate notifications: %w", err)
	}

	var unreadCount int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id = $1::uuid AND read_at IS NULL
	`, in.UserID).Scan(&unreadCount)
	if err != nil {
		return ListOutput{}, fmt.Errorf("count unread: %w", err)
	}

	return ListOutput{Notifications: notifs, UnreadCount: unreadCount}, nil
}

func (s *Service) MarkRead(ctx context.Context, notificationID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = NOW()
		WHERE id = $1 AND user_id = $2 AND read_at IS NULL
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark read result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = NOW()
		WHERE user_id = $1 AND read_at IS NULL
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return result.RowsAffected()
}

// PurgeOlderThan removes read notifications past the retention window.
func (s *Service) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE read_at IS NOT NULL AND created_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	return result.RowsAffected()
}
