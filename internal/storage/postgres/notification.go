package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/cloudforge-commerce/internal/domain/notification"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
)

const (
	notificationColumns = `id, user_id, type, channel, recipient, subject, content, status,
	retry_count, error_message, reference_id, reference_type, dedup_key, sent_at,
	created_at, updated_at`

	insertNotificationSQL = `INSERT INTO notifications (` + notificationColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15, $16)`

	updateNotificationSQL = `UPDATE notifications SET status = $2, retry_count = $3,
	error_message = $4, sent_at = $5, updated_at = $6
	WHERE id = $1`

	getNotificationSQL = `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	listNotificationsByUserSQL = `SELECT ` + notificationColumns + ` FROM notifications
	WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	countNotificationsByUserSQL = `SELECT count(*) FROM notifications WHERE user_id = $1`

	listNotificationsByTypeSQL = `SELECT ` + notificationColumns + ` FROM notifications
	WHERE type = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	countNotificationsByTypeSQL = `SELECT count(*) FROM notifications WHERE type = $1`

	listRetryableSQL = `SELECT ` + notificationColumns + ` FROM notifications
	WHERE (status = 'RETRYING' AND retry_count < $1)
	   OR (status = 'SENDING' AND updated_at < $2)
	ORDER BY created_at LIMIT $3`
)

var _ notification.Repository = (*NotificationRepository)(nil)

// NotificationRepository implements notification.Repository backed by
// PostgreSQL. dedup_key is unique when not null.
type NotificationRepository struct {
	pool *pgxpool.Pool
}

// NewNotificationRepository returns a NotificationRepository that uses the
// given pool.
func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) Create(ctx context.Context, n *notification.Notification) error {
	_, err := r.pool.Exec(ctx, insertNotificationSQL,
		n.ID, n.UserID, string(n.Type), string(n.Channel), n.Recipient, n.Subject, n.Content,
		string(n.Status), n.RetryCount, n.ErrorMessage, n.ReferenceID, n.ReferenceType,
		n.DedupKey, n.SentAt, n.CreatedAt, n.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return notification.ErrDuplicate
	default:
		return dbError(err, "create notification "+n.ID)
	}
}

func (r *NotificationRepository) Update(ctx context.Context, n *notification.Notification) error {
	tag, err := r.pool.Exec(ctx, updateNotificationSQL,
		n.ID, string(n.Status), n.RetryCount, n.ErrorMessage, n.SentAt, n.UpdatedAt,
	)
	if err != nil {
		return dbError(err, "update notification "+n.ID)
	}
	if tag.RowsAffected() == 0 {
		return notification.ErrNotFound
	}
	return nil
}

func (r *NotificationRepository) Get(ctx context.Context, id string) (*notification.Notification, error) {
	rows, err := r.pool.Query(ctx, getNotificationSQL, id)
	if err != nil {
		return nil, dbError(err, "get notification")
	}
	n, err := pgx.CollectExactlyOneRow(rows, scanNotification)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notification.ErrNotFound
		}
		return nil, dbError(err, "get notification")
	}
	return &n, nil
}

func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, req page.Request) (page.Result[notification.Notification], error) {
	return r.list(ctx, req, listNotificationsByUserSQL, countNotificationsByUserSQL, userID)
}

func (r *NotificationRepository) ListByType(ctx context.Context, t notification.Type, req page.Request) (page.Result[notification.Notification], error) {
	return r.list(ctx, req, listNotificationsByTypeSQL, countNotificationsByTypeSQL, string(t))
}

func (r *NotificationRepository) ListRetryable(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]notification.Notification, error) {
	rows, err := r.pool.Query(ctx, listRetryableSQL, maxRetries, staleBefore, limit)
	if err != nil {
		return nil, dbError(err, "list retryable notifications")
	}
	out, err := pgx.CollectRows(rows, scanNotification)
	if err != nil {
		return nil, dbError(err, "list retryable notifications")
	}
	return out, nil
}

func (r *NotificationRepository) list(ctx context.Context, req page.Request, listSQL, countSQL, arg string) (page.Result[notification.Notification], error) {
	total, err := count(ctx, r.pool, countSQL, arg)
	if err != nil {
		return page.Result[notification.Notification]{}, dbError(err, "count notifications")
	}
	rows, err := r.pool.Query(ctx, listSQL, arg, req.Size, req.Offset())
	if err != nil {
		return page.Result[notification.Notification]{}, dbError(err, "list notifications")
	}
	items, err := pgx.CollectRows(rows, scanNotification)
	if err != nil {
		return page.Result[notification.Notification]{}, dbError(err, "list notifications")
	}
	return page.NewResult(items, total, req), nil
}

func scanNotification(row pgx.CollectableRow) (notification.Notification, error) {
	var (
		n                    notification.Notification
		typ, channel, status string
		dedupKey             *string
	)
	err := row.Scan(
		&n.ID, &n.UserID, &typ, &channel, &n.Recipient, &n.Subject, &n.Content, &status,
		&n.RetryCount, &n.ErrorMessage, &n.ReferenceID, &n.ReferenceType, &dedupKey, &n.SentAt,
		&n.CreatedAt, &n.UpdatedAt,
	)
	n.Type = notification.Type(typ)
	n.Channel = notification.Channel(channel)
	n.Status = notification.Status(status)
	if dedupKey != nil {
		n.DedupKey = *dedupKey
	}
	return n, err
}
