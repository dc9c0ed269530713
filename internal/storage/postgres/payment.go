package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/cloudforge-commerce/internal/domain/page"
	"github.com/xenking/cloudforge-commerce/internal/domain/payment"
)

const (
	paymentColumns = `id, order_id, user_id, amount, currency, status, gateway_order_id,
	gateway_payment_id, gateway_signature, idempotency_key, failure_reason, refunded_amount,
	created_at, updated_at`

	insertPaymentSQL = `INSERT INTO payments (` + paymentColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	updatePaymentSQL = `UPDATE payments SET status = $2, gateway_order_id = $3,
	gateway_payment_id = $4, gateway_signature = $5, failure_reason = $6,
	refunded_amount = $7, updated_at = $8
	WHERE id = $1`

	adjustRefundSQL = `UPDATE payments SET refunded_amount = refunded_amount + $2,
	status = CASE
		WHEN refunded_amount + $2 = 0 THEN 'COMPLETED'
		WHEN refunded_amount + $2 >= amount THEN 'REFUNDED'
		ELSE 'PARTIALLY_REFUNDED'
	END,
	updated_at = $3
	WHERE id = $1
	AND status IN ('COMPLETED', 'PARTIALLY_REFUNDED', 'REFUNDED')
	AND refunded_amount + $2 BETWEEN 0 AND amount
	RETURNING ` + paymentColumns

	getPaymentSQL        = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	getPaymentByOrderSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1`

	listPaymentsByUserSQL = `SELECT ` + paymentColumns + ` FROM payments
	WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	countPaymentsByUserSQL = `SELECT count(*) FROM payments WHERE user_id = $1`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
// order_id and idempotency_key are unique.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	_, err := r.pool.Exec(ctx, insertPaymentSQL,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Currency, string(p.Status),
		p.GatewayOrderRef, p.GatewayPaymentRef, p.GatewaySignature,
		p.IdempotencyKey, p.FailureReason, p.RefundedAmount,
		p.CreatedAt, p.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return payment.ErrDuplicate
	default:
		return dbError(err, "create payment "+p.ID)
	}
}

func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	tag, err := r.pool.Exec(ctx, updatePaymentSQL,
		p.ID, string(p.Status), p.GatewayOrderRef, p.GatewayPaymentRef, p.GatewaySignature,
		p.FailureReason, p.RefundedAmount, p.UpdatedAt,
	)
	if err != nil {
		return dbError(err, "update payment "+p.ID)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

// AdjustRefund moves refunded_amount in a single guarded UPDATE, so
// concurrent reservations serialize on the row lock.
func (r *PaymentRepository) AdjustRefund(ctx context.Context, id string, delta decimal.Decimal, at time.Time) (*payment.Payment, error) {
	rows, err := r.pool.Query(ctx, adjustRefundSQL, id, delta, at)
	if err != nil {
		return nil, dbError(err, "adjust refund "+id)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	switch {
	case err == nil:
		return &p, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, dbError(err, "adjust refund "+id)
	}
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, payment.ErrRefundRejected
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (*payment.Payment, error) {
	return r.getOne(ctx, getPaymentSQL, id)
}

func (r *PaymentRepository) GetByOrder(ctx context.Context, orderID string) (*payment.Payment, error) {
	return r.getOne(ctx, getPaymentByOrderSQL, orderID)
}

func (r *PaymentRepository) ListByUser(ctx context.Context, userID string, req page.Request) (page.Result[payment.Payment], error) {
	total, err := count(ctx, r.pool, countPaymentsByUserSQL, userID)
	if err != nil {
		return page.Result[payment.Payment]{}, dbError(err, "count payments")
	}
	rows, err := r.pool.Query(ctx, listPaymentsByUserSQL, userID, req.Size, req.Offset())
	if err != nil {
		return page.Result[payment.Payment]{}, dbError(err, "list payments")
	}
	payments, err := pgx.CollectRows(rows, scanPayment)
	if err != nil {
		return page.Result[payment.Payment]{}, dbError(err, "list payments")
	}
	return page.NewResult(payments, total, req), nil
}

func (r *PaymentRepository) getOne(ctx context.Context, sql, arg string) (*payment.Payment, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, dbError(err, "get payment")
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, dbError(err, "get payment")
	}
	return &p, nil
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var (
		p      payment.Payment
		status string
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Currency, &status,
		&p.GatewayOrderRef, &p.GatewayPaymentRef, &p.GatewaySignature,
		&p.IdempotencyKey, &p.FailureReason, &p.RefundedAmount,
		&p.CreatedAt, &p.UpdatedAt,
	)
	p.Status = payment.Status(status)
	return p, err
}
