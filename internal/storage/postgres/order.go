package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/cloudforge-commerce/internal/domain/order"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
)

const (
	orderColumns = `id, user_id, total_amount, status, shipping_address, shipping_city,
	shipping_state, shipping_zip, shipping_country, notes, created_at, updated_at`

	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	insertOrderItemSQL = `INSERT INTO order_items
	(order_id, position, product_id, product_name, quantity, unit_price, line_total)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listOrdersByUserSQL = `SELECT ` + orderColumns + ` FROM orders
	WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	countOrdersByUserSQL = `SELECT count(*) FROM orders WHERE user_id = $1`

	listOrdersByStatusSQL = `SELECT ` + orderColumns + ` FROM orders
	WHERE status = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	countOrdersByStatusSQL = `SELECT count(*) FROM orders WHERE status = $1`

	orderItemsSQL = `SELECT order_id, product_id, product_name, quantity, unit_price, line_total
	FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`

	updateOrderStatusSQL = `UPDATE orders SET status = $3, updated_at = $4
	WHERE id = $1 AND status = $2`
	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create inserts the order and its items in one transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		s := o.Shipping
		if _, err := tx.Exec(ctx, insertOrderSQL,
			o.ID, o.UserID, o.TotalAmount, string(o.Status),
			s.Address, s.City, s.State, s.Zip, s.Country, o.Notes,
			o.CreatedAt, o.UpdatedAt,
		); err != nil {
			return errors.Wrap(err, "insert order")
		}

		batch := &pgx.Batch{}
		for i, it := range o.Items {
			batch.Queue(insertOrderItemSQL,
				o.ID, i, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice, it.LineTotal,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "insert order items")
		}
		return nil
	})
	if err != nil {
		return dbError(err, "create order "+o.ID)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, dbError(err, "get order")
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, dbError(err, "get order")
	}

	orders := []order.Order{o}
	if err := r.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string, req page.Request) (page.Result[order.Order], error) {
	return r.list(ctx, req, listOrdersByUserSQL, countOrdersByUserSQL, userID)
}

func (r *OrderRepository) ListByStatus(ctx context.Context, status order.Status, req page.Request) (page.Result[order.Order], error) {
	return r.list(ctx, req, listOrdersByStatusSQL, countOrdersByStatusSQL, string(status))
}

// UpdateStatus is a compare-and-set on the status column.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to order.Status, at time.Time) error {
	tag, err := r.pool.Exec(ctx, updateOrderStatusSQL, id, string(from), string(to), at)
	if err != nil {
		return dbError(err, "update order status")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return dbError(err, "check order")
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrStatusConflict
}

func (r *OrderRepository) list(ctx context.Context, req page.Request, listSQL, countSQL, arg string) (page.Result[order.Order], error) {
	total, err := count(ctx, r.pool, countSQL, arg)
	if err != nil {
		return page.Result[order.Order]{}, dbError(err, "count orders")
	}

	rows, err := r.pool.Query(ctx, listSQL, arg, req.Size, req.Offset())
	if err != nil {
		return page.Result[order.Order]{}, dbError(err, "list orders")
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return page.Result[order.Order]{}, dbError(err, "list orders")
	}
	if err := r.loadItems(ctx, orders); err != nil {
		return page.Result[order.Order]{}, err
	}
	return page.NewResult(orders, total, req), nil
}

// loadItems fills Items for every order with a single query.
func (r *OrderRepository) loadItems(ctx context.Context, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	byID := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = i
	}

	rows, err := r.pool.Query(ctx, orderItemsSQL, ids)
	if err != nil {
		return dbError(err, "load order items")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID string
			it      order.Item
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return dbError(err, "scan order item")
		}
		i := byID[orderID]
		orders[i].Items = append(orders[i].Items, it)
	}
	if err := rows.Err(); err != nil {
		return dbError(err, "load order items")
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
		total  decimal.Decimal
	)
	err := row.Scan(
		&o.ID, &o.UserID, &total, &status,
		&o.Shipping.Address, &o.Shipping.City, &o.Shipping.State, &o.Shipping.Zip, &o.Shipping.Country,
		&o.Notes, &o.CreatedAt, &o.UpdatedAt,
	)
	o.TotalAmount = total
	o.Status = order.Status(status)
	return o, err
}
