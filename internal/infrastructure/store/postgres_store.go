package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ec-checkout/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store on PostgreSQL. Lock* methods use
// SELECT ... FOR UPDATE.
type PostgresStore struct {
	pgQueries
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: db}, db: db}
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(ctx context.Context, connStr string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &pgQueries{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// pgQueries runs against either the pool or an open transaction.
type pgQueries struct {
	q sqlx.ExtContext
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
		case "55P03":
			return fmt.Errorf("%w: %s", ErrLockTimeout, pqErr.Message)
		}
	}
	return err
}

const productColumns = `id, name, price, stock, updated_at`

func (p *pgQueries) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var prod model.Product
	err := sqlx.GetContext(ctx, p.q, &prod, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &prod, nil
}

func (p *pgQueries) LockProduct(ctx context.Context, id string) (*model.Product, error) {
	var prod model.Product
	err := sqlx.GetContext(ctx, p.q, &prod, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &prod, nil
}

func (p *pgQueries) UpdateProductStock(ctx context.Context, id string, stock int) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE products SET stock = $1, updated_at = NOW() WHERE id = $2`, stock, id)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const orderColumns = `id, uuid, user_id, status, shipping_address_id, total, created_at, updated_at`

func (p *pgQueries) InsertOrder(ctx context.Context, o *model.Order) error {
	err := p.q.QueryRowxContext(ctx,
		`INSERT INTO orders (uuid, user_id, status, shipping_address_id, total, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		o.UUID, o.UserID, o.Status, o.ShippingAddressID, o.Total, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		return mapErr(err)
	}

	for i := range o.Items {
		item := &o.Items[i]
		item.OrderID = o.ID
		err := p.q.QueryRowxContext(ctx,
			`INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			item.OrderID, item.ProductID, item.Quantity, item.UnitPrice,
		).Scan(&item.ID)
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (p *pgQueries) loadItems(ctx context.Context, o *model.Order) error {
	err := sqlx.SelectContext(ctx, p.q, &o.Items,
		`SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY id`, o.ID)
	return mapErr(err)
}

func (p *pgQueries) getOrder(ctx context.Context, query string, arg any) (*model.Order, error) {
	var o model.Order
	if err := sqlx.GetContext(ctx, p.q, &o, query, arg); err != nil {
		return nil, mapErr(err)
	}
	if err := p.loadItems(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *pgQueries) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return p.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (p *pgQueries) GetOrderByUUID(ctx context.Context, uuid string) (*model.Order, error) {
	return p.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE uuid = $1`, uuid)
}

func (p *pgQueries) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	return p.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (p *pgQueries) UpdateOrderStatus(ctx context.Context, id int64, status model.OrderStatus, at time.Time) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`, status, at, id)
	return affectedOne(res, err)
}

func (p *pgQueries) ListOrdersByUser(ctx context.Context, userID string) ([]*model.Order, error) {
	var orders []*model.Order
	err := sqlx.SelectContext(ctx, p.q, &orders,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	for _, o := range orders {
		if err := p.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (p *pgQueries) ListExpiredOrderIDs(ctx context.Context, createdBefore time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := sqlx.SelectContext(ctx, p.q, &ids,
		`SELECT id FROM orders WHERE status = $1 AND created_at < $2 ORDER BY id LIMIT $3`,
		model.OrderPending, createdBefore, limit)
	return ids, mapErr(err)
}

const paymentColumns = `id, order_id, user_id, amount, currency, status, intent_id, created_at, updated_at`

func (p *pgQueries) InsertPayment(ctx context.Context, rec *model.PaymentRecord) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.OrderID, rec.UserID, rec.Amount, rec.Currency, rec.Status, rec.IntentID, rec.CreatedAt, rec.UpdatedAt)
	return mapErr(err)
}

func (p *pgQueries) getPayment(ctx context.Context, query string, arg any) (*model.PaymentRecord, error) {
	var rec model.PaymentRecord
	if err := sqlx.GetContext(ctx, p.q, &rec, query, arg); err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

func (p *pgQueries) GetPayment(ctx context.Context, id string) (*model.PaymentRecord, error) {
	return p.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (p *pgQueries) GetPaymentByOrder(ctx context.Context, orderID int64) (*model.PaymentRecord, error) {
	return p.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID)
}

func (p *pgQueries) GetPaymentByIntent(ctx context.Context, intentID string) (*model.PaymentRecord, error) {
	return p.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE intent_id = $1`, intentID)
}

func (p *pgQueries) LockPaymentByIntent(ctx context.Context, intentID string) (*model.PaymentRecord, error) {
	return p.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE intent_id = $1 FOR UPDATE`, intentID)
}

func (p *pgQueries) UpdatePayment(ctx context.Context, rec *model.PaymentRecord) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE payments SET order_id = $1, status = $2, intent_id = $3, updated_at = $4 WHERE id = $5`,
		rec.OrderID, rec.Status, rec.IntentID, rec.UpdatedAt, rec.ID)
	return affectedOne(res, err)
}

func (p *pgQueries) DeletePayment(ctx context.Context, id string) error {
	res, err := p.q.ExecContext(ctx, `DELETE FROM payments WHERE id = $1`, id)
	return affectedOne(res, err)
}

const sessionColumns = `id, user_id, status, cart, shipping_address_id, payment_id, order_id, total, failure_reason, created_at, updated_at`

func (p *pgQueries) InsertSession(ctx context.Context, s *model.CheckoutSession) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO checkout_sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.UserID, s.Status, s.Cart, s.ShippingAddressID, s.PaymentID, s.OrderID, s.Total, s.FailureReason, s.CreatedAt, s.UpdatedAt)
	return mapErr(err)
}

func (p *pgQueries) getSession(ctx context.Context, query, id string) (*model.CheckoutSession, error) {
	var s model.CheckoutSession
	if err := sqlx.GetContext(ctx, p.q, &s, query, id); err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (p *pgQueries) GetSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	return p.getSession(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1`, id)
}

func (p *pgQueries) LockSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	return p.getSession(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1 FOR UPDATE`, id)
}

func (p *pgQueries) UpdateSession(ctx context.Context, s *model.CheckoutSession) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE checkout_sessions
		 SET status = $1, payment_id = $2, order_id = $3, failure_reason = $4, updated_at = $5
		 WHERE id = $6`,
		s.Status, s.PaymentID, s.OrderID, s.FailureReason, s.UpdatedAt, s.ID)
	return affectedOne(res, err)
}

func (p *pgQueries) InsertAddress(ctx context.Context, a *model.ShippingAddress) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO shipping_addresses (id, user_id, full_name, line1, line2, city, postal_code, country, phone, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.UserID, a.FullName, a.Line1, a.Line2, a.City, a.PostalCode, a.Country, a.Phone, a.CreatedAt)
	return mapErr(err)
}

func (p *pgQueries) GetAddress(ctx context.Context, id string) (*model.ShippingAddress, error) {
	var a model.ShippingAddress
	err := sqlx.GetContext(ctx, p.q, &a,
		`SELECT id, user_id, full_name, line1, line2, city, postal_code, country, phone, created_at
		 FROM shipping_addresses WHERE id = $1`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (p *pgQueries) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := sqlx.GetContext(ctx, p.q, &email, `SELECT email FROM users WHERE id = $1`, userID)
	return email, mapErr(err)
}
