// Package sqlitestore persists orders and deliverables in SQLite so a
// provider survives restarts without losing paid work.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	ivxp "github.com/ivxp-foundation/ivxp-go"
)

// Store is a SQLite-backed ivxp.OrderStore.
type Store struct {
	db *sql.DB
}

var _ ivxp.OrderStore = (*Store)(nil)

// New wraps an open database handle and runs migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate order store: %w", err)
	}
	return s, nil
}

// Open opens (or creates) the database at path and runs migrations. The
// handle is capped to one connection; the driver serializes writers anyway
// and a single connection avoids spurious busy errors.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open order store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), `PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure order store: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS orders (
		order_id          TEXT PRIMARY KEY,
		status            TEXT NOT NULL,
		service_type      TEXT NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		price_usdc        TEXT NOT NULL,
		network           TEXT NOT NULL,
		client_address    TEXT NOT NULL DEFAULT '',
		client_agent      TEXT NOT NULL DEFAULT '',
		provider_address  TEXT NOT NULL,
		payment_address   TEXT NOT NULL,
		tx_hash           TEXT NOT NULL DEFAULT '',
		delivery_endpoint TEXT NOT NULL DEFAULT '',
		content_hash      TEXT NOT NULL DEFAULT '',
		content_type      TEXT NOT NULL DEFAULT '',
		rating_score      INTEGER,
		rating_comment    TEXT,
		rated_at          TEXT,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		expires_at        TEXT NOT NULL DEFAULT '',
		delivered_at      TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS deliverables (
		order_id     TEXT PRIMARY KEY,
		content      BLOB NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		format       TEXT NOT NULL DEFAULT '',
		binary       INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const orderColumns = `order_id, status, service_type, description, price_usdc, network,
	client_address, client_agent, provider_address, payment_address, tx_hash,
	delivery_endpoint, content_hash, content_type, rating_score, rating_comment,
	rated_at, created_at, updated_at, expires_at, delivered_at`

// CreateOrder inserts a new order. The id must be unused.
func (s *Store) CreateOrder(ctx context.Context, o *ivxp.Order) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("store: order must have an id")
	}
	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, insertArgs(o)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("store: order %s already exists", o.ID)
		}
		return fmt.Errorf("store: insert order %s: %w", o.ID, err)
	}
	return nil
}

func insertArgs(o *ivxp.Order) []any {
	var score, comment, ratedAt any
	if o.Rating != nil {
		score = o.Rating.Score
		comment = o.Rating.Comment
		ratedAt = fmtTime(o.Rating.RatedAt)
	}
	return []any{
		o.ID, string(o.Status), o.ServiceType, o.Description, o.PriceUSDC, o.Network,
		o.ClientAddress, o.ClientAgent, o.ProviderAddress, o.PaymentAddress, o.TxHash,
		o.DeliveryEndpoint, o.ContentHash, o.ContentType, score, comment,
		ratedAt, fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt), fmtTime(o.ExpiresAt), fmtTime(o.DeliveredAt),
	}
}

// GetOrder loads one order.
func (s *Store) GetOrder(ctx context.Context, id string) (*ivxp.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ivxp.NewOrderNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load order %s: %w", id, err)
	}
	return o, nil
}

// UpdateOrder applies mutate to the stored order inside a transaction so
// concurrent engine goroutines cannot interleave their writes.
func (s *Store) UpdateOrder(ctx context.Context, id string, mutate func(*ivxp.Order) error) (*ivxp.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin update for %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ivxp.NewOrderNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load order %s: %w", id, err)
	}

	if err := mutate(o); err != nil {
		return nil, err
	}
	o.UpdatedAt = time.Now().UTC()

	var score, comment, ratedAt any
	if o.Rating != nil {
		score = o.Rating.Score
		comment = o.Rating.Comment
		ratedAt = fmtTime(o.Rating.RatedAt)
	}
	_, err = tx.ExecContext(ctx, `UPDATE orders SET
		status = ?, description = ?, client_address = ?, client_agent = ?,
		tx_hash = ?, delivery_endpoint = ?, content_hash = ?, content_type = ?,
		rating_score = ?, rating_comment = ?, rated_at = ?,
		updated_at = ?, expires_at = ?, delivered_at = ?
		WHERE order_id = ?`,
		string(o.Status), o.Description, o.ClientAddress, o.ClientAgent,
		o.TxHash, o.DeliveryEndpoint, o.ContentHash, o.ContentType,
		score, comment, ratedAt,
		fmtTime(o.UpdatedAt), fmtTime(o.ExpiresAt), fmtTime(o.DeliveredAt),
		o.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update order %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit update for %s: %w", id, err)
	}
	return o.Clone(), nil
}

// ListOrders returns all orders, oldest first.
func (s *Store) ListOrders(ctx context.Context) ([]*ivxp.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []*ivxp.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list orders: %w", err)
	}
	return orders, nil
}

// DeleteOrder removes an order and its deliverable.
func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete for %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE order_id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete order %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete order %s: %w", id, err)
	}
	if affected == 0 {
		return ivxp.NewOrderNotFoundError(id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deliverables WHERE order_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete deliverable %s: %w", id, err)
	}
	return tx.Commit()
}

// PutDeliverable stores the deliverable for an order, replacing any
// previous one.
func (s *Store) PutDeliverable(ctx context.Context, d *ivxp.Deliverable) error {
	if d == nil || d.OrderID == "" {
		return fmt.Errorf("store: deliverable must reference an order")
	}
	binary := 0
	if d.Binary {
		binary = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO deliverables
		(order_id, content, content_type, format, binary, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.OrderID, d.Content, d.ContentType, d.Format, binary, d.ContentHash, fmtTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: put deliverable %s: %w", d.OrderID, err)
	}
	return nil
}

// GetDeliverable loads the deliverable for an order.
func (s *Store) GetDeliverable(ctx context.Context, orderID string) (*ivxp.Deliverable, error) {
	row := s.db.QueryRowContext(ctx, `SELECT order_id, content, content_type, format, binary, content_hash, created_at
		FROM deliverables WHERE order_id = ?`, orderID)

	var (
		d       ivxp.Deliverable
		binary  int
		created string
	)
	err := row.Scan(&d.OrderID, &d.Content, &d.ContentType, &d.Format, &binary, &d.ContentHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ivxp.NewOrderNotFoundError(orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load deliverable %s: %w", orderID, err)
	}
	d.Binary = binary != 0
	d.CreatedAt = parseTime(created)
	return &d, nil
}

// DeleteExpired purges unpaid quotes whose expiry has passed. Expiry is
// compared in Go because the column holds formatted timestamps.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT order_id, expires_at FROM orders WHERE status = ?`, string(ivxp.StatusQuoted))
	if err != nil {
		return 0, fmt.Errorf("store: list expiring orders: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id, expiresAt string
		if err := rows.Scan(&id, &expiresAt); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("store: scan expiring order: %w", err)
		}
		t := parseTime(expiresAt)
		if !t.IsZero() && now.After(t) {
			expired = append(expired, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("store: list expiring orders: %w", err)
	}
	_ = rows.Close()

	purged := 0
	for _, id := range expired {
		if err := s.DeleteOrder(ctx, id); err != nil {
			if ivxp.IsCode(err, ivxp.ErrCodeOrderNotFound) {
				continue
			}
			return purged, err
		}
		purged++
	}
	return purged, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*ivxp.Order, error) {
	var (
		o                  ivxp.Order
		status             string
		score              sql.NullInt64
		comment, ratedAt   sql.NullString
		created, updated   string
		expires, delivered string
	)
	err := row.Scan(
		&o.ID, &status, &o.ServiceType, &o.Description, &o.PriceUSDC, &o.Network,
		&o.ClientAddress, &o.ClientAgent, &o.ProviderAddress, &o.PaymentAddress, &o.TxHash,
		&o.DeliveryEndpoint, &o.ContentHash, &o.ContentType, &score, &comment,
		&ratedAt, &created, &updated, &expires, &delivered,
	)
	if err != nil {
		return nil, err
	}
	o.Status = ivxp.OrderStatus(status)
	if score.Valid {
		o.Rating = &ivxp.Rating{
			Score:   int(score.Int64),
			Comment: comment.String,
			RatedAt: parseTime(ratedAt.String),
		}
	}
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	o.ExpiresAt = parseTime(expires)
	o.DeliveredAt = parseTime(delivered)
	return &o, nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
