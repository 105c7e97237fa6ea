package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tableside/notify/internal/auth"
	"tableside/notify/internal/order"
)

const (
	connectRetries    = 10
	connectRetryDelay = 2 * time.Second
	connectPingTTL    = 5 * time.Second
)

// Postgres adapts the relational order tables to the Store contract. The
// compare-and-set relies on a conditional UPDATE so two concurrent
// transitions can never both succeed.
type Postgres struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pooled connection, retrying while the database
// comes up so the notifier can start alongside it.
func ConnectPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("parse dsn: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, connectPingTTL)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return &Postgres{pool: pool}, nil
		}
		pool.Close()
		lastErr = err
		select {
		case <-time.After(connectRetryDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("postgres connect cancelled: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", connectRetries, lastErr)
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

// Status returns the current status of the order.
func (p *Postgres) Status(ctx context.Context, orderID string) (order.Status, error) {
	var raw string
	err := p.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", order.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query order status: %w", err)
	}
	return order.ParseStatus(raw)
}

// CompareAndSetStatus advances the order only when its stored status still
// equals expected. A missed update is disambiguated into not-found versus
// conflict with a follow-up existence check.
func (p *Postgres) CompareAndSetStatus(ctx context.Context, orderID string, expected, next order.Status, actorID string) (*order.Snapshot, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $3, updated_by = $4, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING id, customer_id, status, updated_at`,
		orderID, string(expected), string(next), actorID)

	var snapshot order.Snapshot
	var raw string
	err := row.Scan(&snapshot.ID, &snapshot.CustomerID, &raw, &snapshot.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, statusErr := p.Status(ctx, orderID); errors.Is(statusErr, order.ErrNotFound) {
			return nil, order.ErrNotFound
		}
		return nil, order.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	snapshot.Status, err = order.ParseStatus(raw)
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Participants returns the users tied to the order.
func (p *Postgres) Participants(ctx context.Context, orderID string) (Participants, error) {
	var customerID string
	err := p.pool.QueryRow(ctx, `SELECT customer_id FROM orders WHERE id = $1`, orderID).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Participants{}, order.ErrNotFound
	}
	if err != nil {
		return Participants{}, fmt.Errorf("query order participants: %w", err)
	}
	return Participants{CustomerID: customerID}, nil
}

// UpdatedSince lists orders touched after the given instant, oldest first.
func (p *Postgres) UpdatedSince(ctx context.Context, since time.Time) ([]order.Snapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, customer_id, status, updated_at
		FROM orders
		WHERE updated_at > $1
		ORDER BY updated_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query updated orders: %w", err)
	}
	defer rows.Close()

	var result []order.Snapshot
	for rows.Next() {
		var snapshot order.Snapshot
		var raw string
		if err := rows.Scan(&snapshot.ID, &snapshot.CustomerID, &raw, &snapshot.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		if snapshot.Status, err = order.ParseStatus(raw); err != nil {
			return nil, err
		}
		result = append(result, snapshot)
	}
	return result, rows.Err()
}

// UsersWithRole lists user ids holding the role.
func (p *Postgres) UsersWithRole(ctx context.Context, role auth.Role) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM users WHERE role = $1 ORDER BY id`, string(role))
	if err != nil {
		return nil, fmt.Errorf("query users by role: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
