package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/tracdap/gateway/internal/metrics"
)

// SQLCache is the persistent store. The unique constraint on
// (cache_name, key) in the ticket table is the mutual exclusion: two
// contending opens race on the insert and the database picks the winner.
type SQLCache struct {
	name        string
	maxDuration time.Duration
	db          *sqlx.DB
}

// NewSQLCache wraps an open database handle. The schema (cache_entry,
// cache_ticket) is deployed out of band.
func NewSQLCache(name string, maxDuration time.Duration, db *sqlx.DB) *SQLCache {
	return &SQLCache{name: name, maxDuration: maxDuration, db: db}
}

// OpenSQLCache connects using the configured driver and DSN.
func OpenSQLCache(name string, maxDuration time.Duration, driver, dsn string) (*SQLCache, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("cache store connect: %w", err)
	}
	return NewSQLCache(name, maxDuration, db), nil
}

type entryRow struct {
	Key      string `db:"key"`
	Revision int    `db:"revision"`
	Status   string `db:"status"`
	Value    []byte `db:"value_blob"`
}

func (r entryRow) entry() *Entry {
	return &Entry{Key: r.Key, Revision: r.Revision, Status: r.Status, Value: r.Value}
}

// sweepExpired removes expired tickets before a new open is evaluated.
func (c *SQLCache) sweepExpired(ctx context.Context, tx *sqlx.Tx, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		tx.Rebind(`delete from cache_ticket where cache_name = ? and expiry_time <= ?`),
		c.name, now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		metrics.CacheTicketsExpired.WithLabelValues(c.name).Add(float64(n))
	}
	return nil
}

func (c *SQLCache) OpenNewTicket(ctx context.Context, key string, duration time.Duration) (Ticket, error) {
	if err := validateOpen(key, duration, c.maxDuration); err != nil {
		return Ticket{}, err
	}

	now := time.Now().UTC()
	ticket := Ticket{CacheName: c.name, Key: key, Revision: 0, GrantTime: now}

	err := c.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.sweepExpired(ctx, tx, now); err != nil {
			return err
		}

		var existing int
		err := tx.GetContext(ctx, &existing,
			tx.Rebind(`select revision from cache_entry where cache_name = ? and key = ?`),
			c.name, key)
		if err == nil {
			ticket.Grant = GrantSuperseded
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		id := uuid.NewString()
		expiry := now.Add(duration)
		_, err = tx.ExecContext(ctx,
			tx.Rebind(`insert into cache_ticket (ticket_pk, cache_name, key, revision, grant_time, expiry_time)
			           values (?, ?, ?, ?, ?, ?)`),
			id, c.name, key, 0, now, expiry)
		if isUniqueViolation(err) {
			ticket.Grant = GrantSuperseded
			return nil
		}
		if err != nil {
			return err
		}

		ticket.ID = id
		ticket.Grant = GrantValid
		ticket.ExpiryTime = expiry
		return nil
	})
	if err != nil {
		return Ticket{}, err
	}
	return ticket, nil
}

func (c *SQLCache) OpenTicket(ctx context.Context, key string, revision int, duration time.Duration) (Ticket, error) {
	if err := validateOpen(key, duration, c.maxDuration); err != nil {
		return Ticket{}, err
	}

	now := time.Now().UTC()
	ticket := Ticket{CacheName: c.name, Key: key, Revision: revision, GrantTime: now}

	err := c.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.sweepExpired(ctx, tx, now); err != nil {
			return err
		}

		var latest int
		err := tx.GetContext(ctx, &latest,
			tx.Rebind(`select revision from cache_entry where cache_name = ? and key = ?`),
			c.name, key)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && latest < revision) {
			ticket.Grant = GrantMissing
			return nil
		}
		if err != nil {
			return err
		}
		if latest > revision {
			ticket.Grant = GrantSuperseded
			return nil
		}

		id := uuid.NewString()
		expiry := now.Add(duration)
		_, err = tx.ExecContext(ctx,
			tx.Rebind(`insert into cache_ticket (ticket_pk, cache_name, key, revision, grant_time, expiry_time)
			           values (?, ?, ?, ?, ?, ?)`),
			id, c.name, key, revision, now, expiry)
		if isUniqueViolation(err) {
			ticket.Grant = GrantSuperseded
			return nil
		}
		if err != nil {
			return err
		}

		ticket.ID = id
		ticket.Grant = GrantValid
		ticket.ExpiryTime = expiry
		return nil
	})
	if err != nil {
		return Ticket{}, err
	}
	return ticket, nil
}

func (c *SQLCache) CloseTicket(ctx context.Context, ticket Ticket) error {
	if !ticket.Valid() {
		return nil
	}
	// Idempotent: deleting an expired or already-removed ticket affects no rows.
	_, err := c.db.ExecContext(ctx,
		c.db.Rebind(`delete from cache_ticket where ticket_pk = ?`),
		ticket.ID)
	return err
}

// checkTicket verifies the ticket row still exists and has not expired.
func (c *SQLCache) checkTicket(ctx context.Context, tx *sqlx.Tx, ticket Ticket, now time.Time) error {
	if !ticket.Valid() {
		return ErrTicket
	}

	var one int
	err := tx.GetContext(ctx, &one,
		tx.Rebind(`select 1 from cache_ticket where ticket_pk = ? and expiry_time > ?`),
		ticket.ID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTicket
	}
	return err
}

func (c *SQLCache) AddEntry(ctx context.Context, ticket Ticket, status string, value []byte) (int, error) {
	if ticket.Revision != 0 {
		return 0, fmt.Errorf("%w: add requires a new-entry ticket", ErrTicket)
	}

	now := time.Now().UTC()
	err := c.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.checkTicket(ctx, tx, ticket, now); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			tx.Rebind(`insert into cache_entry (cache_name, key, revision, status, value_blob)
			           values (?, ?, ?, ?, ?)`),
			c.name, ticket.Key, 1, status, value)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	})
	if err != nil {
		metrics.CacheOperations.WithLabelValues(c.name, "add", "error").Inc()
		return 0, err
	}
	metrics.CacheOperations.WithLabelValues(c.name, "add", "ok").Inc()
	return 1, nil
}

func (c *SQLCache) UpdateEntry(ctx context.Context, ticket Ticket, status string, value []byte) (int, error) {
	now := time.Now().UTC()
	newRevision := ticket.Revision + 1

	err := c.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.checkTicket(ctx, tx, ticket, now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			tx.Rebind(`update cache_entry set revision = ?, status = ?, value_blob = ?
			           where cache_name = ? and key = ? and revision = ?`),
			newRevision, status, value, c.name, ticket.Key, ticket.Revision)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		metrics.CacheOperations.WithLabelValues(c.name, "update", "error").Inc()
		return 0, err
	}
	metrics.CacheOperations.WithLabelValues(c.name, "update", "ok").Inc()
	return newRevision, nil
}

func (c *SQLCache) RemoveEntry(ctx context.Context, ticket Ticket) error {
	now := time.Now().UTC()

	err := c.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.checkTicket(ctx, tx, ticket, now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			tx.Rebind(`delete from cache_entry where cache_name = ? and key = ? and revision = ?`),
			c.name, ticket.Key, ticket.Revision)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		metrics.CacheOperations.WithLabelValues(c.name, "remove", "error").Inc()
		return err
	}
	metrics.CacheOperations.WithLabelValues(c.name, "remove", "ok").Inc()
	return nil
}

func (c *SQLCache) GetEntry(ctx context.Context, ticket Ticket) (*Entry, error) {
	now := time.Now().UTC()

	var row entryRow
	err := c.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.checkTicket(ctx, tx, ticket, now); err != nil {
			return err
		}

		err := tx.GetContext(ctx, &row,
			tx.Rebind(`select key, revision, status, value_blob from cache_entry
			           where cache_name = ? and key = ?`),
			c.name, ticket.Key)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.entry(), nil
}

func (c *SQLCache) QueryKey(ctx context.Context, key string) (*Entry, error) {
	var row entryRow
	err := c.db.GetContext(ctx, &row,
		c.db.Rebind(`select key, revision, status, value_blob from cache_entry
		             where cache_name = ? and key = ?`),
		c.name, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.entry(), nil
}

func (c *SQLCache) QueryStatus(ctx context.Context, statuses []string, includeOpenTickets bool) ([]*Entry, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := `select key, revision, status, value_blob from cache_entry
	          where cache_name = ? and status in (?)`
	if !includeOpenTickets {
		query += ` and not exists (
		    select 1 from cache_ticket
		    where cache_ticket.cache_name = cache_entry.cache_name
		      and cache_ticket.key = cache_entry.key
		      and cache_ticket.expiry_time > ?)`
	}

	var args []interface{}
	var err error
	if includeOpenTickets {
		query, args, err = sqlx.In(query, c.name, statuses)
	} else {
		query, args, err = sqlx.In(query, c.name, statuses, time.Now().UTC())
	}
	if err != nil {
		return nil, err
	}

	var rows []entryRow
	if err := c.db.SelectContext(ctx, &rows, c.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.entry())
	}
	return entries, nil
}

func (c *SQLCache) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation recognizes unique constraint failures across drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
