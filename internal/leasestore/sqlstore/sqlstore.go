// Package sqlstore persists leases in PostgreSQL (lib/pq) or SQLite
// (go-sqlite3) through sqlx. Queries are written with ? placeholders and
// rebound for the active driver.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"pkt.systems/gpulockd/internal/leasestore"
	"pkt.systems/gpulockd/internal/uuidv7"
)

//go:embed schema.sql
var schemaSQL string

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config selects the driver and data source.
type Config struct {
	Driver string
	DSN    string
}

// conn is satisfied by both *sqlx.DB and *sqlx.Tx.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store implements leasestore.Store.
type Store struct {
	db *sqlx.DB
}

type leaseRow struct {
	ID          string       `db:"id"`
	Username    string       `db:"username"`
	DeviceType  string       `db:"gpu_type"`
	DeviceID    int          `db:"gpu_id"`
	AllocatedAt time.Time    `db:"allocated_at"`
	ExpiresAt   time.Time    `db:"expiration_time"`
	ReleasedAt  sql.NullTime `db:"released_at"`
	Comment     string       `db:"comment"`
}

type notificationRow struct {
	ID        string    `db:"id"`
	Username  string    `db:"username"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
	Read      bool      `db:"is_read"`
}

const leaseColumns = `id, username, gpu_type, gpu_id, allocated_at, expiration_time, released_at, comment`

// Open connects, applies the schema and returns the store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("leasestore/sql: unsupported driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("leasestore/sql: dsn required")
	}
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("leasestore/sql: connect: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite allows one writer; a single connection also keeps
		// :memory: databases alive across calls.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("leasestore/sql: pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("leasestore/sql: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) Create(ctx context.Context, l *leasestore.Lease) error {
	if l.ID == "" {
		l.ID = uuidv7.NewString()
	}
	l.AllocatedAt = leasestore.Normalize(l.AllocatedAt)
	l.ExpiresAt = leasestore.Normalize(l.ExpiresAt)
	row := toRow(*l)
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO gpu_allocations (`+leaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		row.ID, row.Username, row.DeviceType, row.DeviceID, row.AllocatedAt, row.ExpiresAt, row.ReleasedAt, row.Comment)
	if err != nil {
		return fmt.Errorf("leasestore/sql: insert lease %s: %w", l.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (leasestore.Lease, error) {
	return s.get(ctx, s.db, id)
}

func (s *Store) get(ctx context.Context, c conn, id string) (leasestore.Lease, error) {
	var row leaseRow
	err := c.GetContext(ctx, &row, s.q(`SELECT `+leaseColumns+` FROM gpu_allocations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return leasestore.Lease{}, leasestore.ErrNotFound
	}
	if err != nil {
		return leasestore.Lease{}, fmt.Errorf("leasestore/sql: get lease %s: %w", id, err)
	}
	return fromRow(row), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM gpu_allocations WHERE id = ?`), id); err != nil {
		return fmt.Errorf("leasestore/sql: delete lease %s: %w", id, err)
	}
	return nil
}

func (s *Store) MarkReleased(ctx context.Context, id string, at time.Time, comment string) (released bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("leasestore/sql: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	current, err := s.get(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if !current.Active() {
		return false, tx.Commit()
	}
	if comment == "" {
		comment = current.Comment
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE gpu_allocations SET released_at = ?, comment = ? WHERE id = ? AND released_at IS NULL`),
		leasestore.Normalize(at), comment, id)
	if err != nil {
		return false, fmt.Errorf("leasestore/sql: release lease %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("leasestore/sql: release lease %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("leasestore/sql: commit: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListActive(ctx context.Context) ([]leasestore.Lease, error) {
	return s.list(ctx, `SELECT `+leaseColumns+` FROM gpu_allocations WHERE released_at IS NULL ORDER BY expiration_time, id`)
}

func (s *Store) ActiveForDevice(ctx context.Context, deviceType string, deviceID int) (leasestore.Lease, error) {
	var row leaseRow
	err := s.db.GetContext(ctx, &row,
		s.q(`SELECT `+leaseColumns+` FROM gpu_allocations WHERE gpu_type = ? AND gpu_id = ? AND released_at IS NULL ORDER BY allocated_at DESC LIMIT 1`),
		deviceType, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return leasestore.Lease{}, leasestore.ErrNotFound
	}
	if err != nil {
		return leasestore.Lease{}, fmt.Errorf("leasestore/sql: lookup device %s/%d: %w", deviceType, deviceID, err)
	}
	return fromRow(row), nil
}

func (s *Store) ListByUser(ctx context.Context, username string, activeOnly bool) ([]leasestore.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM gpu_allocations WHERE 1 = 1`
	var args []any
	if username != "" {
		query += ` AND username = ?`
		args = append(args, username)
	}
	if activeOnly {
		query += ` AND released_at IS NULL`
	}
	query += ` ORDER BY allocated_at DESC, id DESC`
	return s.list(ctx, query, args...)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]leasestore.Lease, error) {
	var rows []leaseRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("leasestore/sql: list leases: %w", err)
	}
	out := make([]leasestore.Lease, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func (s *Store) AddNotification(ctx context.Context, n *leasestore.Notification) error {
	if n.ID == "" {
		n.ID = uuidv7.NewString()
	}
	n.CreatedAt = leasestore.Normalize(n.CreatedAt)
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO notifications (id, username, message, created_at, is_read) VALUES (?, ?, ?, ?, ?)`),
		n.ID, n.Username, n.Message, n.CreatedAt, n.Read)
	if err != nil {
		return fmt.Errorf("leasestore/sql: insert notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, username string, unreadOnly bool) ([]leasestore.Notification, error) {
	query := `SELECT id, username, message, created_at, is_read FROM notifications WHERE username = ?`
	if unreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at, id`
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), username); err != nil {
		return nil, fmt.Errorf("leasestore/sql: list notifications: %w", err)
	}
	out := make([]leasestore.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, leasestore.Notification{
			ID:        row.ID,
			Username:  row.Username,
			Message:   row.Message,
			CreatedAt: row.CreatedAt.UTC(),
			Read:      row.Read,
		})
	}
	return out, nil
}

func (s *Store) MarkNotificationsRead(ctx context.Context, username string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE notifications SET is_read = TRUE WHERE username = ? AND is_read = FALSE`), username)
	if err != nil {
		return 0, fmt.Errorf("leasestore/sql: mark notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("leasestore/sql: mark notifications read: %w", err)
	}
	return int(n), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toRow(l leasestore.Lease) leaseRow {
	row := leaseRow{
		ID:          l.ID,
		Username:    l.Username,
		DeviceType:  l.DeviceType,
		DeviceID:    l.DeviceID,
		AllocatedAt: l.AllocatedAt,
		ExpiresAt:   l.ExpiresAt,
		Comment:     l.Comment,
	}
	if l.ReleasedAt != nil {
		row.ReleasedAt = sql.NullTime{Time: leasestore.Normalize(*l.ReleasedAt), Valid: true}
	}
	return row
}

func fromRow(row leaseRow) leasestore.Lease {
	l := leasestore.Lease{
		ID:          row.ID,
		Username:    row.Username,
		DeviceType:  row.DeviceType,
		DeviceID:    row.DeviceID,
		AllocatedAt: row.AllocatedAt.UTC(),
		ExpiresAt:   row.ExpiresAt.UTC(),
		Comment:     row.Comment,
	}
	if row.ReleasedAt.Valid {
		released := row.ReleasedAt.Time.UTC()
		l.ReleasedAt = &released
	}
	return l
}

var _ leasestore.Store = (*Store)(nil)
