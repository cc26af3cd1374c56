package commandlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agrolink-io/agrolink/pkg/options"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS user_control (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT    NOT NULL,
	command   TEXT    NOT NULL,
	issued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_control_device_issued
	ON user_control(device_id, issued_at DESC, id DESC);
`

var _ Log = (*Store)(nil)

// Store is the SQLite-backed command log. It is safe for concurrent use.
type Store struct {
	db           *sql.DB
	queryTimeout time.Duration
	now          func() time.Time
}

// Open opens (and creates if needed) the database described by opts.
func Open(ctx context.Context, opts *options.SQLiteOptions) (*Store, error) {
	if opts == nil {
		opts = options.NewSQLiteOptions()
	}

	db, err := sql.Open("sqlite3", dsn(opts))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)

	s := &Store{db: db, queryTimeout: opts.QueryTimeout, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// dsn builds a file URI for opts.Path. The path is escaped so that '?', '#'
// and '%' in a file name reach SQLite unchanged.
func dsn(opts *options.SQLiteOptions) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.FormatInt(opts.BusyTimeout.Milliseconds(), 10))
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	// Relative paths must stay relative, so the URI has no authority part.
	path := (&url.URL{Path: opts.Path}).EscapedPath()
	return "file:" + path + "?" + q.Encode()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func (s *Store) Latest(ctx context.Context, deviceID string) (*Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, command, issued_at FROM user_control
		 WHERE device_id = ? ORDER BY issued_at DESC, id DESC LIMIT 1`, deviceID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("latest", err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, command, issued_at FROM user_control WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return rec, nil
}

func (s *Store) Append(ctx context.Context, deviceID, command string, issuedAt time.Time) (*Record, error) {
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}
	issuedAt = issuedAt.UTC()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_control (device_id, command, issued_at) VALUES (?, ?, ?)`,
		deviceID, command, issuedAt.UnixNano())
	if err != nil {
		return nil, unavailable("append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable("append", err)
	}

	return &Record{ID: id, DeviceID: deviceID, Command: command, IssuedAt: issuedAt}, nil
}

func (s *Store) Update(ctx context.Context, id int64, command string) (*Record, error) {
	uctx, cancel := s.withTimeout(ctx)
	res, err := s.db.ExecContext(uctx, `UPDATE user_control SET command = ? WHERE id = ?`, command, id)
	cancel()
	if err != nil {
		return nil, unavailable("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, unavailable("update", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// History returns up to limit records for deviceID, newest first.
func (s *Store) History(ctx context.Context, deviceID string, limit int) ([]Record, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, command, issued_at FROM user_control
		 WHERE device_id = ? ORDER BY issued_at DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, unavailable("history", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("history", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("history", err)
	}
	return out, nil
}

// Devices lists every device id that has at least one record.
func (s *Store) Devices(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT device_id FROM user_control ORDER BY device_id`)
	if err != nil {
		return nil, unavailable("devices", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("devices", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("devices", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec      Record
		issuedAt int64
	)
	if err := sc.Scan(&rec.ID, &rec.DeviceID, &rec.Command, &issuedAt); err != nil {
		return nil, err
	}
	rec.IssuedAt = time.Unix(0, issuedAt).UTC()
	return &rec, nil
}
