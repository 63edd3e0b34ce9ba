package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/keithlinneman/server-guardian/internal/accounting"
	"github.com/keithlinneman/server-guardian/internal/breaker"
	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS daily (
    day          TEXT PRIMARY KEY,
    start_unix   INTEGER NOT NULL,
    total_bytes  INTEGER NOT NULL,
    updated_unix INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS daily_addr (
    day  TEXT NOT NULL,
    addr TEXT NOT NULL,
    PRIMARY KEY (day, addr)
);
CREATE TABLE IF NOT EXISTS incident (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    at_unix_nano INTEGER NOT NULL,
    reason       TEXT NOT NULL,
    day          TEXT NOT NULL,
    total_bytes  INTEGER NOT NULL,
    unique_addrs INTEGER NOT NULL,
    host         TEXT NOT NULL DEFAULT ''
);
`

// SQLite keeps checkpoints in a local database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, xerrors.Wrapf(err, "create state dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, xerrors.Wrapf(err, "open sqlite %s", path)
	}
	// one writer; the control loop is the only client
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(err, "apply sqlite schema")
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Load(ctx context.Context, day string) (accounting.Summary, bool, error) {
	var startUnix, total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT start_unix, total_bytes FROM daily WHERE day = ?`, day,
	).Scan(&startUnix, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return accounting.Summary{}, false, nil
	}
	if err != nil {
		return accounting.Summary{}, false, xerrors.Wrapf(err, "load checkpoint %s", day)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT addr FROM daily_addr WHERE day = ? ORDER BY addr`, day)
	if err != nil {
		return accounting.Summary{}, false, xerrors.Wrapf(err, "load addresses %s", day)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return accounting.Summary{}, false, xerrors.Wrap(err, "scan address")
		}
		addrs = append(addrs, a)
	}
	if err := rows.Err(); err != nil {
		return accounting.Summary{}, false, xerrors.Wrap(err, "iterate addresses")
	}

	return accounting.Summary{
		Day:         day,
		Start:       time.Unix(startUnix, 0),
		UniqueAddrs: len(addrs),
		TotalBytes:  uint64(total),
		Addrs:       addrs,
	}, true, nil
}

// Save upserts the day and drops address rows of earlier days.
func (s *SQLite) Save(ctx context.Context, sum accounting.Summary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(err, "begin checkpoint tx")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO daily (day, start_unix, total_bytes, updated_unix)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(day) DO UPDATE SET
            total_bytes  = excluded.total_bytes,
            updated_unix = excluded.updated_unix
    `, sum.Day, sum.Start.Unix(), int64(sum.TotalBytes), s.now().Unix())
	if err != nil {
		return xerrors.Wrapf(err, "upsert checkpoint %s", sum.Day)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO daily_addr (day, addr) VALUES (?, ?)`)
	if err != nil {
		return xerrors.Wrap(err, "prepare address insert")
	}
	defer stmt.Close()

	for _, a := range sum.Addrs {
		if _, err := stmt.ExecContext(ctx, sum.Day, a); err != nil {
			return xerrors.Wrapf(err, "insert address %s", a)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_addr WHERE day < ?`, sum.Day); err != nil {
		return xerrors.Wrap(err, "prune old addresses")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(err, "commit checkpoint")
	}
	return nil
}

func (s *SQLite) RecordIncident(ctx context.Context, inc breaker.Incident) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO incident (at_unix_nano, reason, day, total_bytes, unique_addrs, host)
        VALUES (?, ?, ?, ?, ?, ?)
    `, inc.At.UnixNano(), string(inc.Reason), inc.Day, int64(inc.TotalBytes), inc.UniqueAddrs, inc.Host)
	if err != nil {
		return xerrors.Wrap(err, "insert incident")
	}
	return nil
}

func (s *SQLite) LastIncident(ctx context.Context) (breaker.Incident, bool, error) {
	var (
		inc    breaker.Incident
		atNano int64
		reason string
		total  int64
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT at_unix_nano, reason, day, total_bytes, unique_addrs, host
        FROM incident ORDER BY id DESC LIMIT 1
    `).Scan(&atNano, &reason, &inc.Day, &total, &inc.UniqueAddrs, &inc.Host)
	if errors.Is(err, sql.ErrNoRows) {
		return breaker.Incident{}, false, nil
	}
	if err != nil {
		return breaker.Incident{}, false, xerrors.Wrap(err, "load last incident")
	}
	inc.At = time.Unix(0, atNano)
	inc.Reason = breaker.Reason(reason)
	inc.TotalBytes = uint64(total)
	return inc, true, nil
}

func (s *SQLite) Close() error { return s.db.Close() }
