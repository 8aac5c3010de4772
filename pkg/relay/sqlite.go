package relay

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SQLiteLog is a durable single-node Log for deployments without Redis.
// Expiry is a deadline column plus a background sweeper, since SQLite has no
// native key TTL.
type SQLiteLog struct {
	db     *sql.DB
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Log = &SQLiteLog{}

func NewSQLiteLog(dsn string, sweepInterval time.Duration) (*SQLiteLog, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite log: empty dsn")
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite log: open")
	}
	l := &SQLiteLog{db: db, done: make(chan struct{})}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.sweep(ctx, sweepInterval)
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			appended_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS stream_records_by_turn ON stream_records(turn_id, seq);`,
		`CREATE TABLE IF NOT EXISTS stream_expiries (
			turn_id TEXT PRIMARY KEY,
			expires_at_ms INTEGER NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := l.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite log: migrate")
		}
	}
	return nil
}

func (l *SQLiteLog) Append(ctx context.Context, turnID string, rec Record) (string, error) {
	if l == nil || l.db == nil {
		return "", errors.New("sqlite log: nil log")
	}
	if turnID == "" {
		return "", errors.New("sqlite log: turnID is empty")
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO stream_records (turn_id, kind, payload, appended_at_ms) VALUES (?, ?, ?, ?)`,
		turnID, string(rec.Kind), rec.Text, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", errors.Wrap(err, "sqlite log: append")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", errors.Wrap(err, "sqlite log: append id")
	}
	return strconv.FormatInt(seq, 10), nil
}

func (l *SQLiteLog) ReadRange(ctx context.Context, turnID string, fromSeq string) ([]Record, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("sqlite log: nil log")
	}
	if turnID == "" {
		return nil, errors.New("sqlite log: turnID is empty")
	}
	var from int64
	if fromSeq != "" {
		var err error
		from, err = strconv.ParseInt(fromSeq, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "sqlite log: bad cursor %q", fromSeq)
		}
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, kind, payload FROM stream_records WHERE turn_id = ? AND seq > ? ORDER BY seq ASC`,
		turnID, from,
	)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite log: read range")
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var seq int64
		var kind, payload string
		if err := rows.Scan(&seq, &kind, &payload); err != nil {
			return nil, errors.Wrap(err, "sqlite log: scan")
		}
		out = append(out, Record{
			Seq:  strconv.FormatInt(seq, 10),
			Kind: Kind(kind),
			Text: payload,
		})
	}
	return out, errors.Wrap(rows.Err(), "sqlite log: rows")
}

func (l *SQLiteLog) Expire(ctx context.Context, turnID string, ttl time.Duration) error {
	if l == nil || l.db == nil {
		return errors.New("sqlite log: nil log")
	}
	if turnID == "" {
		return errors.New("sqlite log: turnID is empty")
	}
	deadline := time.Now().Add(ttl).UnixMilli()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO stream_expiries (turn_id, expires_at_ms) VALUES (?, ?)
		 ON CONFLICT(turn_id) DO UPDATE SET expires_at_ms = excluded.expires_at_ms`,
		turnID, deadline,
	)
	return errors.Wrap(err, "sqlite log: expire")
}

func (l *SQLiteLog) sweep(ctx context.Context, interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.sweepOnce(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("sqlite log: sweep failed")
			}
		}
	}
}

func (l *SQLiteLog) sweepOnce(ctx context.Context) error {
	now := time.Now().UnixMilli()
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM stream_records WHERE turn_id IN
		 (SELECT turn_id FROM stream_expiries WHERE expires_at_ms <= ?)`, now); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `DELETE FROM stream_expiries WHERE expires_at_ms <= ?`, now)
	return err
}

func (l *SQLiteLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	return l.db.Close()
}
