// Package sqlite persists records in a SQLite database (modernc.org/sqlite,
// pure Go). A file-backed database keeps query data across restarts without
// external infrastructure.
package sqlite

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	pr "github.com/unkn0wn-root/querycache/provider"
)

const defaultQueryTimeout = 5 * time.Second

// Provider stores records in a single table. Expired rows are skipped on read
// and removed by a background janitor.
type Provider struct {
	db           *sql.DB
	queryTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	// Path is the database file. Empty means a private in-memory database.
	Path string
	// ExpiryCheck is the janitor interval; 0 => 1m.
	ExpiryCheck time.Duration
	// QueryTimeout bounds every statement; 0 => 5s.
	QueryTimeout time.Duration
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite provider: open %s", path)
	}
	// one connection: ":memory:" databases are per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS records (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_expires_at ON records(expires_at)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "sqlite provider: migrate")
		}
	}

	p := &Provider{
		db:           db,
		queryTimeout: cfg.QueryTimeout,
	}
	if p.queryTimeout <= 0 {
		p.queryTimeout = defaultQueryTimeout
	}
	every := cfg.ExpiryCheck
	if every <= 0 {
		every = time.Minute
	}

	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.wg.Add(1)
	go p.janitor(jctx, every)
	return p, nil
}

func (p *Provider) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, p.queryTimeout)
}

func (p *Provider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := p.queryCtx(ctx)
	defer cancel()

	var data []byte
	var expiresAt int64
	err := p.db.QueryRowContext(qctx,
		`SELECT value, expires_at FROM records WHERE key = ?`, key,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "sqlite provider: get %s", key)
	}
	if expiresAt != 0 && expiresAt < time.Now().UnixNano() {
		_, _ = p.db.ExecContext(qctx, `DELETE FROM records WHERE key = ?`, key)
		return nil, false, nil
	}
	return data, true, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	qctx, cancel := p.queryCtx(ctx)
	defer cancel()

	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}
	_, err := p.db.ExecContext(qctx,
		`INSERT INTO records (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return false, errors.Wrapf(err, "sqlite provider: set %s", key)
	}
	return true, nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	qctx, cancel := p.queryCtx(ctx)
	defer cancel()
	if _, err := p.db.ExecContext(qctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return errors.Wrapf(err, "sqlite provider: del %s", key)
	}
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	var err error
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
		err = p.db.Close()
	})
	return err
}

func (p *Provider) janitor(ctx context.Context, every time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			qctx, cancel := p.queryCtx(ctx)
			_, _ = p.db.ExecContext(qctx,
				`DELETE FROM records WHERE expires_at != 0 AND expires_at < ?`, time.Now().UnixNano())
			cancel()
		}
	}
}
