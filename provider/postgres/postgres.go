// Package postgres persists records in a PostgreSQL table through pgx. It
// suits deployments that already run Postgres and want query data shared
// between processes without adding Redis.
package postgres

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	pr "github.com/unkn0wn-root/querycache/provider"
)

const (
	defaultTable        = "querycache_records"
	defaultQueryTimeout = 5 * time.Second
)

// DB is the subset of *pgxpool.Pool the provider uses. *pgx.Conn satisfies it
// too, but a single connection is not safe for concurrent use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Config struct {
	// Pool is used when set; otherwise DSN is dialled with pgxpool.
	Pool DB
	DSN  string
	// ClosePool closes a *pgxpool.Pool on Close. A pool dialled from DSN is
	// always closed.
	ClosePool bool
	// Table defaults to querycache_records. It may be schema-qualified.
	Table string
	// SkipMigrate leaves table creation to the operator.
	SkipMigrate bool
	// ExpiryCheck is the janitor interval; 0 => 1m, < 0 disables it.
	ExpiryCheck  time.Duration
	QueryTimeout time.Duration
}

type Provider struct {
	db      DB
	closeDB func()
	timeout time.Duration

	getSQL, setSQL, delSQL, sweepSQL string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ pr.Provider = (*Provider)(nil)

func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{db: cfg.Pool, timeout: cfg.QueryTimeout}
	if p.timeout <= 0 {
		p.timeout = defaultQueryTimeout
	}
	switch {
	case p.db != nil:
		if pool, ok := p.db.(*pgxpool.Pool); ok && cfg.ClosePool {
			p.closeDB = pool.Close
		}
	case cfg.DSN != "":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "postgres provider: connect")
		}
		p.db, p.closeDB = pool, pool.Close
	default:
		return nil, errors.New("postgres provider: Pool or DSN is required")
	}

	table := tableIdent(cfg.Table)
	p.getSQL = `SELECT value FROM ` + table + ` WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`
	p.setSQL = `INSERT INTO ` + table + ` (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	p.delSQL = `DELETE FROM ` + table + ` WHERE key = $1`
	p.sweepSQL = `DELETE FROM ` + table + ` WHERE expires_at IS NOT NULL AND expires_at <= now()`

	if !cfg.SkipMigrate {
		qctx, cancel := context.WithTimeout(ctx, p.timeout)
		_, err := p.db.Exec(qctx, `CREATE TABLE IF NOT EXISTS `+table+` (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at TIMESTAMPTZ
		)`)
		cancel()
		if err != nil {
			p.release()
			return nil, errors.Wrapf(err, "postgres provider: create %s", table)
		}
	}

	every := cfg.ExpiryCheck
	if every == 0 {
		every = time.Minute
	}
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	if every > 0 {
		p.wg.Add(1)
		go p.janitor(jctx, every)
	}
	return p, nil
}

// tableIdent quotes each dot-separated part of name.
func tableIdent(name string) string {
	if name == "" {
		name = defaultTable
	}
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func (p *Provider) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Provider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := p.bound(ctx)
	defer cancel()

	var value []byte
	err := p.db.QueryRow(qctx, p.getSQL, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "postgres provider: get %s", key)
	}
	return value, true, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	qctx, cancel := p.bound(ctx)
	defer cancel()

	var expiresAt *time.Time
	if ttl > 0 {
		at := time.Now().Add(ttl)
		expiresAt = &at
	}
	if _, err := p.db.Exec(qctx, p.setSQL, key, value, expiresAt); err != nil {
		return false, errors.Wrapf(err, "postgres provider: set %s", key)
	}
	return true, nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	qctx, cancel := p.bound(ctx)
	defer cancel()
	if _, err := p.db.Exec(qctx, p.delSQL, key); err != nil {
		return errors.Wrapf(err, "postgres provider: del %s", key)
	}
	return nil
}

// Sweep deletes expired rows now and reports how many went.
func (p *Provider) Sweep(ctx context.Context) (int64, error) {
	qctx, cancel := p.bound(ctx)
	defer cancel()
	tag, err := p.db.Exec(qctx, p.sweepSQL)
	if err != nil {
		return 0, errors.Wrap(err, "postgres provider: sweep")
	}
	return tag.RowsAffected(), nil
}

func (p *Provider) Close(_ context.Context) error {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.release()
	})
	return nil
}

func (p *Provider) release() {
	if p.closeDB != nil {
		p.closeDB()
	}
}

func (p *Provider) janitor(ctx context.Context, every time.Duration) {
	defer p.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = p.Sweep(ctx)
		}
	}
}
