// Package redis stores persisted query records in Redis so every process of
// a deployment restores from, and invalidates, the same records.
package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/querycache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

type Config struct {
	Client goredis.UniversalClient
	// CloseClient hands ownership of Client to the provider.
	CloseClient bool
	// OpTimeout bounds every command on top of the caller's context, so a
	// slow Redis delays a fetch by at most this much. 0 => no bound.
	OpTimeout time.Duration
	// Unlink deletes with UNLINK, freeing large records off the Redis main
	// thread.
	Unlink bool
}

type Provider struct {
	rdb         goredis.UniversalClient
	closeClient bool
	timeout     time.Duration
	unlink      bool
}

var _ pr.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Provider{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		timeout:     cfg.OpTimeout,
		unlink:      cfg.Unlink,
	}, nil
}

func (p *Provider) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Provider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	b, err := p.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Wrapf(err, "redis provider: get %s", key)
	}
	return b, true, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if err := p.rdb.Set(ctx, key, value, max(ttl, 0)).Err(); err != nil {
		return false, errors.Wrapf(err, "redis provider: set %s", key)
	}
	return true, nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	var err error
	if p.unlink {
		err = p.rdb.Unlink(ctx, key).Err()
	} else {
		err = p.rdb.Del(ctx, key).Err()
	}
	return errors.Wrapf(err, "redis provider: delete %s", key)
}

// Close releases the client only when the provider owns it. Safe to call
// more than once.
func (p *Provider) Close(context.Context) error {
	if !p.closeClient {
		return nil
	}
	if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
