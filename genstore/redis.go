package genstore

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Redis shares generations across processes. With a TTL set, idle counters
// expire; readers then see 0 and older records self-heal as misses.
type Redis struct {
	rdb         redis.UniversalClient
	ns          string
	ttl         time.Duration
	closeClient bool
}

var _ GenStore = (*Redis)(nil)

type RedisConfig struct {
	Client redis.UniversalClient
	// Namespace should match the persistence namespace.
	Namespace string
	// TTL refreshed on every bump; 0 disables expiry.
	TTL time.Duration
	// CloseClient closes Client on Close.
	CloseClient bool
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.New("genstore: nil redis client")
	}
	return &Redis{rdb: cfg.Client, ns: cfg.Namespace, ttl: cfg.TTL, closeClient: cfg.CloseClient}, nil
}

func (s *Redis) key(token string) string { return "qc:gen:" + s.ns + ":" + token }

func (s *Redis) Current(ctx context.Context, token string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(res)
}

func (s *Redis) CurrentMany(ctx context.Context, tokens []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}
	ks := make([]string, len(tokens))
	for i, t := range tokens {
		ks[i] = s.key(t)
	}
	vals, err := s.rdb.MGet(ctx, ks...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		var g uint64
		switch vv := v.(type) {
		case nil:
		case string:
			if g, err = parseGen(vv); err != nil {
				return nil, errors.Wrapf(err, "token %s", tokens[i])
			}
		default:
			return nil, errors.Newf("genstore: unexpected redis value %T for %s", v, tokens[i])
		}
		out[tokens[i]] = g
	}
	return out, nil
}

// Bump pipelines INCR and EXPIRE when a TTL is configured.
func (s *Redis) Bump(ctx context.Context, token string) (uint64, error) {
	k := s.key(token)
	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, k).Result()
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	}

	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

func (s *Redis) Prune(time.Duration) {}

func (s *Redis) Close(_ context.Context) error {
	if s.closeClient {
		return s.rdb.Close()
	}
	return nil
}

func parseGen(s string) (uint64, error) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "genstore: parse generation")
	}
	return u, nil
}
