// Package s3 persists records as objects in an S3 bucket (aws-sdk-go-v2).
// Latency is far higher than Redis; it fits long-lived query data that
// should outlive every process, such as slow report queries.
package s3

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"

	pr "github.com/unkn0wn-root/querycache/provider"
)

// expiresMeta holds the record deadline in unix nanoseconds. S3 returns
// user metadata keys lowercased.
const expiresMeta = "qc-expires-at"

// API is the subset of *s3.Client the provider calls.
type API interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

type Config struct {
	Client API
	Bucket string
	// Prefix is prepended to every storage key, e.g. "cache/".
	Prefix string
	// OpTimeout bounds each request; 0 => 10s.
	OpTimeout time.Duration
	// MaxObjectBytes refuses larger writes (ok=false) and treats larger
	// reads as misses; 0 => no limit.
	MaxObjectBytes int64
	// Now defaults to time.Now.
	Now func() time.Time
}

type Provider struct {
	api     API
	bucket  string
	prefix  string
	timeout time.Duration
	max     int64
	now     func() time.Time
}

var _ pr.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.Client == nil {
		return nil, errors.New("s3 provider: nil client")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 provider: bucket is required")
	}
	p := &Provider{
		api:     cfg.Client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: cfg.OpTimeout,
		max:     cfg.MaxObjectBytes,
		now:     cfg.Now,
	}
	if p.timeout <= 0 {
		p.timeout = 10 * time.Second
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// NewClient builds an S3 client from the shared AWS config chain
// (environment, profile, IMDS). optFns adjust the loaded config, for example
// awsconfig.WithRegion.
func NewClient(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (*awss3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errors.Wrap(err, "s3 provider: load aws config")
	}
	return awss3.NewFromConfig(cfg), nil
}

func (p *Provider) object(key string) *string { return aws.String(p.prefix + key) }

func (p *Provider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.api.GetObject(ctx, &awss3.GetObjectInput{Bucket: aws.String(p.bucket), Key: p.object(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "s3 provider: get %s", key)
	}
	defer out.Body.Close()

	if at, ok := out.Metadata[expiresMeta]; ok {
		ns, perr := strconv.ParseInt(at, 10, 64)
		if perr == nil && p.now().UnixNano() >= ns {
			_, _ = p.api.DeleteObject(ctx, &awss3.DeleteObjectInput{Bucket: aws.String(p.bucket), Key: p.object(key)})
			return nil, false, nil
		}
	}

	body := io.Reader(out.Body)
	if p.max > 0 {
		if n := aws.ToInt64(out.ContentLength); n > p.max {
			return nil, false, nil
		}
		body = io.LimitReader(out.Body, p.max+1)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, false, errors.Wrapf(err, "s3 provider: read %s", key)
	}
	if p.max > 0 && int64(len(b)) > p.max {
		return nil, false, nil
	}
	return b, true, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if p.max > 0 && int64(len(value)) > p.max {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	in := &awss3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           p.object(key),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("application/octet-stream"),
	}
	if ttl > 0 {
		in.Metadata = map[string]string{
			expiresMeta: strconv.FormatInt(p.now().Add(ttl).UnixNano(), 10),
		}
	}
	if _, err := p.api.PutObject(ctx, in); err != nil {
		return false, errors.Wrapf(err, "s3 provider: put %s", key)
	}
	return true, nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.api.DeleteObject(ctx, &awss3.DeleteObjectInput{Bucket: aws.String(p.bucket), Key: p.object(key)})
	if err != nil {
		return errors.Wrapf(err, "s3 provider: del %s", key)
	}
	return nil
}

func (p *Provider) Close(context.Context) error { return nil }
