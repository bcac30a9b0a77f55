package s3

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type object struct {
	body []byte
	meta map[string]string
}

// bucket is an in-memory API keyed by bucket/key.
type bucket struct {
	mu      sync.Mutex
	objects map[string]object
	deletes int
	err     error
}

func newBucket() *bucket { return &bucket{objects: map[string]object{}} }

func (b *bucket) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	o, ok := b.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("not found")}
	}
	return &awss3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(o.body)),
		ContentLength: aws.Int64(int64(len(o.body))),
		Metadata:      o.meta,
	}, nil
}

func (b *bucket) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = object{body: body, meta: in.Metadata}
	return &awss3.PutObjectOutput{}, nil
}

func (b *bucket) DeleteObject(_ context.Context, in *awss3.DeleteObjectInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.deletes++
	delete(b.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &awss3.DeleteObjectOutput{}, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newProvider(t *testing.T, cfg Config) (*Provider, *bucket, *fakeClock) {
	t.Helper()
	b := newBucket()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cfg.Client = b
	if cfg.Bucket == "" {
		cfg.Bucket = "cache"
	}
	cfg.Now = clk.now
	p, err := New(cfg)
	require.NoError(t, err)
	return p, b, clk
}

func TestRoundTripUnderPrefix(t *testing.T) {
	ctx := context.Background()
	p, b, _ := newProvider(t, Config{Prefix: "qc/"})

	_, ok, err := p.Get(ctx, "qc:test:missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Set(ctx, "qc:test:k", []byte{0, 1, 0xff}, 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, b.objects, "cache/qc/qc:test:k")
	assert.Nil(t, b.objects["cache/qc/qc:test:k"].meta)

	got, ok, err := p.Get(ctx, "qc:test:k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 1, 0xff}, got)

	require.NoError(t, p.Del(ctx, "qc:test:k"))
	require.NoError(t, p.Del(ctx, "qc:test:k"))
	_, ok, err = p.Get(ctx, "qc:test:k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredObjectIsAMissAndDeleted(t *testing.T) {
	ctx := context.Background()
	p, b, clk := newProvider(t, Config{})

	_, err := p.Set(ctx, "qc:test:k", []byte("v"), 0, time.Minute)
	require.NoError(t, err)

	clk.t = clk.t.Add(59 * time.Second)
	_, ok, err := p.Get(ctx, "qc:test:k")
	require.NoError(t, err)
	assert.True(t, ok)

	clk.t = clk.t.Add(time.Second)
	_, ok, err = p.Get(ctx, "qc:test:k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, b.deletes)
	assert.Empty(t, b.objects)
}

func TestMaxObjectBytes(t *testing.T) {
	ctx := context.Background()
	p, b, _ := newProvider(t, Config{MaxObjectBytes: 4})

	ok, err := p.Set(ctx, "qc:test:big", []byte("too large"), 0, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, b.objects)

	// written by someone without the limit
	b.objects["cache/qc:test:big"] = object{body: []byte("too large")}
	_, ok, err = p.Get(ctx, "qc:test:big")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	p, b, _ := newProvider(t, Config{})
	boom := errors.New("throttled")
	b.err = boom

	_, _, err := p.Get(ctx, "qc:test:k")
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "s3 provider: get qc:test:k")

	ok, err := p.Set(ctx, "qc:test:k", []byte("v"), 0, 0)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, boom))
	assert.True(t, errors.Is(p.Del(ctx, "qc:test:k"), boom))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Bucket: "b"})
	assert.Error(t, err)
	_, err = New(Config{Client: newBucket()})
	assert.Error(t, err)
}
