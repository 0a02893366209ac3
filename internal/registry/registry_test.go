package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeiq/agent/internal/adapter/router"
	"github.com/routeiq/agent/internal/domain"
)

// countingProvider fakes router.Provider and counts negotiations.
type countingProvider struct {
	negotiations int64
	err          error
	delay        time.Duration
}

func (p *countingProvider) Negotiate(ctx context.Context, userID string) (*router.Connection, error) {
	atomic.AddInt64(&p.negotiations, 1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return router.NewStaticConnection("rs-"+userID, "http://mcp.test/"+userID, nil, nil), nil
}

func TestResolveCachesConnection(t *testing.T) {
	p := &countingProvider{}
	r := New(p, time.Hour, 10)

	c1, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	c2, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.EqualValues(t, 1, atomic.LoadInt64(&p.negotiations))
}

func TestResolveCollapsesConcurrentCallers(t *testing.T) {
	p := &countingProvider{delay: 50 * time.Millisecond}
	r := New(p, time.Hour, 10)

	const callers = 8
	conns := make([]*router.Connection, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Resolve(context.Background(), "u1")
			require.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&p.negotiations))
	for i := 1; i < callers; i++ {
		assert.Same(t, conns[0], conns[i])
	}
}

func TestResolveErrorNotCached(t *testing.T) {
	p := &countingProvider{err: fmt.Errorf("%w: router down", domain.ErrProviderUnavailable)}
	r := New(p, time.Hour, 10)

	_, err := r.Resolve(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Zero(t, r.Len())

	// A later call negotiates again instead of replaying the failure.
	p.err = nil
	_, err = r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&p.negotiations))
}

func TestResolveExpiredRenegotiates(t *testing.T) {
	p := &countingProvider{}
	r := New(p, 10*time.Millisecond, 10)

	_, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&p.negotiations))
}

func TestMaxSizeEvictsLRU(t *testing.T) {
	p := &countingProvider{}
	r := New(p, time.Hour, 2)

	_, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "u2")
	require.NoError(t, err)

	// Touch u1 so u2 becomes the LRU entry.
	_, err = r.Resolve(context.Background(), "u1")
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "u3")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	// u2 was evicted, u1 survived.
	before := atomic.LoadInt64(&p.negotiations)
	_, err = r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, before, atomic.LoadInt64(&p.negotiations))

	_, err = r.Resolve(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, before+1, atomic.LoadInt64(&p.negotiations))
}

func TestInvalidate(t *testing.T) {
	p := &countingProvider{}
	r := New(p, time.Hour, 10)

	_, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	r.Invalidate("u1")
	assert.Zero(t, r.Len())

	_, err = r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&p.negotiations))
}
