// Package registry caches live tool-router connections per user. Negotiating
// a routing session is expensive (REST call plus MCP handshake plus tool
// listing), so concurrent turns for the same user share one negotiation and
// later turns reuse the cached connection until it ages out.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/routeiq/agent/internal/adapter/router"
)

type entry struct {
	conn      *router.Connection
	createdAt time.Time
	lastUsed  time.Time
}

// Registry is the per-user connection cache.
type Registry struct {
	provider router.Provider
	ttl      time.Duration
	maxSize  int

	group singleflight.Group

	mu    sync.Mutex
	conns map[string]*entry
}

// New creates a connection registry. Entries expire ttl after creation; when
// the cache exceeds maxSize the least recently used entry is evicted.
func New(provider router.Provider, ttl time.Duration, maxSize int) *Registry {
	return &Registry{
		provider: provider,
		ttl:      ttl,
		maxSize:  maxSize,
		conns:    make(map[string]*entry),
	}
}

// Resolve returns the user's live connection, negotiating one if none is
// cached. Concurrent callers for the same user collapse into a single
// negotiation; all of them get the same connection or the same error.
func (r *Registry) Resolve(ctx context.Context, userID string) (*router.Connection, error) {
	if conn := r.cached(userID); conn != nil {
		return conn, nil
	}

	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have
		// populated the cache while we waited for the group lock.
		if conn := r.cached(userID); conn != nil {
			return conn, nil
		}

		conn, err := r.provider.Negotiate(ctx, userID)
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("user_id", userID).
			Str("router_session_id", conn.SessionID).
			Int("tools", len(conn.Tools)).
			Msg("negotiated routing session")
		r.store(userID, conn)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*router.Connection), nil
}

// cached returns the user's connection if present and not expired, bumping
// its recency.
func (r *Registry) cached(userID string) *router.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[userID]
	if !ok {
		return nil
	}
	if r.ttl > 0 && time.Since(e.createdAt) > r.ttl {
		delete(r.conns, userID)
		go e.conn.Close()
		return nil
	}
	e.lastUsed = time.Now()
	return e.conn
}

func (r *Registry) store(userID string, conn *router.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.conns[userID]; ok {
		go old.conn.Close()
	}
	now := time.Now()
	r.conns[userID] = &entry{conn: conn, createdAt: now, lastUsed: now}

	for r.maxSize > 0 && len(r.conns) > r.maxSize {
		r.evictOldest()
	}
}

// evictOldest drops the least recently used entry. Caller holds r.mu.
func (r *Registry) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range r.conns {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey = k
			oldest = e.lastUsed
		}
	}
	if oldestKey == "" {
		return
	}
	e := r.conns[oldestKey]
	delete(r.conns, oldestKey)
	go e.conn.Close()
	log.Debug().Str("user_id", oldestKey).Msg("evicted routing connection")
}

// Invalidate drops the user's cached connection, forcing the next Resolve to
// negotiate a fresh one. Used after upstream call failures that indicate the
// session died.
func (r *Registry) Invalidate(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[userID]; ok {
		delete(r.conns, userID)
		go e.conn.Close()
	}
}

// Len reports the number of cached connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close tears down every cached connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.conns {
		e.conn.Close()
		delete(r.conns, k)
	}
}
