// Package service drives conversation turns: it owns session lifecycle,
// history replay, the model round loop and tool dispatch, and emits the
// ordered event stream the transport layer encodes.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/routeiq/agent/internal/adapter/crm"
	"github.com/routeiq/agent/internal/adapter/llm"
	"github.com/routeiq/agent/internal/domain"
	"github.com/routeiq/agent/internal/registry"
	"github.com/routeiq/agent/internal/store"
	"github.com/routeiq/agent/policy"
)

// Emitter receives orchestrator events in emission order. The transport layer
// implements it with an SSE encoder; tests use an in-memory collector.
type Emitter interface {
	Emit(event domain.StreamEvent) error
}

// Options bundles the collaborators and limits for a Service.
type Options struct {
	Store       store.Store
	Model       llm.ModelClient
	CRM         crm.API
	Connections *registry.Registry
	Policy      *policy.Engine

	ModelName     string
	MaxToolRounds int
	ToolTimeout   time.Duration
	TurnTimeout   time.Duration
	SessionTTL    time.Duration
}

// Service is the orchestrator facade.
type Service struct {
	store       store.Store
	model       llm.ModelClient
	crm         crm.API
	connections *registry.Registry
	policy      *policy.Engine

	modelName     string
	maxToolRounds int
	toolTimeout   time.Duration
	turnTimeout   time.Duration
	sessionTTL    time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Service.
func New(opts Options) *Service {
	maxRounds := opts.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 4
	}
	return &Service{
		store:         opts.Store,
		model:         opts.Model,
		crm:           opts.CRM,
		connections:   opts.Connections,
		policy:        opts.Policy,
		modelName:     opts.ModelName,
		maxToolRounds: maxRounds,
		toolTimeout:   opts.ToolTimeout,
		turnTimeout:   opts.TurnTimeout,
		sessionTTL:    opts.SessionTTL,
		locks:         make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing turns for one session. Locks are
// never removed; sessions are bounded by the TTL sweep and each lock is tiny.
func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if m, ok := s.locks[sessionID]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.locks[sessionID] = m
	return m
}

// GetSession loads a session with its transcript. Returns
// domain.ErrSessionNotFound for unknown or expired ids.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, []domain.Message, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil || sess.Expired(time.Now()) {
		return nil, nil, domain.ErrSessionNotFound
	}
	messages, err := s.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, nil, err
	}
	return sess, messages, nil
}

// ListMessages returns the session transcript in replay order, newest last.
func (s *Service) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Expired(time.Now()) {
		return nil, domain.ErrSessionNotFound
	}
	return s.store.ListMessages(ctx, sessionID, limit)
}
