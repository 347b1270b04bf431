package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
)

// Manager hands out sessions against the remote endpoint, never more than
// MaxSessions at once.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	slots  *semaphore.Weighted
	active atomic.Int64
	wg     sync.WaitGroup
	dial   dialFunc
}

var _ browser.Provider = (*Manager)(nil)

// NewManager creates a manager. No connection is made until Acquire.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("browser.max_sessions must be greater than 0, got %d", cfg.MaxSessions)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("session_manager"),
		slots:  semaphore.NewWeighted(int64(cfg.MaxSessions)),
		dial:   remoteDialer(cfg),
	}, nil
}

// Acquire opens a new session or fails fast with ErrSessionUnavailable when
// every slot is taken. Connection failures wrap ErrConnection.
func (m *Manager) Acquire(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.slots.TryAcquire(1) {
		return nil, fmt.Errorf("%w: all %d slots in use", browser.ErrSessionUnavailable, m.cfg.MaxSessions)
	}

	id := uuid.NewString()
	logger := m.logger.With(zap.String("session_id", id))

	life, endLife := context.WithTimeout(Detach(ctx), m.cfg.SessionLifetime)
	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dial(life, connectCtx, logger)
	if err != nil {
		endLife()
		m.slots.Release(1)
		logger.Warn("Could not open remote browser session.", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", browser.ErrConnection, err)
	}

	m.active.Add(1)
	m.wg.Add(1)
	logger.Info("Browser session opened.", zap.Int64("active", m.active.Load()))

	return newSession(id, conn, life, endLife, logger, func() {
		m.active.Add(-1)
		m.slots.Release(1)
		m.wg.Done()
	}), nil
}

// Active is the number of sessions acquired and not yet closed.
func (m *Manager) Active() int {
	return int(m.active.Load())
}

// Wait blocks until every session has been closed or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d browser sessions still open: %w", m.Active(), ctx.Err())
	}
}
