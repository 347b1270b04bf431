// Package session connects to the remote browser endpoint and hands out
// bounded, lifetime limited sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/internal/browser"
)

// Session is one remote browser connection with an active page.
type Session struct {
	id      string
	logger  *zap.Logger
	conn    connection
	life    context.Context
	endLife context.CancelFunc
	opened  time.Time
	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var _ browser.Session = (*Session)(nil)

func newSession(id string, conn connection, life context.Context, endLife context.CancelFunc, logger *zap.Logger, onClose func()) *Session {
	return &Session{
		id:      id,
		logger:  logger,
		conn:    conn,
		life:    life,
		endLife: endLife,
		opened:  time.Now(),
		onClose: onClose,
	}
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// Page returns the currently active page.
func (s *Session) Page() browser.Page {
	return s.conn.Page()
}

// usable reports why the session can no longer be driven, if it cannot.
func (s *Session) usable() error {
	s.mu.Lock()
	closed := s.isClosed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: session %s is closed", browser.ErrConnection, s.id)
	}
	if errors.Is(s.life.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: session %s exceeded its lifetime", browser.ErrSessionExpired, s.id)
	}
	return nil
}

func (s *Session) AdoptNewestTarget(ctx context.Context) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	switched, err := s.conn.AdoptNewest(ctx)
	if err != nil && errors.Is(s.life.Err(), context.DeadlineExceeded) {
		return false, fmt.Errorf("%w: %w", browser.ErrSessionExpired, err)
	}
	return switched, err
}

// Close terminates the remote connection and returns the slot. It is safe to
// call more than once; only the first call does anything. If ctx ends before
// the remote side acknowledges, the slot is still returned.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	defer func() {
		s.endLife()
		if s.onClose != nil {
			s.onClose()
		}
		s.logger.Debug("Browser session closed.", zap.Duration("held", time.Since(s.opened)))
	}()

	done := make(chan error, 1)
	go func() { done <- s.conn.Close() }()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("Remote browser did not close cleanly.", zap.Error(err))
			return fmt.Errorf("failed to close session %s: %w", s.id, err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Warn("Gave up waiting for remote browser to close.", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
