package mocks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/cpauline9999-sketch/Ff5/internal/browser"
)

// Session is an in-memory browser.Session. Pending pages are handed out, in
// order, by AdoptNewestTarget.
type Session struct {
	id      string
	onClose func()

	mu      sync.Mutex
	page    browser.Page
	pending []browser.Page
	closed  int
}

var _ browser.Session = (*Session)(nil)

// NewSession creates a session whose active page is page.
func NewSession(id string, page browser.Page) *Session {
	return &Session{id: id, page: page}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Page() browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// OpenTab queues a page as if the site had opened a new tab.
func (s *Session) OpenTab(p browser.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, p)
}

func (s *Session) AdoptNewestTarget(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return false, ctx.Err()
	}
	s.page = s.pending[len(s.pending)-1]
	s.pending = nil
	return true, nil
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed++
	first := s.closed == 1
	s.mu.Unlock()
	if first && s.onClose != nil {
		s.onClose()
	}
	return nil
}

// Closed reports how many times Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Provider hands out pre-built sessions and counts the ones still open.
type Provider struct {
	mu       sync.Mutex
	sessions []*Session
	next     int
	active   atomic.Int32
	acquired atomic.Int32

	// Err, when set, is returned by Acquire instead of a session.
	Err error
}

var _ browser.Provider = (*Provider)(nil)

// NewProvider returns a provider serving one session per page.
func NewProvider(pages ...browser.Page) *Provider {
	p := &Provider{}
	for i, page := range pages {
		p.sessions = append(p.sessions, NewSession(fmt.Sprintf("session-%d", i+1), page))
	}
	return p
}

func (p *Provider) Acquire(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.sessions) {
		return nil, browser.ErrSessionUnavailable
	}
	s := p.sessions[p.next]
	p.next++
	p.active.Add(1)
	p.acquired.Add(1)
	s.onClose = func() { p.active.Add(-1) }
	return s, nil
}

func (p *Provider) Active() int { return int(p.active.Load()) }

// Acquired is the total number of successful Acquire calls.
func (p *Provider) Acquired() int { return int(p.acquired.Load()) }

// Session returns the i-th prepared session.
func (p *Provider) Session(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[i]
}

// MockProvider is a testify mock of browser.Provider.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Acquire(ctx context.Context) (browser.Session, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(browser.Session)
	return s, args.Error(1)
}

func (m *MockProvider) Active() int {
	return m.Called().Int(0)
}
