package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
)

type fakeConn struct {
	closes  atomic.Int32
	adopt   func(ctx context.Context) (bool, error)
	closeFn func() error
}

func (f *fakeConn) Page() browser.Page { return nil }

func (f *fakeConn) AdoptNewest(ctx context.Context) (bool, error) {
	if f.adopt != nil {
		return f.adopt(ctx)
	}
	return false, nil
}

func (f *fakeConn) Close() error {
	f.closes.Add(1)
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

func testBrowserConfig(max int) config.BrowserConfig {
	return config.BrowserConfig{
		WSEndpoint:        "wss://remote.example/devtools/browser/abc",
		ConnectTimeout:    time.Second,
		SessionLifetime:   time.Minute,
		MaxSessions:       max,
		NavigationTimeout: time.Second,
		DefaultTimeout:    time.Second,
	}
}

func newTestManager(t *testing.T, max int, dial dialFunc) *Manager {
	t.Helper()
	m, err := NewManager(testBrowserConfig(max), zaptest.NewLogger(t))
	require.NoError(t, err)
	m.dial = dial
	return m
}

func dialFake(conns *[]*fakeConn, mu *sync.Mutex) dialFunc {
	return func(life, connect context.Context, logger *zap.Logger) (connection, error) {
		c := &fakeConn{}
		mu.Lock()
		*conns = append(*conns, c)
		mu.Unlock()
		return c, nil
	}
}

func TestNewManagerRejectsZeroSlots(t *testing.T) {
	_, err := NewManager(testBrowserConfig(0), nil)
	assert.Error(t, err)
}

func TestAcquireAndClose(t *testing.T) {
	var conns []*fakeConn
	var mu sync.Mutex
	m := newTestManager(t, 1, dialFake(&conns, &mu))

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, 1, m.Active())

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()), "second close is a no-op")
	assert.Equal(t, 0, m.Active())
	require.Len(t, conns, 1)
	assert.Equal(t, int32(1), conns[0].closes.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Wait(ctx))
}

func TestAcquireFailsFastWhenSlotsTaken(t *testing.T) {
	var conns []*fakeConn
	var mu sync.Mutex
	m := newTestManager(t, 1, dialFake(&conns, &mu))

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	_, err = m.Acquire(context.Background())
	require.ErrorIs(t, err, browser.ErrSessionUnavailable)
	assert.True(t, browser.IsInfrastructure(err))
	assert.Equal(t, 1, m.Active())

	require.NoError(t, first.Close(context.Background()))
	second, err := m.Acquire(context.Background())
	require.NoError(t, err, "a closed session frees its slot")
	require.NoError(t, second.Close(context.Background()))
	assert.Equal(t, 0, m.Active())
}

func TestAcquireConcurrentNeverExceedsLimit(t *testing.T) {
	var conns []*fakeConn
	var mu sync.Mutex
	m := newTestManager(t, 2, dialFake(&conns, &mu))

	var (
		wg          sync.WaitGroup
		ok, refused atomic.Int32
		sessions    = make(chan browser.Session, 10)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(context.Background())
			if err != nil {
				if errors.Is(err, browser.ErrSessionUnavailable) {
					refused.Add(1)
				}
				return
			}
			ok.Add(1)
			sessions <- s
		}()
	}
	wg.Wait()
	close(sessions)

	assert.Equal(t, int32(2), ok.Load())
	assert.Equal(t, int32(8), refused.Load())
	for s := range sessions {
		require.NoError(t, s.Close(context.Background()))
	}
	assert.Equal(t, 0, m.Active())
}

func TestAcquireConnectionFailureReleasesSlot(t *testing.T) {
	refused := errors.New("dial tcp: connection refused")
	m := newTestManager(t, 1, func(life, connect context.Context, logger *zap.Logger) (connection, error) {
		return nil, refused
	})

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, browser.ErrConnection)
	require.ErrorIs(t, err, refused)
	assert.Equal(t, 0, m.Active())
	assert.True(t, m.slots.TryAcquire(1), "slot must be returned after a failed dial")
}

func TestAcquireHonorsCancelledContext(t *testing.T) {
	m := newTestManager(t, 1, func(life, connect context.Context, logger *zap.Logger) (connection, error) {
		t.Fatal("dial must not run")
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionLifetime(t *testing.T) {
	var life context.Context
	cfg := testBrowserConfig(1)
	cfg.SessionLifetime = 20 * time.Millisecond
	m, err := NewManager(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.dial = func(l, connect context.Context, logger *zap.Logger) (connection, error) {
		life = l
		return &fakeConn{}, nil
	}

	reqCtx, cancelReq := context.WithCancel(context.Background())
	s, err := m.Acquire(reqCtx)
	require.NoError(t, err)
	cancelReq()
	assert.NoError(t, life.Err(), "session outlives the acquiring request")

	require.Eventually(t, func() bool { return life.Err() != nil }, time.Second, 5*time.Millisecond)
	_, err = s.AdoptNewestTarget(context.Background())
	assert.ErrorIs(t, err, browser.ErrSessionExpired)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 0, m.Active())
}

func TestSessionAdoptAfterClose(t *testing.T) {
	conn := &fakeConn{adopt: func(context.Context) (bool, error) { return true, nil }}
	m := newTestManager(t, 1, func(life, connect context.Context, logger *zap.Logger) (connection, error) {
		return conn, nil
	})
	s, err := m.Acquire(context.Background())
	require.NoError(t, err)

	switched, err := s.AdoptNewestTarget(context.Background())
	require.NoError(t, err)
	assert.True(t, switched)

	require.NoError(t, s.Close(context.Background()))
	_, err = s.AdoptNewestTarget(context.Background())
	assert.ErrorIs(t, err, browser.ErrConnection)
}

func TestSessionCloseGivesUpOnContext(t *testing.T) {
	release := make(chan struct{})
	conn := &fakeConn{closeFn: func() error {
		<-release
		return nil
	}}
	m := newTestManager(t, 1, func(life, connect context.Context, logger *zap.Logger) (connection, error) {
		return conn, nil
	})
	s, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.Active(), "slot is returned even when the remote side hangs")
	close(release)
}

func TestWaitTimesOutWithOpenSessions(t *testing.T) {
	var conns []*fakeConn
	var mu sync.Mutex
	m := newTestManager(t, 1, dialFake(&conns, &mu))
	s, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx), context.DeadlineExceeded)
	require.NoError(t, s.Close(context.Background()))
}
