// FILE: ./internal/humanoid/mocks_test.go
package humanoid

import (
	"context"
	"sync"
	"time"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
)

// mockExecutor records everything the Humanoid asks of it.
type mockExecutor struct {
	mu               sync.Mutex
	dispatchedEvents []schemas.MouseEventData
	insertedText     []string
	sleepDurations   []time.Duration

	// Overrides replace the default behavior; they may call the Default* methods.
	// They must not touch Humanoid state, since the caller holds its lock.
	MockDispatchMouseEvent func(ctx context.Context, data schemas.MouseEventData) error
	MockSleep              func(ctx context.Context, d time.Duration) error
	MockInsertText         func(ctx context.Context, text string) error
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{}
}

func (m *mockExecutor) DispatchMouseEvent(ctx context.Context, data schemas.MouseEventData) error {
	if m.MockDispatchMouseEvent != nil {
		return m.MockDispatchMouseEvent(ctx, data)
	}
	return m.DefaultDispatchMouseEvent(ctx, data)
}

// DefaultDispatchMouseEvent always records the event, even for a cancelled
// context, so cleanup releases are visible to assertions.
func (m *mockExecutor) DefaultDispatchMouseEvent(ctx context.Context, data schemas.MouseEventData) error {
	m.mu.Lock()
	m.dispatchedEvents = append(m.dispatchedEvents, data)
	m.mu.Unlock()
	return ctx.Err()
}

func (m *mockExecutor) Sleep(ctx context.Context, d time.Duration) error {
	if m.MockSleep != nil {
		return m.MockSleep(ctx, d)
	}
	return m.DefaultSleep(ctx, d)
}

func (m *mockExecutor) DefaultSleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	m.sleepDurations = append(m.sleepDurations, d)
	m.mu.Unlock()
	return nil
}

func (m *mockExecutor) InsertText(ctx context.Context, text string) error {
	if m.MockInsertText != nil {
		return m.MockInsertText(ctx, text)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	m.insertedText = append(m.insertedText, text)
	m.mu.Unlock()
	return nil
}

func (m *mockExecutor) events() []schemas.MouseEventData {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schemas.MouseEventData, len(m.dispatchedEvents))
	copy(out, m.dispatchedEvents)
	return out
}

func (m *mockExecutor) sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleepDurations))
	copy(out, m.sleepDurations)
	return out
}

func (m *mockExecutor) typed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.insertedText))
	copy(out, m.insertedText)
	return out
}

// dispatcherOnly implements InputDispatcher but not Executor.
type dispatcherOnly struct {
	events []schemas.MouseEventData
}

func (d *dispatcherOnly) DispatchMouseEvent(_ context.Context, data schemas.MouseEventData) error {
	d.events = append(d.events, data)
	return nil
}

func (d *dispatcherOnly) InsertText(context.Context, string) error { return nil }
