// Package testutil holds helpers shared by the mailer's package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// FakeClock stands in for time.Now in components that take an injectable
// clock, such as the dispatcher and scheduler. Advancing it makes backed-off
// jobs due without sleeping in tests.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NowFunc returns a function a component's clock field can be set to. The
// returned function observes later Advance calls.
func (c *FakeClock) NowFunc() func() time.Time {
	return c.Now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context that expires after 5 seconds and is
// cancelled when the test finishes, so a wedged store call fails the test
// instead of hanging the run.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses s, panicking on malformed input. Test fixtures use
// it for hard-coded IDs.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}
