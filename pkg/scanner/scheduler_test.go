package scanner_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/scanner"
)

type fakeScanner struct {
	mu      sync.Mutex
	results map[uuid.UUID]int
	errs    map[uuid.UUID]error
	calls   map[uuid.UUID]int
	delay   time.Duration

	current atomic.Int32
	peak    atomic.Int32
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{
		results: make(map[uuid.UUID]int),
		errs:    make(map[uuid.UUID]error),
		calls:   make(map[uuid.UUID]int),
	}
}

func (f *fakeScanner) ScanNamespace(_ context.Context, namespaceID uuid.UUID) (int, error) {
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[namespaceID]++
	return f.results[namespaceID], f.errs[namespaceID]
}

func (f *fakeScanner) set(namespaceID uuid.UUID, found int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[namespaceID] = found
	f.errs[namespaceID] = err
}

func (f *fakeScanner) callCount(namespaceID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[namespaceID]
}

type staticNamespaces struct {
	mu   sync.Mutex
	list []models.Namespace
}

func (s *staticNamespaces) ListActive(context.Context) ([]models.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Namespace(nil), s.list...), nil
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, time.Duration, func(context.Context) error) error {
	return redis.ErrLockNotAcquired
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestScheduler_AdaptiveInterval(t *testing.T) {
	ctx := context.Background()
	ns := models.Namespace{ID: uuid.New(), Name: "primary", IsActive: true}
	fake := newFakeScanner()
	fake.set(ns.ID, 3, nil)

	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := scanner.NewScheduler(fake, &staticNamespaces{list: []models.Namespace{ns}}, nil, scanner.SchedulerConfig{}, getTestLogger())
	s.SetClock(c.now)

	s.RunCycle(ctx)
	assert.Equal(t, 1, fake.callCount(ns.ID), "new namespaces are due immediately")
	mode, next, ok := s.State(ns.ID)
	require.True(t, ok)
	assert.Equal(t, scanner.ModeActive, mode)
	assert.Equal(t, c.t.Add(scanner.DefaultActiveInterval), next)

	c.advance(time.Minute)
	s.RunCycle(ctx)
	assert.Equal(t, 1, fake.callCount(ns.ID), "not due yet")

	fake.set(ns.ID, 0, nil)
	c.advance(time.Minute)
	s.RunCycle(ctx)
	assert.Equal(t, 2, fake.callCount(ns.ID))
	mode, next, _ = s.State(ns.ID)
	assert.Equal(t, scanner.ModeInactive, mode)
	assert.Equal(t, c.t.Add(scanner.DefaultInactiveInterval), next)

	fake.set(ns.ID, 0, errors.New("broker down"))
	c.advance(scanner.DefaultInactiveInterval)
	s.RunCycle(ctx)
	assert.Equal(t, 3, fake.callCount(ns.ID))
	mode, _, _ = s.State(ns.ID)
	assert.Equal(t, scanner.ModeInactive, mode, "a failed scan keeps the current mode")

	fake.set(ns.ID, 1, nil)
	c.advance(scanner.DefaultInactiveInterval)
	s.RunCycle(ctx)
	mode, _, _ = s.State(ns.ID)
	assert.Equal(t, scanner.ModeActive, mode)
}

func TestScheduler_BoundedConcurrency(t *testing.T) {
	list := &staticNamespaces{}
	for i := 0; i < 10; i++ {
		list.list = append(list.list, models.Namespace{ID: uuid.New(), IsActive: true})
	}
	fake := newFakeScanner()
	fake.delay = 20 * time.Millisecond

	s := scanner.NewScheduler(fake, list, nil, scanner.SchedulerConfig{MaxConcurrency: 2}, getTestLogger())
	s.RunCycle(context.Background())

	for _, ns := range list.list {
		assert.Equal(t, 1, fake.callCount(ns.ID))
	}
	assert.LessOrEqual(t, fake.peak.Load(), int32(2))
}

func TestScheduler_LockHeldElsewhere(t *testing.T) {
	ns := models.Namespace{ID: uuid.New(), IsActive: true}
	fake := newFakeScanner()

	s := scanner.NewScheduler(fake, &staticNamespaces{list: []models.Namespace{ns}}, busyLocker{}, scanner.SchedulerConfig{}, getTestLogger())
	s.RunCycle(context.Background())

	assert.Equal(t, 0, fake.callCount(ns.ID))
	mode, _, ok := s.State(ns.ID)
	require.True(t, ok)
	assert.Equal(t, scanner.ModeActive, mode)
}

func TestScheduler_ForgetsDeactivatedNamespaces(t *testing.T) {
	ns := models.Namespace{ID: uuid.New(), IsActive: true}
	list := &staticNamespaces{list: []models.Namespace{ns}}
	s := scanner.NewScheduler(newFakeScanner(), list, nil, scanner.SchedulerConfig{}, getTestLogger())

	s.RunCycle(context.Background())
	_, _, ok := s.State(ns.ID)
	require.True(t, ok)

	list.mu.Lock()
	list.list = nil
	list.mu.Unlock()
	s.RunCycle(context.Background())
	_, _, ok = s.State(ns.ID)
	assert.False(t, ok)
}

func TestScheduler_StartStop(t *testing.T) {
	ns := models.Namespace{ID: uuid.New(), IsActive: true}
	fake := newFakeScanner()
	s := scanner.NewScheduler(fake, &staticNamespaces{list: []models.Namespace{ns}}, nil, scanner.SchedulerConfig{TickInterval: time.Hour}, getTestLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), scanner.ErrSchedulerAlreadyRunning)
	assert.Eventually(t, func() bool { return fake.callCount(ns.ID) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
}
