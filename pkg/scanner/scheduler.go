package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	DefaultTickInterval     = 30 * time.Second
	DefaultActiveInterval   = 2 * time.Minute
	DefaultInactiveInterval = 15 * time.Minute
	DefaultMaxConcurrency   = 4
	DefaultLockTTL          = 5 * time.Minute

	// LockKeyPrefix is the prefix for namespace scan locks
	LockKeyPrefix = "scanner:namespace:"
)

// Mode is a namespace's polling mode.
type Mode string

const (
	ModeActive   Mode = "active"
	ModeInactive Mode = "inactive"
)

// NamespaceScanner scans one namespace.
type NamespaceScanner interface {
	ScanNamespace(ctx context.Context, namespaceID uuid.UUID) (int, error)
}

// NamespaceLister lists the namespaces to poll.
type NamespaceLister interface {
	ListActive(ctx context.Context) ([]models.Namespace, error)
}

// Locker guards a namespace scan across instances. *redis.Locker satisfies it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	// TickInterval is how often due namespaces are checked
	TickInterval time.Duration

	// ActiveInterval is the rescan delay after a scan found new records
	ActiveInterval time.Duration

	// InactiveInterval is the rescan delay after a scan found nothing
	InactiveInterval time.Duration

	MaxConcurrency int
	LockTTL        time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ActiveInterval <= 0 {
		c.ActiveInterval = DefaultActiveInterval
	}
	if c.InactiveInterval <= 0 {
		c.InactiveInterval = DefaultInactiveInterval
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
}

type namespaceState struct {
	mode     Mode
	nextScan time.Time
}

// Scheduler periodically scans namespaces, polling busy namespaces more
// often than quiet ones.
type Scheduler struct {
	scanner    NamespaceScanner
	namespaces NamespaceLister
	locker     Locker
	config     SchedulerConfig
	logger     ectologger.Logger
	now        func() time.Time

	stateMu sync.Mutex
	states  map[uuid.UUID]*namespaceState

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler. locker may be nil for single-instance
// deployments.
func NewScheduler(
	scanner NamespaceScanner,
	namespaces NamespaceLister,
	locker Locker,
	config SchedulerConfig,
	logger ectologger.Logger,
) *Scheduler {
	config.applyDefaults()

	return &Scheduler{
		scanner:    scanner,
		namespaces: namespaces,
		locker:     locker,
		config:     config,
		logger:     logger,
		now:        time.Now,
		states:     make(map[uuid.UUID]*namespaceState),
		stopCh:     make(chan struct{}),
		stoppedC:   make(chan struct{}),
	}
}

// SetClock replaces the time source. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting scan scheduler: tick=%s active=%s inactive=%s concurrency=%d",
		s.config.TickInterval, s.config.ActiveInterval, s.config.InactiveInterval, s.config.MaxConcurrency)

	go s.pollLoop(ctx)
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scan scheduler...")

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scan scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scan scheduler shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Scan scheduler loop stopping")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle scans every due namespace once and waits for the scans to finish.
func (s *Scheduler) RunCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunCycle")
	defer span.End()

	start := time.Now()
	active, err := s.namespaces.ListActive(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list active namespaces")
		return
	}

	due := s.dueNamespaces(active)
	if len(due) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(s.config.MaxConcurrency)
	for _, namespaceID := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.scanOne(ctx, namespaceID)
			return nil
		})
	}
	_ = g.Wait()

	metrics.NamespacesActive.Set(float64(s.countActive()))
	s.logger.WithContext(ctx).Debugf("Scan cycle completed: due=%d duration=%s", len(due), time.Since(start))
}

// dueNamespaces registers new namespaces, forgets deactivated ones, and
// returns the ids whose next scan time has passed.
func (s *Scheduler) dueNamespaces(active []models.Namespace) []uuid.UUID {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	now := s.now()
	seen := make(map[uuid.UUID]struct{}, len(active))
	var due []uuid.UUID
	for _, ns := range active {
		seen[ns.ID] = struct{}{}
		state, ok := s.states[ns.ID]
		if !ok {
			state = &namespaceState{mode: ModeActive, nextScan: now}
			s.states[ns.ID] = state
		}
		if !state.nextScan.After(now) {
			due = append(due, ns.ID)
		}
	}
	for id := range s.states {
		if _, ok := seen[id]; !ok {
			delete(s.states, id)
		}
	}
	return due
}

func (s *Scheduler) scanOne(ctx context.Context, namespaceID uuid.UUID) {
	var found int
	scan := func(ctx context.Context) error {
		n, err := s.scanner.ScanNamespace(ctx, namespaceID)
		found = n
		return err
	}

	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, LockKeyPrefix+namespaceID.String(), s.config.LockTTL, scan)
	} else {
		err = scan(ctx)
	}

	log := s.logger.WithContext(ctx).WithField("namespace_id", namespaceID)
	switch {
	case errors.Is(err, redis.ErrLockNotAcquired), errors.Is(err, ErrScanInProgress):
		log.Debug("Namespace scan already running elsewhere")
	case err != nil:
		log.WithError(err).Warn("Namespace scan failed")
	}

	s.advance(namespaceID, found, err)
}

// advance moves the namespace's interval state machine after a scan.
// Detections switch to active polling, an empty scan to inactive polling,
// and a failed scan keeps the current mode.
func (s *Scheduler) advance(namespaceID uuid.UUID, found int, err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	state, ok := s.states[namespaceID]
	if !ok {
		return
	}
	if err == nil {
		if found > 0 {
			state.mode = ModeActive
		} else {
			state.mode = ModeInactive
		}
	}

	interval := s.config.InactiveInterval
	if state.mode == ModeActive {
		interval = s.config.ActiveInterval
	}
	state.nextScan = s.now().Add(interval)
}

// State returns the namespace's polling mode and next scan time.
func (s *Scheduler) State(namespaceID uuid.UUID) (Mode, time.Time, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	state, ok := s.states[namespaceID]
	if !ok {
		return "", time.Time{}, false
	}
	return state.mode, state.nextScan, true
}

func (s *Scheduler) countActive() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	n := 0
	for _, state := range s.states {
		if state.mode == ModeActive {
			n++
		}
	}
	return n
}
