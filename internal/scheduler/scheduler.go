package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agrihedge/hedgecore/internal/settlement"
)

// Sweeper is the slice of the settlement engine the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context, today time.Time) (settlement.SweepReport, error)
}

// Config controls sweep cadence.
type Config struct {
	// Interval between sweep runs. Production deployments run daily;
	// defaults to 24h.
	Interval time.Duration

	// RunOnStart triggers one sweep immediately when the scheduler
	// starts, catching contracts that matured while the engine was down.
	RunOnStart bool

	Logger *zap.Logger
}

// Scheduler periodically runs the settlement sweep. A sweep skips
// contracts without prices rather than failing, so the scheduler never
// needs retry logic; the next tick picks the stragglers up.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	runFirst bool
	logger   *zap.Logger

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	done     sync.WaitGroup
}

// New creates a sweep scheduler.
func New(sweeper Sweeper, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: cfg.Interval,
		runFirst: cfg.RunOnStart,
		logger:   cfg.Logger,
	}
}

// Start launches the sweep loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.shutdown = make(chan struct{})

	s.done.Add(1)
	go s.loop(s.shutdown)

	s.logger.Info("settlement scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.shutdown)
	s.mu.Unlock()

	s.done.Wait()
	s.logger.Info("settlement scheduler stopped")
}

func (s *Scheduler) loop(shutdown chan struct{}) {
	defer s.done.Done()

	if s.runFirst {
		s.runSweep(shutdown)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			s.runSweep(shutdown)
		}
	}
}

func (s *Scheduler) runSweep(shutdown chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	report, err := s.sweeper.Sweep(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled sweep finished",
		zap.Int("settled", report.Settled),
		zap.Int("skipped_missing_price", report.SkippedMissingPrice),
		zap.Int("total_candidates", report.TotalCandidates))
}
