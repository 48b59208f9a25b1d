package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc executes one scheduled batch
type RunFunc func(ctx context.Context, cfg BatchConfig) error

// Scheduler manages scheduled batch runs
type Scheduler struct {
	configs map[string]BatchConfig
	parser  cron.Parser
	lastRun map[string]time.Time
	running map[string]bool
	logger  *zap.Logger
	now     func() time.Time
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewScheduler creates a new batch scheduler
func NewScheduler(configs []BatchConfig, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		configs: make(map[string]BatchConfig),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
		logger:  logger,
		now:     time.Now,
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		s.configs[cfg.Name] = cfg
		// the first run is the next cron slot after startup
		s.lastRun[cfg.Name] = s.now()
	}

	return s, nil
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled run time for a batch
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(s.now())
}

// ShouldRun returns true if a batch should run now
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return false
	}

	if s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return false
	}

	nextRun := sched.Next(s.lastRun[name])
	return !s.now().Before(nextRun)
}

// MarkRunning marks a batch as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a batch as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = s.now()
}

// GetConfig returns the config for a batch
func (s *Scheduler) GetConfig(name string) (BatchConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return cfg, ok
}

// ListBatches returns all batch names, sorted
func (s *Scheduler) ListBatches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs the scheduler loop until ctx is done, then waits for running
// batches to return
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, run)
		}
	}
}

// tick launches every due batch
func (s *Scheduler) tick(ctx context.Context, run RunFunc) {
	for _, name := range s.ListBatches() {
		if !s.ShouldRun(name) {
			continue
		}
		cfg, _ := s.GetConfig(name)
		s.MarkRunning(name)
		s.wg.Add(1)
		go func(c BatchConfig) {
			defer s.wg.Done()
			defer s.MarkComplete(c.Name)

			runCtx, cancel := context.WithTimeout(ctx, c.MaxDuration.Duration)
			defer cancel()

			s.logger.Info("starting scheduled batch", zap.String("batch", c.Name))
			if err := run(runCtx, c); err != nil {
				s.logger.Error("scheduled batch failed", zap.String("batch", c.Name), zap.Error(err))
			}
		}(cfg)
	}
}
