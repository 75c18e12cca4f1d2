// Package scheduler runs the periodic wait-timeout sweep that fails runs
// whose user input never arrived.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowchat/pkg/schema"
)

// DefaultSpec sweeps twice a minute.
const DefaultSpec = "@every 30s"

// WaitExpirer is the interface the sweeper uses to expire waits.
// Satisfied by the engine (avoids import cycle).
type WaitExpirer interface {
	ExpireWaits(ctx context.Context, now time.Time) int
}

// Config configures a Sweeper.
type Config struct {
	Spec   string // cron spec or descriptor; empty means DefaultSpec
	Logger *slog.Logger
	Now    func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a usable sweep schedule.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid sweep schedule %q: %v", spec, err).WithCause(err)
	}
	return nil
}

// Sweeper expires timed-out input waits on a cron schedule.
type Sweeper struct {
	expirer  WaitExpirer
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron

	sweeping atomic.Bool
	sweeps   atomic.Int64
	expired  atomic.Int64
}

// NewSweeper creates a Sweeper. The schedule is parsed up front so a bad
// spec fails at startup rather than silently never firing.
func NewSweeper(expirer WaitExpirer, cfg Config) (*Sweeper, error) {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	schedule, err := parser.Parse(cfg.Spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid sweep schedule %q: %v", cfg.Spec, err).WithCause(err)
	}
	return &Sweeper{
		expirer:  expirer,
		schedule: schedule,
		spec:     cfg.Spec,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Start launches the background sweep loop. ctx bounds every sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.Sweep(ctx) }))
	c.Start()
	s.cron = c

	s.logger.Info("wait sweeper started", slog.String("schedule", s.spec))
	return nil
}

// Sweep expires every wait whose deadline has passed and returns how many
// runs it failed. A sweep that starts while another is in flight is
// skipped.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if !s.sweeping.CompareAndSwap(false, true) {
		return 0 // already sweeping
	}
	defer s.sweeping.Store(false)

	n := s.expirer.ExpireWaits(ctx, s.now())
	s.sweeps.Add(1)
	s.expired.Add(int64(n))
	if n > 0 {
		s.logger.Info("input waits expired", slog.Int("count", n))
	}
	return n
}

// NextSweep returns when the schedule fires next after from.
func (s *Sweeper) NextSweep(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Stats returns counters for the metrics endpoint.
func (s *Sweeper) Stats() map[string]any {
	return map[string]any{
		"schedule": s.spec,
		"sweeps":   s.sweeps.Load(),
		"expired":  s.expired.Load(),
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}
	<-s.cron.Stop().Done()
	s.cron = nil

	s.logger.Info("wait sweeper stopped")
	return nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
