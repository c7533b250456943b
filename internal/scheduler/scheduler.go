// Package scheduler drives the two time-based subsystems spec.md §4.5
// describes: periodic cortex memory maintenance and cron job dispatch. Both
// run off one tick loop, grounded on the teacher's
// internal/channels/manager.go dispatch-goroutine shape (a single
// cancellable background loop reading a ticker) generalised from outbound
// dispatch to these two maintenance concerns, since the teacher carries no
// scheduler package of its own.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/conductor"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
)

// Store is the persistence surface the scheduler depends on.
type Store interface {
	EnabledCronJobs(ctx context.Context) ([]store.CronJob, error)
	TouchCronJob(ctx context.Context, name string, atMillis int64) error
	StartCronRun(ctx context.Context, jobName string) (int64, error)
	FinishCronRun(ctx context.Context, runID int64, status store.CronRunStatus, result string) error
	LoadTape(ctx context.Context, sessionID string) ([]providers.Message, bool, error)
	SaveTape(ctx context.Context, sessionID string, messages []providers.Message) error
	InsertAudit(ctx context.Context, e store.AuditEntry) error
	DeleteStaleMemories(ctx context.Context) (int64, error)
	DedupMemories(ctx context.Context) (int64, error)
	RecentTapes(ctx context.Context, sinceMillis int64, minMessages int) ([]store.TapeSummary, error)
	GetState(ctx context.Context, key string) (string, bool, error)
	HasState(ctx context.Context, key string) (bool, error)
	SetState(ctx context.Context, key, value string) error
	InsertMemory(ctx context.Context, e store.MemoryEntry) (int64, error)
}

// AgentFactory builds a fresh Agent for one-off scheduler-driven runs
// (cortex consolidation/indexing, cron dispatch), isolated from the single
// interactive Conductor instance so these background runs never contend
// for its turn lock. maxTurns caps the agent's own internal turn loop,
// which is out of scope for this package to enforce (spec.md §1 scopes the
// agent loop itself out) — it's passed through for the Agent implementation
// to honor.
type AgentFactory func(ctx context.Context, maxTurns int) (conductor.Agent, error)

// Config holds the scheduler's tunables (config.SchedulerConfig, narrowed
// to what the tick loop needs) plus optional status-feed hooks. Both hooks
// are nil-checked before use so the scheduler has no hard dependency on
// anything that observes it.
type Config struct {
	TickInterval   time.Duration
	CortexInterval time.Duration

	// OnTick, if set, fires once per tick after cron dispatch and any due
	// cortex run. Wired to webstatus.Server.PublishTick by cmd/serve.go
	// when the status feed is enabled.
	OnTick func()
	// OnCronRun, if set, fires after every cron job run with its outcome.
	// Wired to webstatus.Server.PublishCronResult by cmd/serve.go.
	OnCronRun func(jobName string, status store.CronRunStatus)
}

// Scheduler drives cortex maintenance and cron dispatch from one ticker.
type Scheduler struct {
	store        Store
	bus          *bus.MessageBus
	agentFactory AgentFactory
	cfg          Config
	gron         gronx.Gronx
	logger       *slog.Logger
	tracer       *tracing.Provider

	lastCortexRun time.Time
}

// New constructs a Scheduler. agentFactory is used for every background
// agent run this package makes (cortex consolidation/indexing, cron
// dispatch) — never the interactive Conductor's own agent. tracer may be
// nil, in which case the scheduler's runs simply go unspanned.
func New(st Store, msgBus *bus.MessageBus, agentFactory AgentFactory, cfg Config, logger *slog.Logger, tracer *tracing.Provider) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.CortexInterval <= 0 {
		cfg.CortexInterval = 6 * time.Hour
	}
	return &Scheduler{
		store:        st,
		bus:          msgBus,
		agentFactory: agentFactory,
		cfg:          cfg,
		gron:         gronx.New(),
		logger:       logger,
		tracer:       tracer,
	}
}

// Run blocks, ticking until ctx is cancelled. On every tick it dispatches
// due cron jobs and, if the cortex interval has elapsed, runs one round of
// memory maintenance.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "tick_interval", s.cfg.TickInterval, "cortex_interval", s.cfg.CortexInterval)

	s.bootstrapCortexClock(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.dispatchCron(ctx, now)

	if now.Sub(s.lastCortexRun) >= s.cfg.CortexInterval {
		s.runCortex(ctx)
		s.lastCortexRun = now
		if err := s.store.SetState(ctx, "cortex_last_run_millis", now.Format(time.RFC3339)); err != nil {
			s.logger.Warn("scheduler: failed to persist cortex clock", "err", err)
		}
	}

	if s.cfg.OnTick != nil {
		s.cfg.OnTick()
	}
}

// bootstrapCortexClock restores lastCortexRun from persisted state so a
// restart doesn't immediately re-run maintenance that already happened
// within the current interval.
func (s *Scheduler) bootstrapCortexClock(ctx context.Context) {
	v, ok, err := s.store.GetState(ctx, "cortex_last_run_millis")
	if err != nil || !ok {
		return
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		s.lastCortexRun = t
	}
}
