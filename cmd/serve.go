package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agentloop"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/goclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/goclaw/internal/conductor"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/security"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
	"github.com/nextlevelbuilder/goclaw/internal/webstatus"
)

// runServe is the daemon's main entry point: load config, open the store,
// wire the security envelope, the conductor, the channel adapters, the
// scheduler, and the optional status feed, then drive the queue until
// interrupted. Grounded on the teacher's cmd/gateway.go top-level
// construction order, rewritten end to end against this daemon's own
// packages (the teacher's gateway wired a JSON-RPC server and an in-process
// tool registry that have no equivalent here).
func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Persistence.DBPath, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if n, err := st.RequeueStale(ctx); err != nil {
		logger.Warn("requeue stale entries failed", "err", err)
	} else if n > 0 {
		logger.Info("requeued stale in-flight entries after restart", "count", n)
	}

	tracer, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("start tracing: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	policy := security.NewPolicyEngine(cfg.Security)
	budget := security.NewBudgetTracker(cfg.Agent.Budget.MaxTokensPerDay, cfg.Agent.Budget.MaxTurnsPerSession)
	if err := budget.LoadFromDB(ctx, st); err != nil {
		logger.Warn("budget bootstrap from audit log failed", "err", err)
	}
	injection := security.NewInjectionDetector(cfg.Security.Injection)

	provider := buildProvider(cfg.Agent)

	workerFactory := func(ctx context.Context, workerName string) (conductor.Agent, error) {
		systemPrompt, err := resolveWorkerPrompt(ctx, st, cfg, workerName)
		if err != nil {
			return nil, err
		}
		return agentloop.New(provider, nil, systemPrompt), nil
	}

	mainAgent := agentloop.New(provider, nil, cfg.Agent.SystemPrompt)
	cond := conductor.New(st, mainAgent, policy, budget, injection, st, workerFactory, cfg.Agent, logger, tracer)

	msgBus := bus.NewMessageBus()
	manager := channels.NewManager(msgBus)
	if err := registerChannels(manager, cfg.Channels, msgBus); err != nil {
		return fmt.Errorf("register channels: %w", err)
	}

	var status *webstatus.Server
	if cfg.Web.Enabled {
		status = webstatus.New(cfg.Web, msgBus, st, logger)
	}

	if err := seedCronJobs(ctx, st, cfg.Scheduler.Cron.Jobs, logger); err != nil {
		return fmt.Errorf("seed cron jobs: %w", err)
	}

	schedAgentFactory := func(ctx context.Context, maxTurns int) (conductor.Agent, error) {
		return agentloop.New(provider, nil, cfg.Agent.SystemPrompt), nil
	}
	schedCfg := scheduler.Config{
		TickInterval:   time.Duration(cfg.Scheduler.TickIntervalSecs) * time.Second,
		CortexInterval: time.Duration(cfg.Scheduler.Cortex.IntervalHours) * time.Hour,
	}
	if status != nil {
		schedCfg.OnTick = status.PublishTick
		schedCfg.OnCronRun = status.PublishCronResult
	}
	sched := scheduler.New(st, msgBus, schedAgentFactory, schedCfg, logger, tracer)

	debounceCfg := atomic.Pointer[config.ChannelsConfig]{}
	debounceCfg.Store(&cfg.Channels)
	coalescer := bus.NewCoalescer(func(channel string) time.Duration {
		snapshot := &config.Config{Channels: *debounceCfg.Load()}
		return snapshot.DebounceFor(channel)
	})

	applier := &liveApplier{conductor: cond, debounceCfg: &debounceCfg}
	watcher, err := config.NewWatcher(cfgPath, cfg, applier, logger)
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}

	logger.Info("goclaw starting", "db", cfg.Persistence.DBPath, "web_enabled", cfg.Web.Enabled)

	go watcher.Run(ctx)
	go coalescer.Run(ctx)
	go fanInbound(ctx, msgBus, coalescer)
	go fanToQueue(ctx, st, coalescer, logger)
	go sched.Run(ctx)
	if status != nil {
		go func() {
			if err := status.Start(ctx); err != nil {
				logger.Warn("webstatus server stopped", "err", err)
			}
		}()
	}

	if err := manager.StartAll(ctx); err != nil {
		logger.Warn("channel manager start reported errors", "err", err)
	}

	runConsumerLoop(ctx, st, cond, manager, logger)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = manager.StopAll(shutdownCtx)
	time.Sleep(500 * time.Millisecond)
	return nil
}

// buildProvider constructs the one concrete LLM provider this build ships.
// The API key is expected to already be resolved by config.Load's ${VAR}
// expansion.
func buildProvider(cfg config.AgentConfig) providers.Provider {
	return providers.NewAnthropicProvider(cfg.APIKey, cfg.Model)
}

func resolveWorkerPrompt(ctx context.Context, st *store.Store, cfg *config.Config, workerName string) (string, error) {
	if w, ok := cfg.ResolveWorker(workerName); ok {
		return w.SystemPrompt, nil
	}
	saved, ok, err := st.GetSavedWorker(ctx, workerName)
	if err != nil {
		return "", fmt.Errorf("resolve worker %q: %w", workerName, err)
	}
	if !ok {
		return "", fmt.Errorf("unknown worker %q", workerName)
	}
	return saved.SystemPrompt, nil
}

func registerChannels(manager *channels.Manager, cfg config.ChannelsConfig, msgBus *bus.MessageBus) error {
	if cfg.Telegram.Enabled {
		ch, err := telegram.New(cfg.Telegram, msgBus)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		manager.RegisterChannel("telegram", ch)
	}
	if cfg.Discord.Enabled {
		ch, err := discord.New(cfg.Discord, msgBus)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		manager.RegisterChannel("discord", ch)
	}
	return nil
}

func seedCronJobs(ctx context.Context, st *store.Store, jobs []config.CronJobConfig, logger *slog.Logger) error {
	for _, j := range jobs {
		mode := normalizeCronSessionMode(j.Name, j.SessionMode, logger)
		if err := st.UpsertCronJob(ctx, store.CronJob{
			Name:          j.Name,
			Schedule:      j.Schedule,
			Prompt:        j.Prompt,
			TargetChannel: j.TargetChannel,
			SessionMode:   mode,
			Enabled:       j.Enabled,
		}); err != nil {
			return fmt.Errorf("upsert cron job %q: %w", j.Name, err)
		}
	}
	return nil
}

// normalizeCronSessionMode implements spec.md §4.5's alias/fallback rule:
// the deprecated "main" alias normalises to persistent (original_source's
// "main" sessions always loaded a durable tape), and any other unrecognized
// value falls back to isolated. Both cases warn once at startup, when
// seedCronJobs loads the configured jobs into the store, rather than
// silently reinterpreting the configured mode on every cron tick.
func normalizeCronSessionMode(jobName, raw string, logger *slog.Logger) store.SessionMode {
	switch store.SessionMode(raw) {
	case store.SessionIsolated, store.SessionPersistent:
		return store.SessionMode(raw)
	case "":
		return store.SessionIsolated
	case "main":
		logger.Warn("cron job session_mode \"main\" is a deprecated alias, normalising to persistent",
			"job", jobName)
		return store.SessionPersistent
	default:
		logger.Warn("cron job has unknown session_mode, falling back to isolated",
			"job", jobName, "session_mode", raw)
		return store.SessionIsolated
	}
}

// fanInbound drains the bus's raw inbound stream into the coalescer, which
// collapses same-session bursts before anything reaches the queue.
func fanInbound(ctx context.Context, msgBus *bus.MessageBus, coalescer *bus.Coalescer) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		coalescer.Push(msg)
	}
}

// fanToQueue persists every coalesced message to the durable queue (spec
// §4.2 push), the boundary past which a message survives a process
// restart.
func fanToQueue(ctx context.Context, st *store.Store, coalescer *bus.Coalescer, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-coalescer.Output():
			if !ok {
				return
			}
			if _, err := st.PushQueue(ctx, msg.Channel, msg.SenderID, msg.SessionKey(), msg.Content, msg.IsGroup); err != nil {
				logger.Error("push queue failed", "err", err)
			}
		}
	}
}

// runConsumerLoop claims queue entries one at a time and drives them
// through the conductor until ctx is cancelled, grounded on the teacher's
// cmd/gateway_consumer.go poll-claim-process shape.
func runConsumerLoop(ctx context.Context, st *store.Store, cond *conductor.Conductor, manager *channels.Manager, logger *slog.Logger) {
	const idlePoll = 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, err := st.ClaimNext(ctx)
		if err != nil {
			logger.Error("claim next failed", "err", err)
			time.Sleep(idlePoll)
			continue
		}
		if entry == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}

		processEntry(ctx, st, cond, manager, entry, logger)
	}
}

func processEntry(ctx context.Context, st *store.Store, cond *conductor.Conductor, manager *channels.Manager, entry *store.QueueEntry, logger *slog.Logger) {
	chatID := chatIDFromSessionKey(entry.Channel, entry.SessionID)

	var reply string
	var err error
	onProgress := func(chunk string) {
		streamProgress(ctx, manager, entry.Channel, chatID, chunk)
	}
	if entry.IsGroup {
		reply, err = cond.ProcessGroupMessage(ctx, entry.SessionID, entry.Content, onProgress)
	} else {
		reply, err = cond.ProcessMessage(ctx, entry.SessionID, entry.Content, onProgress)
	}

	if err != nil {
		logger.Error("turn failed", "session_id", entry.SessionID, "err", err)
		if markErr := st.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			logger.Error("mark failed failed", "err", markErr)
		}
		return
	}

	if reply != "" {
		if sendErr := manager.SendToChannel(ctx, entry.Channel, chatID, reply); sendErr != nil {
			logger.Warn("send reply failed", "channel", entry.Channel, "err", sendErr)
		}
	}
	if err := st.MarkDone(ctx, entry.ID); err != nil {
		logger.Error("mark done failed", "err", err)
	}
}

// chatIDFromSessionKey recovers the platform chat id from a queue entry's
// session id. Channel adapters never set InboundMessage.SessionID
// themselves, so bus.InboundMessage.SessionKey() falls back to
// "<channel>-<chat_id>" — the queue only persists that composite key, not
// the chat id on its own, so this is the inverse of that fallback.
func chatIDFromSessionKey(channelName, sessionID string) string {
	prefix := channelName + "-"
	if strings.HasPrefix(sessionID, prefix) {
		return sessionID[len(prefix):]
	}
	return sessionID
}

func streamProgress(ctx context.Context, manager *channels.Manager, channelName, chatID, chunk string) {
	ch, ok := manager.GetChannel(channelName)
	if !ok {
		return
	}
	streaming, ok := ch.(channels.StreamingChannel)
	if !ok || !streaming.StreamEnabled() {
		return
	}
	_ = streaming.OnChunkEvent(ctx, chatID, chunk)
}

// liveApplier satisfies config.Applier, forwarding hot-reloadable sections
// to the conductor and swapping the coalescer's debounce snapshot.
type liveApplier struct {
	conductor   *conductor.Conductor
	debounceCfg *atomic.Pointer[config.ChannelsConfig]
}

func (a *liveApplier) ApplyBudget(cfg config.BudgetConfig)       { a.conductor.UpdateBudget(cfg) }
func (a *liveApplier) ApplySecurity(cfg config.SecurityConfig)   { a.conductor.UpdateSecurity(cfg) }
func (a *liveApplier) ApplyMaxGroupCatchup(n int)                { a.conductor.UpdateMaxGroupCatchup(n) }
func (a *liveApplier) ApplyDebounce(cfg config.ChannelsConfig) {
	a.debounceCfg.Store(&cfg)
}
