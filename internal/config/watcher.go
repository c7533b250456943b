package config

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// restartRequiredDiff names the sections that cannot be hot-applied — a
// change to any of them is logged but otherwise ignored until the next
// process restart. See spec.md §9 design notes.
type restartRequiredDiff struct {
	Model          bool
	ChannelTokens  bool
	DBPath         bool
	InjectionFilter bool
}

// Applier receives the subset of configuration that is safe to hot-apply:
// budget, security policy (minus the injection filter itself, which is
// baked in at construction), the debounce map, and the group-catchup cap.
type Applier interface {
	ApplyBudget(BudgetConfig)
	ApplySecurity(SecurityConfig)
	ApplyDebounce(ChannelsConfig)
	ApplyMaxGroupCatchup(int)
}

// Watcher re-reads the config file on fsnotify events for it and on a 5s
// fallback tick, and applies hot-reloadable sections when the content hash
// actually changes.
type Watcher struct {
	path    string
	current *Config
	hash    string
	applier Applier
	logger  *slog.Logger
}

// NewWatcher constructs a Watcher for the already-loaded cfg at path.
func NewWatcher(path string, cfg *Config, applier Applier, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h, err := Hash(cfg)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, current: cfg, hash: h, applier: applier, logger: logger}, nil
}

// Run watches the config file until ctx is cancelled. fsnotify watches the
// containing directory (not the file itself) so editor save-by-rename
// patterns (write to temp file, rename over original) are still observed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := dirOf(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	// Fallback poll tick in case fsnotify misses an event (network
	// filesystems, some container overlay setups).
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name == w.path && (ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0) {
				w.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "error", err)
		return
	}
	nextHash, err := Hash(next)
	if err != nil {
		w.logger.Warn("config hash failed", "error", err)
		return
	}
	if nextHash == w.hash {
		return
	}

	diff := diffRestartRequired(w.current, next)
	if diff.Model || diff.ChannelTokens || diff.DBPath || diff.InjectionFilter {
		w.logger.Warn("config change requires restart to take effect",
			"model_changed", diff.Model,
			"channel_tokens_changed", diff.ChannelTokens,
			"db_path_changed", diff.DBPath,
			"injection_filter_changed", diff.InjectionFilter,
		)
	}

	if w.applier != nil {
		w.applier.ApplyBudget(next.Agent.Budget)
		w.applier.ApplySecurity(next.Security)
		w.applier.ApplyDebounce(next.Channels)
		w.applier.ApplyMaxGroupCatchup(next.Agent.MaxGroupCatchup)
	}

	w.logger.Info("config hot-reloaded", "hash", nextHash)
	w.current = next
	w.hash = nextHash
}

func diffRestartRequired(old, next *Config) restartRequiredDiff {
	return restartRequiredDiff{
		Model:  old.Agent.Model != next.Agent.Model,
		DBPath: old.Persistence.DBPath != next.Persistence.DBPath,
		ChannelTokens: old.Channels.Telegram.Token != next.Channels.Telegram.Token ||
			old.Channels.Discord.Token != next.Channels.Discord.Token ||
			old.Channels.Slack.BotToken != next.Channels.Slack.BotToken,
		InjectionFilter: old.Security.Injection.Enabled != next.Security.Injection.Enabled ||
			!reflect.DeepEqual(old.Security.Injection.ExtraPatterns, next.Security.Injection.ExtraPatterns),
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
