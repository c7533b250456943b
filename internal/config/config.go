// Package config defines the daemon's TOML configuration surface and the
// hot-reload plumbing around it.
//
// The section layout and the env-overlay/hash/hot-reload idiom are carried
// over from the teacher's internal/config package; the file format itself
// is TOML (github.com/BurntSushi/toml) rather than the teacher's JSON5,
// since the specification this daemon implements requires TOML.
package config

import "time"

// Config is the root configuration object, loaded from a single TOML file.
type Config struct {
	Agent       AgentConfig       `toml:"agent"`
	Channels    ChannelsConfig    `toml:"channels"`
	Persistence PersistenceConfig `toml:"persistence"`
	Security    SecurityConfig    `toml:"security"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Web         WebConfig         `toml:"web"`
	Tracing     TracingConfig     `toml:"tracing"`
}

// AgentConfig holds the conductor's tunables.
type AgentConfig struct {
	Model string `toml:"model"`
	// APIKey authenticates the provider client; config files are expected
	// to hold a ${VAR} marker (expanded from the environment by Load)
	// rather than a literal secret.
	APIKey          string                  `toml:"api_key"`
	SystemPrompt    string                  `toml:"system_prompt"`
	MaxGroupCatchup int                     `toml:"max_group_catchup"`
	Budget          BudgetConfig            `toml:"budget"`
	Context         ContextConfig           `toml:"context"`
	Workers         map[string]WorkerConfig `toml:"workers"`
}

// BudgetConfig caps token/turn usage. Zero means "no cap".
type BudgetConfig struct {
	MaxTokensPerDay    int64 `toml:"max_tokens_per_day"`
	MaxTurnsPerSession int   `toml:"max_turns_per_session"`
}

// ContextConfig governs compaction of the agent's working context.
type ContextConfig struct {
	MaxContextTokens int `toml:"max_context_tokens"`
	KeepFirst        int `toml:"keep_first"`
	KeepRecent       int `toml:"keep_recent"`
}

// WorkerConfig describes one named sub-agent template.
// These are config-seeded; additional workers can be created at runtime
// via the saved_worker store table.
type WorkerConfig struct {
	SystemPrompt string `toml:"system_prompt"`
	Model        string `toml:"model,omitempty"`
	MaxTurns     int    `toml:"max_turns,omitempty"`
}

// ChannelsConfig holds per-platform adapter settings. Only Telegram and
// Discord are implemented as reference adapters; Slack is accepted in
// config (its session-id scheme is specified in SPEC_FULL.md/spec.md
// §6.1) but has no concrete adapter wired in this build.
type ChannelsConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
	Discord  DiscordConfig  `toml:"discord"`
	Slack    SlackConfig    `toml:"slack"`
}

type TelegramConfig struct {
	Enabled        bool     `toml:"enabled"`
	Token          string   `toml:"token"`
	AllowFrom      []string `toml:"allow_from"`
	DMPolicy       string   `toml:"dm_policy"`
	GroupPolicy    string   `toml:"group_policy"`
	RequireMention bool     `toml:"require_mention"`
	DebounceMillis int      `toml:"debounce_millis"`
}

type DiscordConfig struct {
	Enabled        bool     `toml:"enabled"`
	Token          string   `toml:"token"`
	AllowFrom      []string `toml:"allow_from"`
	DMPolicy       string   `toml:"dm_policy"`
	GroupPolicy    string   `toml:"group_policy"`
	RequireMention bool     `toml:"require_mention"`
	DebounceMillis int      `toml:"debounce_millis"`
}

type SlackConfig struct {
	Enabled        bool     `toml:"enabled"`
	BotToken       string   `toml:"bot_token"`
	AppToken       string   `toml:"app_token"`
	AllowFrom      []string `toml:"allow_from"`
	DMPolicy       string   `toml:"dm_policy"`
	GroupPolicy    string   `toml:"group_policy"`
	DebounceMillis int      `toml:"debounce_millis"`
}

// PersistenceConfig points at the embedded store.
type PersistenceConfig struct {
	DBPath string       `toml:"db_path"`
	Vector VectorConfig `toml:"vector"`
}

// VectorConfig toggles the optional memory_vec hybrid-search index.
type VectorConfig struct {
	Enabled    bool `toml:"enabled"`
	Dimensions int  `toml:"dimensions"`
}

// SecurityConfig is the root of the security envelope's tunables.
type SecurityConfig struct {
	Tools             map[string]ToolPolicyConfig `toml:"tools"`
	ShellDenyPatterns []string                    `toml:"shell_deny_patterns"`
	AllowedPaths      []string                    `toml:"allowed_paths"`
	AllowedHosts      []string                    `toml:"allowed_hosts"`
	Injection         InjectionConfig             `toml:"injection"`
}

// ToolPolicyConfig enables/disables one named tool.
type ToolPolicyConfig struct {
	Enabled bool `toml:"enabled"`
}

// InjectionConfig configures the three-layer prompt-injection detector.
type InjectionConfig struct {
	Enabled            bool     `toml:"enabled"`
	Action             string   `toml:"action"` // warn | block | log
	ExtraPatterns      []string `toml:"extra_patterns"`
	HeuristicThreshold float64  `toml:"heuristic_threshold"`
	LLMJudgeThreshold  float64  `toml:"llm_judge_threshold"`
	LLMJudgeModel      string   `toml:"llm_judge_model"`
}

// SchedulerConfig governs the tick loop, cortex maintenance, and cron jobs.
type SchedulerConfig struct {
	TickIntervalSecs int             `toml:"tick_interval_secs"`
	Cortex           CortexConfig    `toml:"cortex"`
	Cron             CronSchedConfig `toml:"cron"`
}

type CortexConfig struct {
	IntervalHours int `toml:"interval_hours"`
}

// CronSchedConfig holds the statically configured cron jobs;
// [[scheduler.cron.jobs]] in TOML maps to the Jobs slice.
type CronSchedConfig struct {
	Jobs []CronJobConfig `toml:"jobs"`
}

type CronJobConfig struct {
	Name          string `toml:"name"`
	Schedule      string `toml:"schedule"`
	Prompt        string `toml:"prompt"`
	TargetChannel string `toml:"target_channel"`
	SessionMode   string `toml:"session_mode"` // isolated | persistent (main accepted as deprecated alias)
	Enabled       bool   `toml:"enabled"`
}

// WebConfig governs the minimal read-only status feed.
type WebConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// TracingConfig governs the otel span mirror of the audit log (SPEC_FULL.md
// §"Domain stack": audit stays the durable record, otel is the live mirror).
type TracingConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
	// Exporter selects the OTLP transport: "http" (otlptracehttp, default)
	// or "grpc" (otlptracegrpc). Any other value is treated as "http".
	Exporter string `toml:"exporter"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

// Default returns a Config with the same baseline defaults the teacher's
// Default() establishes, adapted to this daemon's narrower surface.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:           "claude-sonnet-4-5",
			MaxGroupCatchup: 40,
			Budget: BudgetConfig{
				MaxTokensPerDay:    0,
				MaxTurnsPerSession: 0,
			},
			Context: ContextConfig{
				MaxContextTokens: 150_000,
				KeepFirst:        2,
				KeepRecent:       10,
			},
			Workers: map[string]WorkerConfig{},
		},
		Persistence: PersistenceConfig{
			DBPath: "~/.yoclaw/yoclaw.db",
		},
		Security: SecurityConfig{
			Tools: map[string]ToolPolicyConfig{},
			Injection: InjectionConfig{
				Enabled:            true,
				Action:             "warn",
				HeuristicThreshold: 0.6,
				LLMJudgeThreshold:  0.3,
			},
		},
		Scheduler: SchedulerConfig{
			TickIntervalSecs: 60,
			Cortex:           CortexConfig{IntervalHours: 6},
		},
		Web: WebConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8089",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "goclaw",
			Exporter:    "http",
			Endpoint:    "localhost:4318",
		},
	}
}

// DebounceDefault is the coalescer's fallback debounce when no channel
// override is configured anywhere.
const DebounceDefault = 100 * time.Millisecond

func debounceFor(defaultMillis, override int) time.Duration {
	if override > 0 {
		return time.Duration(override) * time.Millisecond
	}
	if defaultMillis <= 0 {
		return DebounceDefault
	}
	return time.Duration(defaultMillis) * time.Millisecond
}

// DebounceFor returns the effective per-channel debounce window.
func (c *Config) DebounceFor(channel string) time.Duration {
	def := int(DebounceDefault / time.Millisecond)
	switch channel {
	case "telegram":
		return debounceFor(def, c.Channels.Telegram.DebounceMillis)
	case "discord":
		return debounceFor(def, c.Channels.Discord.DebounceMillis)
	case "slack":
		return debounceFor(def, c.Channels.Slack.DebounceMillis)
	default:
		return DebounceDefault
	}
}
