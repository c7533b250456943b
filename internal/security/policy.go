// Package security implements the daemon's security envelope: tool-call
// policy enforcement (spec.md §4.4.1), budget accounting (§4.4.2), the
// three-layer prompt-injection detector (§4.4.3), and the audit-writing
// tool wrapper that ties the three together.
//
// The policy pipeline's step ordering and alias map are grounded on the
// teacher's internal/tools/policy.go (334 lines), narrowed from its
// multi-provider/multi-agent 7-step chain down to spec §4.4.1's
// single-profile 4-check pipeline.
package security

import (
	"context"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/config"
)

// toolAliases maps an agent-level tool name to the policy name it is
// evaluated under (spec §4.4.1 step 2).
var toolAliases = map[string]string{
	"bash":      "shell",
	"edit_file": "write_file",
}

// fileTools are policy names whose first path-shaped argument is checked
// against allowed_paths.
var fileTools = map[string]bool{
	"write_file": true,
	"read_file":  true,
	"list_files": true,
	"edit":       true,
}

// EffectiveName resolves the policy name a tool call is evaluated under.
func EffectiveName(toolName string) string {
	if alias, ok := toolAliases[toolName]; ok {
		return alias
	}
	return toolName
}

// PolicyEngine holds the live security policy behind a read-many/write-rare
// lock (spec.md §5 "shared mutable state ... ordered-access cells"):
// readers take a brief RLock that is released before any blocking work;
// ApplySecurity takes a brief Lock at hot-reload.
type PolicyEngine struct {
	mu  sync.RWMutex
	cfg config.SecurityConfig
}

// NewPolicyEngine constructs an engine from the initial loaded config.
func NewPolicyEngine(cfg config.SecurityConfig) *PolicyEngine {
	return &PolicyEngine{cfg: cfg}
}

// ApplySecurity hot-swaps the live policy (config.Applier interface target;
// the injection filter itself is excluded from hot-reload per spec design
// notes — it's baked into the agent/conductor at construction — but the
// tool/path/host policy here is fully hot-reloadable).
func (p *PolicyEngine) ApplySecurity(cfg config.SecurityConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

func (p *PolicyEngine) snapshot() config.SecurityConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Decision is the result of a policy check.
type Decision struct {
	Allowed bool
	Reason  string // populated only when !Allowed
}

// CheckToolCall implements spec §4.4.1's ordered 4-check pipeline against a
// read-locked snapshot of the policy, released before this method returns
// (i.e. well before any inner tool I/O the caller performs next).
func (p *PolicyEngine) CheckToolCall(_ context.Context, toolName string, args map[string]interface{}) Decision {
	cfg := p.snapshot()
	effective := EffectiveName(toolName)

	if tp, ok := cfg.Tools[effective]; ok && !tp.Enabled {
		return Decision{Reason: "tool " + effective + " is disabled"}
	}

	if effective == "shell" {
		if d := checkShellDeny(args, cfg.ShellDenyPatterns); !d.Allowed {
			return d
		}
	}

	if fileTools[effective] {
		if d := checkAllowedPath(args, cfg.AllowedPaths); !d.Allowed {
			return d
		}
	}

	if effective == "http" {
		if d := checkAllowedHost(args, cfg.AllowedHosts); !d.Allowed {
			return d
		}
	}

	return Decision{Allowed: true}
}

func checkShellDeny(args map[string]interface{}, denyPatterns []string) Decision {
	cmd, _ := args["command"].(string)
	lower := strings.ToLower(cmd)
	for _, pat := range denyPatterns {
		if pat == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pat)) {
			return Decision{Reason: "command matches deny pattern: " + pat}
		}
	}
	return Decision{Allowed: true}
}

func checkAllowedPath(args map[string]interface{}, allowedPaths []string) Decision {
	if len(allowedPaths) == 0 {
		return Decision{Allowed: true}
	}
	path := pathArg(args)
	if path == "" {
		return Decision{Allowed: true}
	}
	path = config.ExpandHome(path)
	for _, root := range allowedPaths {
		if strings.HasPrefix(path, root) {
			return Decision{Allowed: true}
		}
	}
	return Decision{Reason: "path " + path + " is outside allowed_paths"}
}

func pathArg(args map[string]interface{}) string {
	for _, key := range []string{"path", "file_path", "target"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func checkAllowedHost(args map[string]interface{}, allowedHosts []string) Decision {
	if len(allowedHosts) == 0 {
		return Decision{Allowed: true}
	}
	url, _ := args["url"].(string)
	for _, host := range allowedHosts {
		if host != "" && strings.Contains(url, host) {
			return Decision{Allowed: true}
		}
	}
	return Decision{Reason: "url " + url + " does not match any allowed_hosts entry"}
}
