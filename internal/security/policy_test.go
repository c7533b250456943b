package security

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/config"
)

func newTestPolicy() *PolicyEngine {
	return NewPolicyEngine(config.SecurityConfig{
		Tools: map[string]config.ToolPolicyConfig{
			"shell": {Enabled: true},
			"http":  {Enabled: true},
		},
		ShellDenyPatterns: []string{"rm -rf", "curl "},
		AllowedPaths:      []string{"/home/agent/workspace"},
		AllowedHosts:      []string{"api.example.com"},
	})
}

func TestCheckToolCallAliasesBashToShell(t *testing.T) {
	p := NewPolicyEngine(config.SecurityConfig{
		Tools: map[string]config.ToolPolicyConfig{"shell": {Enabled: false}},
	})
	d := p.CheckToolCall(context.Background(), "bash", map[string]interface{}{"command": "ls"})
	if d.Allowed {
		t.Fatal("expected bash to be evaluated under the shell policy and denied")
	}
}

func TestCheckToolCallDisabledTool(t *testing.T) {
	p := NewPolicyEngine(config.SecurityConfig{
		Tools: map[string]config.ToolPolicyConfig{"shell": {Enabled: false}},
	})
	d := p.CheckToolCall(context.Background(), "shell", map[string]interface{}{"command": "ls"})
	if d.Allowed {
		t.Fatal("expected disabled tool to be denied")
	}
}

func TestCheckToolCallShellDenyPattern(t *testing.T) {
	p := newTestPolicy()
	d := p.CheckToolCall(context.Background(), "shell", map[string]interface{}{"command": "rm -rf /"})
	if d.Allowed {
		t.Fatal("expected deny-pattern command to be denied")
	}
}

func TestCheckToolCallShellAllowsSafeCommand(t *testing.T) {
	p := newTestPolicy()
	d := p.CheckToolCall(context.Background(), "shell", map[string]interface{}{"command": "ls -la"})
	if !d.Allowed {
		t.Fatalf("expected safe command to pass, got reason %q", d.Reason)
	}
}

func TestCheckToolCallPathOutsideAllowed(t *testing.T) {
	p := newTestPolicy()
	d := p.CheckToolCall(context.Background(), "write_file", map[string]interface{}{"path": "/etc/passwd"})
	if d.Allowed {
		t.Fatal("expected path outside allowed_paths to be denied")
	}
}

func TestCheckToolCallPathInsideAllowed(t *testing.T) {
	p := newTestPolicy()
	d := p.CheckToolCall(context.Background(), "write_file", map[string]interface{}{"path": "/home/agent/workspace/notes.txt"})
	if !d.Allowed {
		t.Fatalf("expected path inside allowed_paths to pass, got reason %q", d.Reason)
	}
}

func TestCheckToolCallEditFileAliasesToWriteFile(t *testing.T) {
	p := newTestPolicy()
	d := p.CheckToolCall(context.Background(), "edit_file", map[string]interface{}{"path": "/etc/shadow"})
	if d.Allowed {
		t.Fatal("expected edit_file to be aliased to write_file's path check")
	}
}

func TestCheckToolCallHostNotAllowed(t *testing.T) {
	p := newTestPolicy()
	d := p.CheckToolCall(context.Background(), "http", map[string]interface{}{"url": "https://evil.example/steal"})
	if d.Allowed {
		t.Fatal("expected disallowed host to be denied")
	}
}

func TestCheckToolCallHostAllowed(t *testing.T) {
	p := newTestPolicy()
	d := p.CheckToolCall(context.Background(), "http", map[string]interface{}{"url": "https://api.example.com/v1/data"})
	if !d.Allowed {
		t.Fatalf("expected allowed host to pass, got reason %q", d.Reason)
	}
}

func TestApplySecurityHotSwapsPolicy(t *testing.T) {
	p := NewPolicyEngine(config.SecurityConfig{AllowedPaths: []string{"/a"}})
	if d := p.CheckToolCall(context.Background(), "write_file", map[string]interface{}{"path": "/b/x"}); d.Allowed {
		t.Fatal("expected /b/x to be denied under the initial policy")
	}
	p.ApplySecurity(config.SecurityConfig{AllowedPaths: []string{"/b"}})
	if d := p.CheckToolCall(context.Background(), "write_file", map[string]interface{}{"path": "/b/x"}); !d.Allowed {
		t.Fatal("expected /b/x to be allowed after hot-reload")
	}
}
