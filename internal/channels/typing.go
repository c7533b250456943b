package channels

import (
	"sync"
	"time"
)

// Package-level typing indicator support, grounded on spec.md §6.1's
// optional start_typing(session_id) capability and §5's "long-running tool
// calls receive a cancellation token" / §9's "abort the typing-indicator
// task on completion" design notes. Most chat platforms' typing indicator
// expires after a few seconds server-side, so it must be refreshed on a
// keepalive interval for the duration of a turn, and unconditionally
// stopped once the turn ends so it never outlives the reply.

// TypingOptions configures one typing-indicator task.
type TypingOptions struct {
	// StartFn is invoked once immediately and then again on every
	// KeepaliveInterval tick until the controller is stopped.
	StartFn func() error
	// KeepaliveInterval is how often StartFn is re-invoked to keep the
	// platform's typing indicator alive.
	KeepaliveInterval time.Duration
	// MaxDuration is a safety net: the controller stops itself after this
	// long even if Stop is never called, so a stuck turn can't wedge a
	// typing indicator on forever.
	MaxDuration time.Duration
}

// TypingController drives one cancellable typing-indicator task.
type TypingController struct {
	opts      TypingOptions
	stopCh    chan struct{}
	once      sync.Once
	startOnce sync.Once
}

// NewTyping constructs a controller; call Start to begin.
func NewTyping(opts TypingOptions) *TypingController {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 4 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	return &TypingController{opts: opts, stopCh: make(chan struct{})}
}

// Start fires StartFn once and begins the keepalive loop in the
// background. Safe to call once; a second call is a no-op.
func (t *TypingController) Start() {
	t.startOnce.Do(func() { go t.run() })
}

func (t *TypingController) run() {
	_ = t.opts.StartFn()

	keepalive := time.NewTicker(t.opts.KeepaliveInterval)
	defer keepalive.Stop()
	deadline := time.NewTimer(t.opts.MaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-deadline.C:
			return
		case <-keepalive.C:
			_ = t.opts.StartFn()
		}
	}
}

// Stop cancels the task. Safe to call multiple times or concurrently.
func (t *TypingController) Stop() {
	t.once.Do(func() { close(t.stopCh) })
}
