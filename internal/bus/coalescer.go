package bus

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DebounceLookup returns the effective debounce window for a channel; it is
// satisfied by *config.Config.DebounceFor, kept as an interface here so bus
// doesn't import config (config already imports nothing from bus, but this
// avoids a cycle risk and keeps the coalescer testable in isolation).
type DebounceLookup func(channel string) time.Duration

// idlePoll is the suspension fallback when no deadlines are pending (spec
// §4.1: "a polling fallback of 1 hour is used when no deadlines are
// pending"). Can be overridden via WithIdlePoll.
const idlePoll = time.Hour

// Coalescer collapses rapid-fire same-session messages into one synthetic
// message, so the conductor sees a single coherent turn per quiet window.
//
// Grounded on original_source/src/channels/coalesce.rs's pending/deadline
// map shape and single-task select-over-earliest-deadline-or-input loop;
// translated from tokio::select! to a Go time.Timer reset on every arrival
// that moves the earliest deadline.
type Coalescer struct {
	debounceFor DebounceLookup
	idlePoll    time.Duration

	mu       sync.Mutex
	pending  map[string][]InboundMessage
	deadline map[string]time.Time

	wake chan struct{} // signalled by Push so Run recomputes its timer
	out  chan InboundMessage
}

// NewCoalescer constructs a Coalescer. debounceFor supplies the per-channel
// debounce window (spec §4.1's Δ[channel]). debounceFor is fixed at
// construction; it is hot-reloadable when it reads a config snapshot the
// caller can swap (cmd closes over an atomic pointer to the channels config).
func NewCoalescer(debounceFor DebounceLookup) *Coalescer {
	return &Coalescer{
		debounceFor: debounceFor,
		idlePoll:    idlePoll,
		pending:     make(map[string][]InboundMessage),
		deadline:    make(map[string]time.Time),
		wake:        make(chan struct{}, 1),
		out:         make(chan InboundMessage, 256),
	}
}

// WithIdlePoll overrides the idle-suspension fallback (tests only; spec's
// production value is 1 hour).
func (c *Coalescer) WithIdlePoll(d time.Duration) *Coalescer {
	c.idlePoll = d
	return c
}

// Output returns the stream of coalesced messages.
func (c *Coalescer) Output() <-chan InboundMessage { return c.out }

// Push enqueues an arrival, extending that session's debounce deadline.
// Later arrivals extend the deadline (standard debounce, not rate-limit),
// per spec §4.1.
func (c *Coalescer) Push(msg InboundMessage) {
	key := msg.SessionKey()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = append(c.pending[key], msg)
	c.deadline[key] = time.Now().Add(c.debounceFor(msg.Channel))
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives the coalescer's single cooperative task until ctx is
// cancelled, at which point all pending sessions are flushed (spec §4.1:
// "On input close: flush all pending and stop").
func (c *Coalescer) Run(ctx context.Context) {
	defer close(c.out)
	timer := time.NewTimer(c.idlePoll)
	defer timer.Stop()

	for {
		wait := c.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			c.flushAll()
			return
		case <-c.wake:
		case <-timer.C:
			c.emitExpired()
		}
	}
}

// nextWait returns the duration until the earliest pending deadline, or the
// idle-poll fallback if no deadlines are pending.
func (c *Coalescer) nextWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.deadline) == 0 {
		return c.idlePoll
	}
	earliest := time.Time{}
	for _, d := range c.deadline {
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	wait := time.Until(earliest)
	if wait < 0 {
		return 0
	}
	return wait
}

// emitExpired coalesces and emits every session whose deadline has passed.
func (c *Coalescer) emitExpired() {
	now := time.Now()
	var ready []string

	c.mu.Lock()
	for key, d := range c.deadline {
		if !d.After(now) {
			ready = append(ready, key)
		}
	}
	batches := make([][]InboundMessage, 0, len(ready))
	for _, key := range ready {
		batches = append(batches, c.pending[key])
		delete(c.pending, key)
		delete(c.deadline, key)
	}
	c.mu.Unlock()

	for _, batch := range batches {
		c.out <- Coalesce(batch)
	}
}

// flushAll emits every still-pending session regardless of deadline, used
// on shutdown.
func (c *Coalescer) flushAll() {
	c.mu.Lock()
	batches := make([][]InboundMessage, 0, len(c.pending))
	for _, batch := range c.pending {
		batches = append(batches, batch)
	}
	c.pending = make(map[string][]InboundMessage)
	c.deadline = make(map[string]time.Time)
	c.mu.Unlock()

	for _, batch := range batches {
		c.out <- Coalesce(batch)
	}
}

// Coalesce applies spec §4.1's coalescing rule to one session's batch: a
// single message passes through unchanged; two or more are merged into a
// synthetic message inheriting channel/sender/session/reply_to/timestamp/
// worker_hint/is_group from the first message, with contents newline-joined.
func Coalesce(batch []InboundMessage) InboundMessage {
	if len(batch) == 1 {
		return batch[0]
	}
	first := batch[0]
	contents := make([]string, len(batch))
	for i, m := range batch {
		contents[i] = m.Content
	}
	merged := first
	merged.Content = strings.Join(contents, "\n")
	return merged
}
