package presence

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autochat/pkg/telemetry"
)

// Options tunes the typing debounce and expiry windows.
type Options struct {
	// Debounce limits outbound typing-start emissions to one per window.
	Debounce time.Duration
	// IdleGap schedules the typing-stop emission after the last activity.
	IdleGap time.Duration
	// TTL decides how long an incoming signal stays current. There is no
	// guaranteed server-pushed stop, so local expiry is the only
	// correctness mechanism.
	TTL time.Duration
}

func (o *Options) defaults() {
	if o.Debounce == 0 {
		o.Debounce = time.Second
	}
	if o.IdleGap == 0 {
		o.IdleGap = time.Second
	}
	if o.TTL == 0 {
		o.TTL = time.Second
	}
}

// Tracker is the ephemeral typing state for one conversation view. Nothing
// here is persisted; every entry is always safe to drop.
type Tracker struct {
	opts Options
	emit func(isTyping bool)

	mu        sync.Mutex
	limiter   *rate.Limiter
	stopTimer *time.Timer
	remote    map[string]time.Time
	closed    bool
	now       func() time.Time
}

// New creates a Tracker. emit is called with true for typing-start and
// false for typing-stop; it must not block.
func New(opts Options, emit func(isTyping bool)) *Tracker {
	opts.defaults()
	return &Tracker{
		opts:    opts,
		emit:    emit,
		limiter: rate.NewLimiter(rate.Every(opts.Debounce), 1),
		remote:  map[string]time.Time{},
		now:     time.Now,
	}
}

// InputActivity records a local keystroke-derived event. At most one
// typing-start goes out per debounce window; the typing-stop emission is
// rescheduled to fire after the idle gap.
func (t *Tracker) InputActivity() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	allowed := t.limiter.Allow()
	if t.stopTimer != nil {
		t.stopTimer.Stop()
	}
	t.stopTimer = time.AfterFunc(t.opts.IdleGap, t.emitStop)
	t.mu.Unlock()

	if allowed {
		t.emit(true)
	} else {
		telemetry.TypingSuppressed.Inc()
	}
}

func (t *Tracker) emitStop() {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if !closed {
		t.emit(false)
	}
}

// ObserveRemote records an incoming typing signal for a participant. A stop
// signal clears it immediately; a start signal expires after the TTL.
func (t *Tracker) ObserveRemote(participantID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if isTyping {
		t.remote[participantID] = t.now().Add(t.opts.TTL)
	} else {
		delete(t.remote, participantID)
	}
}

// Typing returns the participants whose signals have not expired. Reads
// filter at call time; expired entries are pruned as a side effect.
func (t *Tracker) Typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []string
	for id, exp := range t.remote {
		if exp.After(now) {
			out = append(out, id)
		} else {
			delete(t.remote, id)
		}
	}
	return out
}

// Close cancels the pending stop timer so no signal leaks into a stale
// room after unmount or a conversation switch.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	t.remote = map[string]time.Time{}
}
