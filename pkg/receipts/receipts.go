package receipts

import (
	"sync"

	"autochat/pkg/models"
	"autochat/pkg/telemetry"
)

// Indicator is the tri-state delivery marker derived purely from local
// knowledge: a message is delivered once the server acked it, and seen once
// anyone besides the sender is in the seen set. No separate delivered
// signal exists on the wire.
type Indicator int

const (
	IndicatorSent Indicator = iota
	IndicatorDelivered
	IndicatorSeen
)

func (i Indicator) String() string {
	switch i {
	case IndicatorDelivered:
		return "delivered"
	case IndicatorSeen:
		return "seen"
	default:
		return "sent"
	}
}

// Indicate derives the marker for one of the local participant's messages.
func Indicate(m *models.Message, selfID string) Indicator {
	if !m.ID.IsConfirmed() {
		return IndicatorSent
	}
	for _, id := range m.SeenByList {
		if id != selfID {
			return IndicatorSeen
		}
	}
	return IndicatorDelivered
}

// Tracker deduplicates mark-seen emissions: a rendered message produces at
// most one network signal per session no matter how many render cycles
// observe it.
type Tracker struct {
	selfID string
	emit   func(messageID string)

	mu      sync.Mutex
	emitted map[string]struct{}
}

// New creates a Tracker. emit sends the mark-seen signal; it must not block.
func New(selfID string, emit func(messageID string)) *Tracker {
	return &Tracker{selfID: selfID, emit: emit, emitted: map[string]struct{}{}}
}

// Observe is called for every rendered message. It emits a mark-seen signal
// when the message is confirmed, not our own, and not already seen or
// emitted this session.
func (t *Tracker) Observe(m *models.Message) {
	if !m.ID.IsConfirmed() || m.Sender.ID == t.selfID || m.Deleted {
		return
	}
	if m.HasSeen(t.selfID) {
		return
	}
	t.mu.Lock()
	if _, done := t.emitted[m.ID.Server]; done {
		t.mu.Unlock()
		return
	}
	t.emitted[m.ID.Server] = struct{}{}
	t.mu.Unlock()

	telemetry.SeenEmitted.Inc()
	t.emit(m.ID.Server)
}

// Reset clears the per-session dedup set; called on conversation switch so
// the new view starts clean.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitted = map[string]struct{}{}
}
