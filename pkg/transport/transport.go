package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"autochat/pkg/logger"
	"autochat/pkg/models"
	"autochat/pkg/telemetry"
)

// Handler receives the decoded data payload of a socket event. Handlers for
// one adapter are invoked sequentially in arrival order.
type Handler func(data json.RawMessage)

// Options configures an Adapter. Zero values fall back to defaults.
type Options struct {
	URL         string
	APIKey      string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Dialer      *websocket.Dialer
}

func (o *Options) defaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 8 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Adapter wraps a persistent bidirectional websocket connection. Sends are
// fire-and-forget; connect failures never surface as errors to callers but
// as state transitions. Room membership is replayed on every reconnect
// because the broker does not preserve it across connections.
type Adapter struct {
	opts Options

	st stateLog

	mu       sync.Mutex
	handlers map[string][]Handler
	rooms    map[string]struct{}
	out      chan []byte
	conn     *websocket.Conn
	manual   bool
	gen      uint64
}

// New creates an Adapter. Call Connect to open the channel.
func New(opts Options) *Adapter {
	opts.defaults()
	return &Adapter{
		opts:     opts,
		handlers: map[string][]Handler{},
		rooms:    map[string]struct{}{},
	}
}

// State returns the current connection state.
func (a *Adapter) State() State { return a.st.current() }

// Transitions returns a copy of the bounded transition log.
func (a *Adapter) Transitions() []Transition { return a.st.transitions() }

// OnState registers a subscriber invoked on every state change.
func (a *Adapter) OnState(fn func(State)) { a.st.subscribe(fn) }

// On registers a handler for a socket event.
func (a *Adapter) On(event string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[event] = append(a.handlers[event], h)
}

// Connect opens the socket and starts the read/write pumps. It returns
// immediately; progress is observable via State/OnState. Calling Connect
// after the retry budget was exhausted resets it and tries again.
func (a *Adapter) Connect() {
	a.mu.Lock()
	a.manual = false
	gen := atomic.AddUint64(&a.gen, 1)
	conn := a.conn
	a.conn = nil
	a.out = nil
	a.mu.Unlock()
	// closing the previous connection unblocks its read loop, whose run
	// goroutine then sees the stale generation and cleans up
	if conn != nil {
		_ = conn.Close()
	}
	a.st.set(StateConnecting, "connect")
	telemetry.ConnState.Set(float64(StateConnecting))
	go a.run(gen)
}

// Disconnect closes the connection and disables automatic reconnects until
// the next Connect call.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.manual = true
	atomic.AddUint64(&a.gen, 1)
	conn := a.conn
	a.conn = nil
	a.out = nil
	a.mu.Unlock()
	// the run goroutine owns the out channel and closes it once the read
	// loop notices the closed connection
	if conn != nil {
		_ = conn.Close()
	}
	a.st.set(StateDisconnected, "manual disconnect")
	telemetry.ConnState.Set(float64(StateDisconnected))
}

// JoinRoom records room membership and, when connected, emits the join
// event. Joining the same room twice is a no-op beyond the re-emit, and the
// set is replayed on every reconnect, so joins are idempotent.
func (a *Adapter) JoinRoom(conversationID string) {
	a.mu.Lock()
	a.rooms[conversationID] = struct{}{}
	a.mu.Unlock()
	a.Send(models.EventJoinChat, models.JoinChatPayload{ConversationID: conversationID})
}

// LeaveRoom drops the room from the replay set. The broker treats the
// connection leaving the room as a plain membership update.
func (a *Adapter) LeaveRoom(conversationID string) {
	a.mu.Lock()
	delete(a.rooms, conversationID)
	a.mu.Unlock()
}

// Send marshals and enqueues an event frame. It never blocks and never
// returns an error: when the socket is down or the queue is full the frame
// is dropped and the caller's own timeout/optimism policy applies.
func (a *Adapter) Send(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("frame_marshal_failed", "event", event, "error", err)
		return
	}
	frame, err := json.Marshal(models.Frame{Event: event, Data: data})
	if err != nil {
		logger.Error("frame_marshal_failed", "event", event, "error", err)
		return
	}
	// the enqueue happens under the lock so the owning run goroutine can
	// never close the channel out from under it
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		logger.Debug("frame_dropped_offline", "event", event)
		return
	}
	select {
	case a.out <- frame:
	default:
		logger.Warn("frame_dropped_queue_full", "event", event)
	}
}

// run owns one connection lifecycle including reconnects. A stale run (gen
// mismatch after Disconnect/Connect) exits without touching shared state.
func (a *Adapter) run(gen uint64) {
	attempts := 0
	for {
		if a.stale(gen) {
			return
		}
		conn, err := a.dial()
		if err != nil {
			attempts++
			logger.Warn("socket_dial_failed", "url", a.opts.URL, "attempt", attempts, "error", err)
			if attempts >= a.opts.MaxAttempts {
				// permanent fallback to REST until a manual Connect
				a.st.set(StateDisconnected, "retry budget exhausted")
				telemetry.ConnState.Set(float64(StateDisconnected))
				return
			}
			a.st.set(StateReconnecting, "dial failed")
			telemetry.ConnState.Set(float64(StateReconnecting))
			time.Sleep(a.backoff(attempts))
			continue
		}

		// the stale check and the install must be one critical section or
		// a stale run could clobber a newer generation's channel
		out := make(chan []byte, 64)
		a.mu.Lock()
		if a.stale(gen) {
			a.mu.Unlock()
			_ = conn.Close()
			return
		}
		a.out = out
		a.conn = conn
		rooms := make([]string, 0, len(a.rooms))
		for r := range a.rooms {
			rooms = append(rooms, r)
		}
		a.mu.Unlock()

		reconnected := attempts > 0
		attempts = 0
		a.st.set(StateConnected, "dial ok")
		telemetry.ConnState.Set(float64(StateConnected))
		if reconnected {
			telemetry.ReconnectsTotal.Inc()
		}

		go writePump(conn, out)
		// room membership is not preserved by the broker across connects
		for _, r := range rooms {
			a.Send(models.EventJoinChat, models.JoinChatPayload{ConversationID: r})
		}

		a.readLoop(conn, gen)

		a.mu.Lock()
		if a.out == out {
			a.out = nil
		}
		if a.conn == conn {
			a.conn = nil
		}
		// this run owns out; closing it here (still under the lock) lets
		// the write pump drain and exit even when a newer generation has
		// already replaced the adapter's channel
		close(out)
		a.mu.Unlock()

		if a.stale(gen) {
			return
		}
		attempts = 1
		a.st.set(StateReconnecting, "connection lost")
		telemetry.ConnState.Set(float64(StateReconnecting))
		time.Sleep(a.backoff(attempts))
	}
}

func (a *Adapter) stale(gen uint64) bool {
	return atomic.LoadUint64(&a.gen) != gen
}

func (a *Adapter) dial() (*websocket.Conn, error) {
	hdr := http.Header{}
	if a.opts.APIKey != "" {
		hdr.Set("Authorization", "Bearer "+a.opts.APIKey)
	}
	conn, _, err := a.opts.Dialer.Dial(a.opts.URL, hdr)
	return conn, err
}

// backoff grows exponentially from BackoffBase and is clamped at BackoffCap.
func (a *Adapter) backoff(attempt int) time.Duration {
	d := a.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= a.opts.BackoffCap {
			return a.opts.BackoffCap
		}
	}
	if d > a.opts.BackoffCap {
		d = a.opts.BackoffCap
	}
	return d
}

// readLoop decodes frames and dispatches handlers in arrival order until
// the connection drops or the generation goes stale.
func (a *Adapter) readLoop(conn *websocket.Conn, gen uint64) {
	defer conn.Close()
	for {
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !a.stale(gen) {
				logger.Debug("socket_read_closed", "error", err)
			}
			return
		}
		if a.stale(gen) {
			return
		}
		a.mu.Lock()
		hs := append([]Handler{}, a.handlers[frame.Event]...)
		a.mu.Unlock()
		for _, h := range hs {
			h(frame.Data)
		}
	}
}

func writePump(conn *websocket.Conn, out <-chan []byte) {
	for msg := range out {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Debug("socket_write_failed", "error", err)
			// reader notices the broken connection; just drain
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}
