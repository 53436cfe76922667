package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autochat/pkg/logger"
	"autochat/pkg/models"
	"autochat/pkg/presence"
	"autochat/pkg/receipts"
	"autochat/pkg/rest"
	"autochat/pkg/store"
	"autochat/pkg/telemetry"
	"autochat/pkg/transport"
)

// Phase is the lifecycle state of the conversation view.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseLoading
	PhaseLive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseResolving:
		return "resolving"
	case PhaseLoading:
		return "loading"
	case PhaseLive:
		return "live"
	case PhaseClosed:
		return "closed"
	default:
		return "idle"
	}
}

var (
	// ErrEmptyBody rejects a send before any network call; no state mutates.
	ErrEmptyBody = errors.New("message body is empty")
	// ErrNoConversation means no conversation is open on this controller.
	ErrNoConversation = errors.New("no open conversation")
	// ErrClosed means the controller was closed.
	ErrClosed = errors.New("session closed")
)

// Controller drives one open conversation view through
// Idle -> Resolving -> Loading -> Live -> Closed. Every async continuation
// carries the epoch token that was current when it started; a completion
// whose epoch went stale (conversation switched or closed) must not touch
// shared state.
// Options tunes the controller's presence windows and the degraded-mode
// poll cadence.
type Options struct {
	Presence presence.Options
	// PollInterval is the cadence of incremental history fetches while
	// the socket is unavailable. Zero means 3 seconds.
	PollInterval time.Duration
}

func (o *Options) defaults() {
	if o.PollInterval == 0 {
		o.PollInterval = 3 * time.Second
	}
}

type Controller struct {
	self  models.Participant
	tr    *transport.Adapter
	api   *rest.Client
	store *store.Store
	opts  Options

	epoch atomic.Uint64

	mu       sync.Mutex
	phase    Phase
	conv     string
	typing   *presence.Tracker
	seen     *receipts.Tracker
	pollStop chan struct{}
}

// New wires a Controller to the shared transport, REST client and store,
// and registers the inbound socket handlers. One controller serves one
// conversation view at a time; Open may be called again after Close.
func New(self models.Participant, tr *transport.Adapter, api *rest.Client, st *store.Store, opts Options) *Controller {
	opts.defaults()
	c := &Controller{
		self:  self,
		tr:    tr,
		api:   api,
		store: st,
		opts:  opts,
	}
	c.seen = receipts.New(self.ID, c.emitSeen)
	c.registerHandlers()
	return c
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// ConversationID returns the open conversation id, empty when idle.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Open resolves (find-or-create) the conversation, loads history and joins
// the room. A resolve failure is recoverable: the controller returns to
// Idle and Open may be retried. A history failure does not block Live; the
// view listens for new messages and RetryHistory can be called separately.
func (c *Controller) Open(ctx context.Context, req rest.ResolveConversationRequest) (models.Conversation, error) {
	epoch := c.reset(PhaseResolving)

	conv, err := c.api.ResolveConversation(ctx, req)
	if err != nil {
		if c.epochValid(epoch) {
			c.setPhase(PhaseIdle)
		}
		return models.Conversation{}, fmt.Errorf("resolve conversation: %w", err)
	}
	if !c.epochValid(epoch) {
		return models.Conversation{}, ErrClosed
	}

	c.store.SetConversation(conv)
	c.mu.Lock()
	c.conv = conv.ID
	c.phase = PhaseLoading
	c.typing = presence.New(c.opts.Presence, c.emitTypingFor(conv.ID, epoch))
	c.seen.Reset()
	c.mu.Unlock()

	if err := c.loadHistory(ctx, conv.ID, epoch, 0); err != nil {
		// listening still works without history; the fetch can be retried
		logger.Warn("history_load_failed", "conversation", conv.ID, "error", err)
	}
	if !c.epochValid(epoch) {
		return models.Conversation{}, ErrClosed
	}

	// entering Live always re-issues the join; joins are idempotent
	c.tr.JoinRoom(conv.ID)
	c.setPhase(PhaseLive)
	// no socket means no inbound frames: polling carries the view until
	// the transport comes (back) up
	if c.tr.State() != transport.StateConnected {
		c.startPolling()
	}
	return conv, nil
}

// Close leaves the room and cancels pending timers. In-flight completions
// for this conversation become stale and are dropped at their epoch check.
func (c *Controller) Close() {
	c.epoch.Add(1)
	c.stopPolling()
	c.mu.Lock()
	conv := c.conv
	typing := c.typing
	c.conv = ""
	c.typing = nil
	c.phase = PhaseClosed
	c.mu.Unlock()
	if typing != nil {
		typing.Close()
	}
	if conv != "" {
		c.tr.LeaveRoom(conv)
	}
}

// Send delivers a message on the best available path. Connected socket:
// optimistic append plus fire-and-forget emit; otherwise the synchronous
// REST endpoint, whose confirmed result reconciles into the store (any
// matching optimistic entry deduplicates there).
func (c *Controller) Send(ctx context.Context, body string, attachments []string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, ErrEmptyBody
	}
	c.mu.Lock()
	conv := c.conv
	live := c.phase == PhaseLoading || c.phase == PhaseLive
	c.mu.Unlock()
	if conv == "" || !live {
		return models.Message{}, ErrNoConversation
	}

	payload := models.SendMessagePayload{
		ConversationID: conv,
		Sender:         c.self,
		Body:           body,
		Kind:           models.KindText,
		Attachments:    attachments,
	}

	if c.tr.State() == transport.StateConnected {
		m := c.store.AppendOptimistic(conv, c.self, body, models.KindText, attachments)
		c.tr.Send(models.EventSendMessage, payload)
		telemetry.SendsTotal.WithLabelValues("socket").Inc()
		return m, nil
	}

	msg, err := c.api.PostMessage(ctx, conv, payload)
	if err != nil {
		return models.Message{}, fmt.Errorf("post message: %w", err)
	}
	c.store.ReconcileIncoming(msg, store.SourceREST)
	telemetry.SendsTotal.WithLabelValues("rest").Inc()
	return msg, nil
}

// Edit rewrites a message body via the REST surface (there is no outbound
// socket edit event) and applies the result locally.
func (c *Controller) Edit(ctx context.Context, messageID, newBody string) error {
	if strings.TrimSpace(newBody) == "" {
		return ErrEmptyBody
	}
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == "" {
		return ErrNoConversation
	}
	msg, err := c.api.EditMessage(ctx, conv, messageID, newBody)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	c.store.ApplyEdit(conv, messageID, msg.Body, msg.EditedTS)
	return nil
}

// Delete soft-deletes a message, over the socket when connected and via
// REST otherwise, and applies the tombstone locally either way.
func (c *Controller) Delete(ctx context.Context, messageID string) error {
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == "" {
		return ErrNoConversation
	}
	if c.tr.State() == transport.StateConnected {
		c.tr.Send(models.EventDeleteMessage, models.DeletePayload{ConversationID: conv, MessageID: messageID})
	} else if err := c.api.DeleteMessage(ctx, conv, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	c.store.ApplyDelete(conv, messageID)
	return nil
}

// RetryHistory refetches history after a load failure without leaving Live.
func (c *Controller) RetryHistory(ctx context.Context) error {
	epoch := c.epoch.Load()
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == "" {
		return ErrNoConversation
	}
	return c.loadHistory(ctx, conv, epoch, 0)
}

// InputActivity forwards local typing activity to the debounced tracker.
func (c *Controller) InputActivity() {
	c.mu.Lock()
	typing := c.typing
	c.mu.Unlock()
	if typing != nil {
		typing.InputActivity()
	}
}

// TypingParticipants returns who is currently typing, expiry-filtered.
func (c *Controller) TypingParticipants() []string {
	c.mu.Lock()
	typing := c.typing
	c.mu.Unlock()
	if typing == nil {
		return nil
	}
	return typing.Typing()
}

// Render returns the visible message list and runs the seen tracker over
// it, emitting deduplicated mark-seen signals for newly observed messages.
func (c *Controller) Render() []models.Message {
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == "" {
		return nil
	}
	msgs := c.store.Visible(conv)
	for i := range msgs {
		c.seen.Observe(&msgs[i])
	}
	c.store.ResetUnread(conv, c.self.ID)
	return msgs
}

func (c *Controller) reset(next Phase) uint64 {
	epoch := c.epoch.Add(1)
	c.stopPolling()
	c.mu.Lock()
	if c.typing != nil {
		c.typing.Close()
		c.typing = nil
	}
	if c.conv != "" {
		c.tr.LeaveRoom(c.conv)
	}
	c.conv = ""
	c.phase = next
	c.mu.Unlock()
	return epoch
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Controller) epochValid(epoch uint64) bool {
	return c.epoch.Load() == epoch
}

// loadHistory fetches a page (incremental when after > 0) and hydrates the
// store, unless the epoch went stale while the request was in flight.
func (c *Controller) loadHistory(ctx context.Context, conv string, epoch uint64, after int64) error {
	msgs, err := c.api.ListMessages(ctx, conv, after, 0)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if !c.epochValid(epoch) {
		return nil
	}
	c.store.HydrateHistory(conv, msgs)
	return nil
}

// resume runs after a reconnect: the adapter already replayed the room
// join, but messages sent by others during the disconnected window were
// never delivered, so an incremental fetch from the confirmed watermark is
// required.
func (c *Controller) resume() {
	epoch := c.epoch.Load()
	c.mu.Lock()
	conv := c.conv
	live := c.phase == PhaseLive
	c.mu.Unlock()
	if conv == "" || !live {
		return
	}
	after := c.store.LastConfirmedTS(conv)
	go func() {
		if err := c.loadHistory(context.Background(), conv, epoch, after); err != nil {
			logger.Warn("resume_fetch_failed", "conversation", conv, "error", err)
		}
	}()
}

// startPolling begins the degraded-mode loop: while the socket is down, a
// Live view keeps fetching incremental history from the confirmed
// watermark so inbound messages still arrive, just slower. The loop is
// epoch-guarded like every other async continuation and stops on
// reconnect, conversation switch or close.
func (c *Controller) startPolling() {
	epoch := c.epoch.Load()
	c.mu.Lock()
	conv := c.conv
	if conv == "" || c.phase != PhaseLive || c.pollStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.pollStop = stop
	interval := c.opts.PollInterval
	c.mu.Unlock()

	logger.Info("rest_polling_started", "conversation", conv, "interval", interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if !c.epochValid(epoch) {
				return
			}
			after := c.store.LastConfirmedTS(conv)
			if err := c.loadHistory(context.Background(), conv, epoch, after); err != nil {
				logger.Warn("poll_fetch_failed", "conversation", conv, "error", err)
			}
		}
	}()
}

func (c *Controller) stopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

func (c *Controller) emitTypingFor(conv string, epoch uint64) func(bool) {
	return func(isTyping bool) {
		if !c.epochValid(epoch) {
			return
		}
		c.tr.Send(models.EventTyping, models.TypingPayload{
			ConversationID: conv,
			Participant:    c.self,
			IsTyping:       isTyping,
		})
	}
}

func (c *Controller) emitSeen(messageID string) {
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == "" {
		return
	}
	c.tr.Send(models.EventMessageSeen, models.SeenPayload{
		ConversationID: conv,
		MessageID:      messageID,
		SeenBy:         c.self.ID,
	})
	c.store.MarkSeen(conv, messageID, c.self.ID)
}

// registerHandlers funnels every inbound socket event through the store's
// reconciliation so socket and REST deliveries of the same message collapse
// to one entry regardless of arrival order.
func (c *Controller) registerHandlers() {
	c.tr.On(models.EventNewMessage, func(data json.RawMessage) {
		var p models.MessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			logger.Debug("bad_new_message_payload", "error", err)
			return
		}
		p.Message.Conversation = p.ConversationID
		p.Message.NormalizeSeen()
		c.store.ReconcileIncoming(p.Message, store.SourceSocket)
	})

	c.tr.On(models.EventMessageUpdated, func(data json.RawMessage) {
		var p models.MessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			logger.Debug("bad_message_updated_payload", "error", err)
			return
		}
		c.store.ApplyEdit(p.ConversationID, p.Message.ID.Server, p.Message.Body, p.Message.EditedTS)
	})

	c.tr.On(models.EventMessageDeleted, func(data json.RawMessage) {
		var p models.DeletePayload
		if err := json.Unmarshal(data, &p); err != nil {
			logger.Debug("bad_message_deleted_payload", "error", err)
			return
		}
		c.store.ApplyDelete(p.ConversationID, p.MessageID)
	})

	c.tr.On(models.EventMessageSeen, func(data json.RawMessage) {
		var p models.SeenPayload
		if err := json.Unmarshal(data, &p); err != nil {
			logger.Debug("bad_message_seen_payload", "error", err)
			return
		}
		c.store.MarkSeen(p.ConversationID, p.MessageID, p.SeenBy)
	})

	c.tr.On(models.EventTyping, func(data json.RawMessage) {
		var p models.TypingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			logger.Debug("bad_typing_payload", "error", err)
			return
		}
		if p.Participant.ID == c.self.ID {
			return
		}
		c.mu.Lock()
		typing := c.typing
		conv := c.conv
		c.mu.Unlock()
		if typing != nil && conv == p.ConversationID {
			typing.ObserveRemote(p.Participant.ID, p.IsTyping)
		}
	})

	// the controller stays Live across transport trouble: a reconnect
	// resumes socket delivery (plus a catch-up fetch), and a dead socket
	// hands inbound delivery to the REST polling loop
	c.tr.OnState(func(s transport.State) {
		switch s {
		case transport.StateConnected:
			c.stopPolling()
			c.resume()
		case transport.StateDisconnected:
			c.startPolling()
		}
	})
}
