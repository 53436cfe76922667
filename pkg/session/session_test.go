package session_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autochat/internal/broker"
	"autochat/pkg/models"
	"autochat/pkg/presence"
	"autochat/pkg/receipts"
	"autochat/pkg/rest"
	"autochat/pkg/session"
	"autochat/pkg/store"
	"autochat/pkg/transport"
)

var (
	buyer  = models.Participant{ID: "buyer-1", Role: "buyer", Name: "Ada"}
	seller = models.Participant{ID: "seller-1", Role: "seller", Name: "Sam"}
)

type client struct {
	self  models.Participant
	tr    *transport.Adapter
	store *store.Store
	ctl   *session.Controller
}

func startBroker(t *testing.T) *httptest.Server {
	t.Helper()
	b, err := broker.New(t.TempDir(), "")
	require.NoError(t, err)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = b.Close()
	})
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, self models.Participant) *client {
	t.Helper()
	tr := transport.New(transport.Options{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		MaxAttempts: 3,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	})
	st := store.New()
	api := rest.New(srv.URL, "")
	ctl := session.New(self, tr, api, st, session.Options{
		Presence: presence.Options{
			Debounce: 10 * time.Millisecond,
			IdleGap:  20 * time.Millisecond,
			TTL:      150 * time.Millisecond,
		},
		PollInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctl.Close()
		tr.Disconnect()
	})
	return &client{self: self, tr: tr, store: st, ctl: ctl}
}

func (c *client) connect(t *testing.T) {
	t.Helper()
	c.tr.Connect()
	require.Eventually(t, func() bool { return c.tr.State() == transport.StateConnected },
		2*time.Second, time.Millisecond)
}

func openListing(t *testing.T, c *client) models.Conversation {
	t.Helper()
	conv, err := c.ctl.Open(context.Background(), rest.ResolveConversationRequest{
		Subject:      "listing-42",
		Participants: []models.Participant{buyer, seller},
	})
	require.NoError(t, err)
	require.Equal(t, session.PhaseLive, c.ctl.Phase())
	return conv
}

func TestSocketSendConfirmsOptimisticEntry(t *testing.T) {
	srv := startBroker(t)
	c := newClient(t, srv, buyer)
	c.connect(t)
	conv := openListing(t, c)

	m, err := c.ctl.Send(context.Background(), "is the car available?", nil)
	require.NoError(t, err)
	require.False(t, m.ID.IsConfirmed(), "socket path returns the optimistic entry")

	require.Eventually(t, func() bool {
		return len(c.store.Unconfirmed(conv.ID)) == 0
	}, 2*time.Second, time.Millisecond, "broker echo confirms the provisional entry")

	all := c.store.All(conv.ID)
	require.Len(t, all, 1)
	require.True(t, all[0].ID.IsConfirmed())
	require.Equal(t, m.ID.Local, all[0].ID.Local)
}

func TestRestFallbackWhenDisconnected(t *testing.T) {
	srv := startBroker(t)
	c := newClient(t, srv, buyer)
	// transport never connected; everything rides REST
	conv := openListing(t, c)

	m, err := c.ctl.Send(context.Background(), "hello via rest", nil)
	require.NoError(t, err)
	require.True(t, m.ID.IsConfirmed(), "REST path returns the confirmed message")

	all := c.store.All(conv.ID)
	require.Len(t, all, 1)
	require.Equal(t, m.ID.Server, all[0].ID.Server)
}

func TestTwoClientsConverge(t *testing.T) {
	srv := startBroker(t)
	b := newClient(t, srv, buyer)
	s := newClient(t, srv, seller)
	b.connect(t)
	s.connect(t)
	conv := openListing(t, b)
	openListing(t, s)

	_, err := s.ctl.Send(context.Background(), "still for sale", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := b.store.Visible(conv.ID)
		return len(msgs) == 1 && msgs[0].Body == "still for sale"
	}, 2*time.Second, time.Millisecond, "buyer receives the seller's message")
}

func TestSeenReceiptPropagates(t *testing.T) {
	srv := startBroker(t)
	b := newClient(t, srv, buyer)
	s := newClient(t, srv, seller)
	b.connect(t)
	s.connect(t)
	conv := openListing(t, b)
	openListing(t, s)

	_, err := s.ctl.Send(context.Background(), "ping", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(b.store.Visible(conv.ID)) == 1
	}, 2*time.Second, time.Millisecond)

	// rendering on the buyer emits the mark-seen signal exactly once
	b.ctl.Render()
	b.ctl.Render()

	require.Eventually(t, func() bool {
		msgs := s.store.Visible(conv.ID)
		return len(msgs) == 1 && msgs[0].HasSeen(buyer.ID)
	}, 2*time.Second, time.Millisecond, "seller sees the buyer in the seen set")

	msgs := s.store.Visible(conv.ID)
	require.Equal(t, receipts.IndicatorSeen, receipts.Indicate(&msgs[0], seller.ID))
}

func TestDeleteIsTerminalAcrossClients(t *testing.T) {
	srv := startBroker(t)
	b := newClient(t, srv, buyer)
	s := newClient(t, srv, seller)
	b.connect(t)
	s.connect(t)
	conv := openListing(t, b)
	openListing(t, s)

	_, err := s.ctl.Send(context.Background(), "typo mesage", nil)
	require.NoError(t, err)

	var id string
	require.Eventually(t, func() bool {
		msgs := s.store.Visible(conv.ID)
		if len(msgs) == 1 && msgs[0].ID.IsConfirmed() {
			id = msgs[0].ID.Server
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, s.ctl.Delete(context.Background(), id))
	require.Eventually(t, func() bool {
		return len(b.store.Visible(conv.ID)) == 0
	}, 2*time.Second, time.Millisecond, "tombstone reaches the other side")

	// editing the deleted message is rejected by the broker
	err = s.ctl.Edit(context.Background(), id, "fixed message")
	require.Error(t, err)
	require.True(t, rest.IsRecoverable(err))
	require.Empty(t, s.store.Visible(conv.ID))
}

func TestEditPropagates(t *testing.T) {
	srv := startBroker(t)
	b := newClient(t, srv, buyer)
	s := newClient(t, srv, seller)
	b.connect(t)
	s.connect(t)
	conv := openListing(t, b)
	openListing(t, s)

	_, err := s.ctl.Send(context.Background(), "offer 5000", nil)
	require.NoError(t, err)

	var id string
	require.Eventually(t, func() bool {
		msgs := s.store.Visible(conv.ID)
		if len(msgs) == 1 && msgs[0].ID.IsConfirmed() {
			id = msgs[0].ID.Server
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, s.ctl.Edit(context.Background(), id, "offer 5500"))
	require.Eventually(t, func() bool {
		msgs := b.store.Visible(conv.ID)
		return len(msgs) == 1 && msgs[0].Body == "offer 5500" && msgs[0].Edited
	}, 2*time.Second, time.Millisecond)
}

func TestReconnectFetchesMissedMessages(t *testing.T) {
	srv := startBroker(t)
	b := newClient(t, srv, buyer)
	s := newClient(t, srv, seller)
	b.connect(t)
	s.connect(t)
	conv := openListing(t, b)
	openListing(t, s)

	_, err := s.ctl.Send(context.Background(), "before the drop", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(b.store.Visible(conv.ID)) == 1
	}, 2*time.Second, time.Millisecond)

	// buyer goes offline; seller keeps talking
	b.tr.Disconnect()
	_, err = s.ctl.Send(context.Background(), "while you were away", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(s.store.Unconfirmed(conv.ID)) == 0
	}, 2*time.Second, time.Millisecond)

	b.connect(t)
	require.Eventually(t, func() bool {
		return len(b.store.Visible(conv.ID)) == 2
	}, 2*time.Second, time.Millisecond, "incremental fetch recovers the missed message")
	require.Equal(t, session.PhaseLive, b.ctl.Phase(), "the view never left Live")
}

func TestPollingDeliversInboundWhenSocketExhausted(t *testing.T) {
	srv := startBroker(t)
	s := newClient(t, srv, seller)
	s.connect(t)

	// the buyer's socket points at a dead endpoint; REST stays reachable
	tr := transport.New(transport.Options{
		URL:         "ws://127.0.0.1:1/ws",
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	st := store.New()
	ctl := session.New(buyer, tr, rest.New(srv.URL, ""), st, session.Options{
		PollInterval: 20 * time.Millisecond,
	})
	b := &client{self: buyer, tr: tr, store: st, ctl: ctl}
	t.Cleanup(func() {
		ctl.Close()
		tr.Disconnect()
	})

	b.tr.Connect()
	require.Eventually(t, func() bool { return b.tr.State() == transport.StateDisconnected },
		2*time.Second, time.Millisecond, "retry budget exhausts against the dead endpoint")

	conv := openListing(t, b)
	openListing(t, s)

	_, err := s.ctl.Send(context.Background(), "anyone there?", nil)
	require.NoError(t, err)

	// the buyer has no socket, so only the poll loop can deliver this
	require.Eventually(t, func() bool {
		msgs := b.store.Visible(conv.ID)
		return len(msgs) == 1 && msgs[0].Body == "anyone there?"
	}, 2*time.Second, time.Millisecond, "inbound messages must arrive via REST polling while the socket is down")
}

func TestPollingStopsOnReconnect(t *testing.T) {
	srv := startBroker(t)
	b := newClient(t, srv, buyer)
	s := newClient(t, srv, seller)
	s.connect(t)

	conv := openListing(t, b) // never connected: polling carries the view
	openListing(t, s)

	_, err := s.ctl.Send(context.Background(), "over rest", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(b.store.Visible(conv.ID)) == 1
	}, 2*time.Second, time.Millisecond)

	// once the socket comes up, delivery switches back without doubling
	b.connect(t)
	_, err = s.ctl.Send(context.Background(), "over socket", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(b.store.Visible(conv.ID)) == 2
	}, 2*time.Second, time.Millisecond)
	require.Len(t, b.store.All(conv.ID), 2, "no duplicates from the poll/socket handoff")
}

func TestTypingIndicatorExpires(t *testing.T) {
	srv := startBroker(t)
	b := newClient(t, srv, buyer)
	s := newClient(t, srv, seller)
	b.connect(t)
	s.connect(t)
	conv := openListing(t, b)
	openListing(t, s)
	_ = conv

	s.ctl.InputActivity()
	require.Eventually(t, func() bool {
		typing := b.ctl.TypingParticipants()
		return len(typing) == 1 && typing[0] == seller.ID
	}, 2*time.Second, time.Millisecond)

	// no further activity: the signal expires locally even if the stop
	// frame is lost
	require.Eventually(t, func() bool {
		return len(b.ctl.TypingParticipants()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendValidation(t *testing.T) {
	srv := startBroker(t)
	c := newClient(t, srv, buyer)

	_, err := c.ctl.Send(context.Background(), "no conversation yet", nil)
	require.ErrorIs(t, err, session.ErrNoConversation)

	openListing(t, c)
	_, err = c.ctl.Send(context.Background(), "   ", nil)
	require.ErrorIs(t, err, session.ErrEmptyBody)
}

func TestOpenFailureReturnsToIdle(t *testing.T) {
	srv := startBroker(t)
	c := newClient(t, srv, buyer)

	_, err := c.ctl.Open(context.Background(), rest.ResolveConversationRequest{
		// listing conversations need a subject; the broker rejects this
		Participants: []models.Participant{buyer, seller},
	})
	require.Error(t, err)
	require.True(t, rest.IsRecoverable(err), "envelope failure, not a transport fault")
	require.Equal(t, session.PhaseIdle, c.ctl.Phase())

	// the failure is recoverable: a corrected Open succeeds
	openListing(t, c)
}

func TestReopenSwitchesConversation(t *testing.T) {
	srv := startBroker(t)
	c := newClient(t, srv, buyer)
	c.connect(t)
	first := openListing(t, c)

	second, err := c.ctl.Open(context.Background(), rest.ResolveConversationRequest{
		Subject:      "listing-99",
		Participants: []models.Participant{buyer, seller},
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, second.ID, c.ctl.ConversationID())
}
