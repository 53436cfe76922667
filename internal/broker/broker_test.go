package broker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"autochat/pkg/models"
	"autochat/pkg/rest"
)

func newServer(t *testing.T, apiKey string) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(t.TempDir(), apiKey)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Close()
	})
	return s, srv
}

func participants() []models.Participant {
	return []models.Participant{
		{ID: "buyer-1", Role: "buyer"},
		{ID: "seller-1", Role: "seller"},
	}
}

func TestResolveConversationFindOrCreate(t *testing.T) {
	_, srv := newServer(t, "")
	api := rest.New(srv.URL, "")

	first, err := api.ResolveConversation(context.Background(), rest.ResolveConversationRequest{
		Subject: "listing-42", Participants: participants(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, models.StatusOpen, first.Status)

	// same subject and participant set resolves to the same conversation
	again, err := api.ResolveConversation(context.Background(), rest.ResolveConversationRequest{
		Subject: "listing-42", Participants: participants(),
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	// a different subject is a different conversation
	other, err := api.ResolveConversation(context.Background(), rest.ResolveConversationRequest{
		Subject: "listing-99", Participants: participants(),
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestResolveConversationValidation(t *testing.T) {
	_, srv := newServer(t, "")
	api := rest.New(srv.URL, "")

	_, err := api.ResolveConversation(context.Background(), rest.ResolveConversationRequest{
		Subject: "listing-42",
	})
	require.True(t, rest.IsRecoverable(err), "missing participants is an envelope failure")

	_, err = api.ResolveConversation(context.Background(), rest.ResolveConversationRequest{
		Participants: participants(),
	})
	require.True(t, rest.IsRecoverable(err), "listing conversations need a subject")
}

func TestPostListEditDelete(t *testing.T) {
	_, srv := newServer(t, "")
	api := rest.New(srv.URL, "")
	ctx := context.Background()

	conv, err := api.ResolveConversation(ctx, rest.ResolveConversationRequest{
		Subject: "listing-42", Participants: participants(),
	})
	require.NoError(t, err)

	m1, err := api.PostMessage(ctx, conv.ID, models.SendMessagePayload{
		Sender: participants()[0], Body: "first",
	})
	require.NoError(t, err)
	require.True(t, m1.ID.IsConfirmed())
	require.Equal(t, models.KindText, m1.Kind, "kind defaults to text")

	m2, err := api.PostMessage(ctx, conv.ID, models.SendMessagePayload{
		Sender: participants()[1], Body: "second",
	})
	require.NoError(t, err)

	msgs, err := api.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, m1.ID.Server, msgs[0].ID.Server, "insertion order preserved")

	// incremental fetch from the first message's timestamp
	newer, err := api.ListMessages(ctx, conv.ID, m1.TS, 0)
	require.NoError(t, err)
	require.Len(t, newer, 1)
	require.Equal(t, m2.ID.Server, newer[0].ID.Server)

	edited, err := api.EditMessage(ctx, conv.ID, m1.ID.Server, "first, edited")
	require.NoError(t, err)
	require.True(t, edited.Edited)
	require.NotZero(t, edited.EditedTS)

	require.NoError(t, api.DeleteMessage(ctx, conv.ID, m1.ID.Server))
	msgs, err = api.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "soft delete keeps the slot")
	require.True(t, msgs[0].Deleted)
	require.Empty(t, msgs[0].Body)

	// delete is terminal on the broker too
	_, err = api.EditMessage(ctx, conv.ID, m1.ID.Server, "resurrected")
	require.True(t, rest.IsRecoverable(err))
}

func TestPostMessageRejectsOutsiders(t *testing.T) {
	_, srv := newServer(t, "")
	api := rest.New(srv.URL, "")
	ctx := context.Background()

	conv, err := api.ResolveConversation(ctx, rest.ResolveConversationRequest{
		Subject: "listing-42", Participants: participants(),
	})
	require.NoError(t, err)

	_, err = api.PostMessage(ctx, conv.ID, models.SendMessagePayload{
		Sender: models.Participant{ID: "stranger"}, Body: "let me in",
	})
	require.True(t, rest.IsRecoverable(err))
}

func TestAPIKeyEnforcedOnREST(t *testing.T) {
	_, srv := newServer(t, "sekrit")

	_, err := rest.New(srv.URL, "").ResolveConversation(context.Background(), rest.ResolveConversationRequest{
		Subject: "listing-42", Participants: participants(),
	})
	require.True(t, rest.IsRecoverable(err))

	_, err = rest.New(srv.URL, "sekrit").ResolveConversation(context.Background(), rest.ResolveConversationRequest{
		Subject: "listing-42", Participants: participants(),
	})
	require.NoError(t, err)
}

func TestConversationUnreadAndLastMessage(t *testing.T) {
	s, srv := newServer(t, "")
	api := rest.New(srv.URL, "")
	ctx := context.Background()

	conv, err := api.ResolveConversation(ctx, rest.ResolveConversationRequest{
		Subject: "listing-42", Participants: participants(),
	})
	require.NoError(t, err)

	_, err = api.PostMessage(ctx, conv.ID, models.SendMessagePayload{
		Sender: participants()[1], Body: "still available",
	})
	require.NoError(t, err)

	got, err := s.Log().GetConversation(conv.ID)
	require.NoError(t, err)
	require.Equal(t, "still available", got.LastMessage.Body)
	require.Equal(t, 1, got.Unread["buyer-1"])
	require.Zero(t, got.Unread["seller-1"])
}

// roomConn is a raw websocket client for fanout assertions.
type roomConn struct {
	conn *websocket.Conn
}

func dialRoom(t *testing.T, srv *httptest.Server, convID string) *roomConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	rc := &roomConn{conn: conn}
	rc.send(t, models.EventJoinChat, models.JoinChatPayload{ConversationID: convID})
	return rc
}

func (rc *roomConn) send(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, rc.conn.WriteJSON(models.Frame{Event: event, Data: data}))
}

func (rc *roomConn) next(t *testing.T) models.Frame {
	t.Helper()
	require.NoError(t, rc.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f models.Frame
	require.NoError(t, rc.conn.ReadJSON(&f))
	return f
}

func TestHubEchoesToSenderAndRoom(t *testing.T) {
	_, srv := newServer(t, "")
	api := rest.New(srv.URL, "")
	conv, err := api.ResolveConversation(context.Background(), rest.ResolveConversationRequest{
		Subject: "listing-42", Participants: participants(),
	})
	require.NoError(t, err)

	a := dialRoom(t, srv, conv.ID)
	b := dialRoom(t, srv, conv.ID)
	time.Sleep(20 * time.Millisecond) // let the joins land

	a.send(t, models.EventSendMessage, models.SendMessagePayload{
		ConversationID: conv.ID,
		Sender:         participants()[0],
		Body:           "hello room",
	})

	for _, rc := range []*roomConn{a, b} {
		f := rc.next(t)
		require.Equal(t, models.EventNewMessage, f.Event)
		var p models.MessagePayload
		require.NoError(t, json.Unmarshal(f.Data, &p))
		require.Equal(t, conv.ID, p.ConversationID)
		require.Equal(t, "hello room", p.Message.Body)
		require.True(t, p.Message.ID.IsConfirmed(), "the echo carries the authoritative id")
	}
}

func TestHubRejectsOutsiderSends(t *testing.T) {
	_, srv := newServer(t, "")
	api := rest.New(srv.URL, "")
	conv, err := api.ResolveConversation(context.Background(), rest.ResolveConversationRequest{
		Subject: "listing-42", Participants: participants(),
	})
	require.NoError(t, err)

	member := dialRoom(t, srv, conv.ID)
	intruder := dialRoom(t, srv, conv.ID)
	time.Sleep(20 * time.Millisecond)

	intruder.send(t, models.EventSendMessage, models.SendMessagePayload{
		ConversationID: conv.ID,
		Sender:         models.Participant{ID: "stranger"},
		Body:           "let me in",
	})
	intruder.send(t, models.EventSendMessage, models.SendMessagePayload{
		ConversationID: conv.ID,
		Sender:         participants()[0],
		Body:           "   ",
	})

	// neither frame is accepted, so nothing reaches the room
	require.NoError(t, member.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var junk models.Frame
	require.Error(t, member.conn.ReadJSON(&junk))

	msgs, err := api.ListMessages(context.Background(), conv.ID, 0, 0)
	require.NoError(t, err)
	require.Empty(t, msgs, "rejected sends must not be persisted")
}

func TestHubTypingRelayExcludesSender(t *testing.T) {
	_, srv := newServer(t, "")
	api := rest.New(srv.URL, "")
	conv, err := api.ResolveConversation(context.Background(), rest.ResolveConversationRequest{
		Subject: "listing-42", Participants: participants(),
	})
	require.NoError(t, err)

	a := dialRoom(t, srv, conv.ID)
	b := dialRoom(t, srv, conv.ID)
	time.Sleep(20 * time.Millisecond)

	a.send(t, models.EventTyping, models.TypingPayload{
		ConversationID: conv.ID,
		Participant:    participants()[0],
		IsTyping:       true,
	})

	f := b.next(t)
	require.Equal(t, models.EventTyping, f.Event)

	// the sender gets nothing back for typing
	require.NoError(t, a.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var junk models.Frame
	require.Error(t, a.conn.ReadJSON(&junk))
}
