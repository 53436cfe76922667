package broker

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"

	"autochat/pkg/logger"
	"autochat/pkg/models"
	"autochat/pkg/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client is one socket connection and the rooms it has joined.
type client struct {
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
}

// Hub fans socket events out to conversation rooms. A confirmed message is
// broadcast to every room member including its sender; that echo doubles as
// the delivery ack, so there is no separate ack frame.
type Hub struct {
	log *Log

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates a hub over the given log.
func NewHub(log *Log) *Hub {
	return &Hub{log: log, clients: map[*client]struct{}{}}
}

// ServeWS upgrades the request and runs the client until disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64), rooms: map[string]struct{}{}}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logger.Info("ws_client_connected", "remote", r.RemoteAddr)

	go c.writePump()
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
	logger.Info("ws_client_disconnected", "remote", r.RemoteAddr)
}

func (c *client) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.Close()
}

func (h *Hub) readLoop(c *client) {
	defer c.conn.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f models.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("ws_bad_frame", "error", err)
			continue
		}
		h.dispatch(c, f)
	}
}

func (h *Hub) dispatch(c *client, f models.Frame) {
	switch f.Event {
	case models.EventJoinChat:
		var p models.JoinChatPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.ConversationID == "" {
			return
		}
		h.mu.Lock()
		c.rooms[p.ConversationID] = struct{}{}
		h.mu.Unlock()
		logger.Debug("ws_room_joined", "conversation", p.ConversationID)

	case models.EventSendMessage:
		var p models.SendMessagePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		// same admission rules as the REST path; socket sends are
		// fire-and-forget so a rejected frame is dropped, not answered
		if strings.TrimSpace(p.Body) == "" {
			logger.Warn("ws_send_rejected", "conversation", p.ConversationID, "reason", "empty body")
			return
		}
		conv, err := h.log.GetConversation(p.ConversationID)
		if err != nil {
			logger.Warn("ws_send_rejected", "conversation", p.ConversationID, "reason", "unknown conversation")
			return
		}
		if !conv.HasParticipant(p.Sender.ID) {
			logger.Warn("ws_send_rejected", "conversation", p.ConversationID, "sender", p.Sender.ID, "reason", "not a participant")
			return
		}
		m, err := h.acceptMessage(p)
		if err != nil {
			logger.Error("ws_send_rejected", "conversation", p.ConversationID, "error", err)
			return
		}
		h.Broadcast(m.Conversation, models.EventNewMessage, models.MessagePayload{
			ConversationID: m.Conversation,
			Message:        m,
		})

	case models.EventTyping:
		var p models.TypingPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		h.broadcastExcept(c, p.ConversationID, models.EventTyping, p)

	case models.EventMessageSeen:
		var p models.SeenPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		if err := h.markSeen(p); err != nil {
			logger.Warn("ws_seen_failed", "message", p.MessageID, "error", err)
			return
		}
		h.broadcastExcept(c, p.ConversationID, models.EventMessageSeen, p)

	case models.EventDeleteMessage:
		var p models.DeletePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		if _, err := h.deleteMessage(p.MessageID); err != nil {
			logger.Warn("ws_delete_failed", "message", p.MessageID, "error", err)
			return
		}
		h.Broadcast(p.ConversationID, models.EventMessageDeleted, p)

	default:
		logger.Debug("ws_unknown_event", "event", f.Event)
	}
}

// acceptMessage assigns the authoritative id and timestamp, persists the
// message and refreshes conversation metadata.
func (h *Hub) acceptMessage(p models.SendMessagePayload) (models.Message, error) {
	kind := p.Kind
	if kind == "" {
		kind = models.KindText
	}
	m := models.Message{
		ID:           models.Confirmed(utils.GenMessageID()),
		Conversation: p.ConversationID,
		Sender:       p.Sender,
		Body:         p.Body,
		Kind:         kind,
		Attachments:  p.Attachments,
		TS:           time.Now().UTC().UnixNano(),
	}
	if err := h.log.AppendMessage(m); err != nil {
		return models.Message{}, err
	}
	if err := h.log.TouchConversation(m.Conversation, m); err != nil {
		logger.Warn("touch_conversation_failed", "conversation", m.Conversation, "error", err)
	}
	return m, nil
}

func (h *Hub) markSeen(p models.SeenPayload) error {
	m, err := h.log.GetMessage(p.MessageID)
	if err != nil {
		return err
	}
	m.NormalizeSeen()
	if !m.AddSeen(p.SeenBy) {
		return nil
	}
	if err := h.log.UpdateMessage(m); err != nil {
		return err
	}
	// catching up on a message clears the reader's unread counter
	if c, err := h.log.GetConversation(p.ConversationID); err == nil && c.Unread[p.SeenBy] != 0 {
		c.Unread[p.SeenBy] = 0
		if err := h.log.SaveConversation(c); err != nil {
			logger.Warn("unread_reset_failed", "conversation", p.ConversationID, "error", err)
		}
	}
	return nil
}

func (h *Hub) deleteMessage(messageID string) (models.Message, error) {
	m, err := h.log.GetMessage(messageID)
	if err != nil {
		return m, err
	}
	m.Deleted = true
	m.Body = ""
	m.Attachments = nil
	if err := h.log.UpdateMessage(m); err != nil {
		return m, err
	}
	return m, nil
}

// Broadcast encodes one frame and sends it to every room member, sender
// included. Slow clients are dropped rather than blocked on.
func (h *Hub) Broadcast(convID, event string, payload any) {
	h.broadcastExcept(nil, convID, event, payload)
}

func (h *Hub) broadcastExcept(skip *client, convID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("broadcast_marshal_failed", "event", event, "error", err)
		return
	}
	// Encode into a pooled scratch buffer; the copy handed to the send
	// queues must outlive the buffer's return to the pool.
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(models.Frame{Event: event, Data: data}); err != nil {
		return
	}
	frame := append([]byte(nil), buf.B...)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c == skip {
			continue
		}
		if _, ok := c.rooms[convID]; !ok {
			continue
		}
		select {
		case c.send <- frame:
		default:
			logger.Warn("ws_send_queue_full", "conversation", convID)
		}
	}
}
