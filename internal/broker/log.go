package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"autochat/pkg/logger"
	"autochat/pkg/models"
	"autochat/pkg/utils"
)

// Log is the broker's conversation store on top of Pebble. Message keys
// carry a sortable timestamp prefix so iteration yields insertion order:
//
//	conv:<convID>:msg:<unix_nano_padded>-<seq>   message (rewritten on edit)
//	conv:<convID>:meta                           conversation metadata
//	msgkey:<messageID>                           message id -> message key
type Log struct {
	db  *pebble.DB
	seq uint64
}

// OpenLog opens (or creates) the Pebble database at path.
func OpenLog(path string) (*Log, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func (l *Log) msgKey(convID string, ts int64) string {
	s := atomic.AddUint64(&l.seq, 1)
	return fmt.Sprintf("conv:%s:msg:%020d-%06d", convID, ts, s)
}

// AppendMessage writes a confirmed message at the tail of its conversation
// and indexes it by id so edits and deletes rewrite in place.
func (l *Log) AppendMessage(m models.Message) error {
	if l.db == nil {
		return fmt.Errorf("log not opened")
	}
	key := l.msgKey(m.Conversation, m.TS)
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := l.db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("append_message_failed", "conversation", m.Conversation, "key", key, "error", err)
		return err
	}
	if err := l.db.Set([]byte("msgkey:"+m.ID.Server), []byte(key), pebble.Sync); err != nil {
		return err
	}
	logger.Debug("message_appended", "conversation", m.Conversation, "id", m.ID.Server)
	return nil
}

// GetMessage returns the current version of a message by server id.
func (l *Log) GetMessage(messageID string) (models.Message, error) {
	var m models.Message
	if l.db == nil {
		return m, fmt.Errorf("log not opened")
	}
	kv, closer, err := l.db.Get([]byte("msgkey:" + messageID))
	if err != nil {
		return m, err
	}
	key := append([]byte(nil), kv...)
	_ = closer.Close()
	v, closer, err := l.db.Get(key)
	if err != nil {
		return m, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid stored message: %w", err)
	}
	return m, nil
}

// UpdateMessage rewrites a message version under its original ordering key
// so edits and soft deletes never move the entry.
func (l *Log) UpdateMessage(m models.Message) error {
	if l.db == nil {
		return fmt.Errorf("log not opened")
	}
	kv, closer, err := l.db.Get([]byte("msgkey:" + m.ID.Server))
	if err != nil {
		return err
	}
	key := append([]byte(nil), kv...)
	_ = closer.Close()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return l.db.Set(key, data, pebble.Sync)
}

// ListMessages returns messages of a conversation in insertion order.
// A non-zero after timestamp returns only strictly newer messages; limit
// trims from the front when positive.
func (l *Log) ListMessages(convID string, after int64, limit int) ([]models.Message, error) {
	if l.db == nil {
		return nil, fmt.Errorf("log not opened")
	}
	prefix := []byte("conv:" + convID + ":msg:")
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if after > 0 && m.TS <= after {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// SaveConversation stores conversation metadata under a reserved key.
func (l *Log) SaveConversation(c models.Conversation) error {
	if l.db == nil {
		return fmt.Errorf("log not opened")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return l.db.Set([]byte("conv:"+c.ID+":meta"), data, pebble.Sync)
}

// GetConversation loads conversation metadata by id.
func (l *Log) GetConversation(id string) (models.Conversation, error) {
	var c models.Conversation
	if l.db == nil {
		return c, fmt.Errorf("log not opened")
	}
	v, closer, err := l.db.Get([]byte("conv:" + id + ":meta"))
	if err != nil {
		return c, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &c); err != nil {
		return c, fmt.Errorf("invalid stored conversation: %w", err)
	}
	return c, nil
}

// FindConversation looks up the conversation matching a subject (or the
// support type) and the exact participant id set. Conversations are
// created on first contact and never hard-deleted.
func (l *Log) FindConversation(subject, typ string, participantIDs []string) (models.Conversation, bool, error) {
	if l.db == nil {
		return models.Conversation{}, false, fmt.Errorf("log not opened")
	}
	prefix := []byte("conv:")
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return models.Conversation{}, false, err
	}
	defer iter.Close()
	want := map[string]struct{}{}
	for _, id := range participantIDs {
		want[id] = struct{}{}
	}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			continue
		}
		var c models.Conversation
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			continue
		}
		if c.Subject != subject || c.Type != typ {
			continue
		}
		if len(c.Participants) != len(want) {
			continue
		}
		match := true
		for _, p := range c.Participants {
			if _, ok := want[p.ID]; !ok {
				match = false
				break
			}
		}
		if match {
			return c, true, iter.Error()
		}
	}
	return models.Conversation{}, false, iter.Error()
}

// CreateConversation builds and persists a fresh conversation.
func (l *Log) CreateConversation(subject, typ string, participants []models.Participant) (models.Conversation, error) {
	now := time.Now().UTC().UnixNano()
	c := models.Conversation{
		ID:           utils.GenConversationID(),
		Participants: participants,
		Subject:      subject,
		Type:         typ,
		Status:       models.StatusOpen,
		CreatedTS:    now,
		UpdatedTS:    now,
		Unread:       map[string]int{},
	}
	if err := l.SaveConversation(c); err != nil {
		return models.Conversation{}, err
	}
	logger.Info("conversation_created", "id", c.ID, "subject", subject, "type", typ)
	return c, nil
}

// TouchConversation refreshes the denormalized lastMessage cache and bumps
// unread counters for everyone but the sender.
func (l *Log) TouchConversation(convID string, m models.Message) error {
	c, err := l.GetConversation(convID)
	if err != nil {
		return err
	}
	c.LastMessage = models.LastMessage{Body: m.Body, TS: m.TS}
	c.UpdatedTS = m.TS
	if c.Unread == nil {
		c.Unread = map[string]int{}
	}
	for _, p := range c.Participants {
		if p.ID != m.Sender.ID {
			c.Unread[p.ID]++
		}
	}
	return l.SaveConversation(c)
}
