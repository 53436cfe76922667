package store

import (
	"sync"
	"time"

	"autochat/pkg/logger"
	"autochat/pkg/models"
	"autochat/pkg/telemetry"
	"autochat/pkg/utils"
)

// Source tags which path delivered a server message. When both paths report
// the same server id the socket wins for transient fields (seen set, edit
// flag) because it is the lower-latency signal; body and attachments are
// immutable once set except via explicit edit events.
type Source int

const (
	SourceSocket Source = iota
	SourceREST
)

// Outcome describes what reconciliation did with an incoming message.
type Outcome string

const (
	// OutcomeConfirmed: a provisional entry was promoted in place.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeAppended: a new entry was appended at the tail.
	OutcomeAppended Outcome = "appended"
	// OutcomeInserted: a new entry was inserted in timestamp order because
	// it was older than the tail (slow REST fetch racing a socket event).
	OutcomeInserted Outcome = "inserted"
	// OutcomeDuplicate: the server id was already present; transient fields
	// were merged per the source tie-break.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored: the message carried no server id.
	OutcomeIgnored Outcome = "ignored"
)

// conversationLog holds the ordered entries of one conversation. Soft
// deleted messages keep their slot so surrounding order never shifts.
type conversationLog struct {
	order    []*models.Message
	byServer map[string]*models.Message
	byLocal  map[string]*models.Message
}

// Store merges optimistic local sends, socket-confirmed messages and
// REST-fetched history into one ordered, deduplicated sequence per
// conversation. Invariant: exactly one entry per logical message, ordered
// by creation time with ties broken by arrival order.
type Store struct {
	mu    sync.Mutex
	logs  map[string]*conversationLog
	convs map[string]*models.Conversation
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		logs:  map[string]*conversationLog{},
		convs: map[string]*models.Conversation{},
	}
}

func (s *Store) log(conversationID string) *conversationLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = &conversationLog{
			byServer: map[string]*models.Message{},
			byLocal:  map[string]*models.Message{},
		}
		s.logs[conversationID] = l
	}
	return l
}

// AppendOptimistic synthesizes a provisional message and inserts it
// immediately. The returned copy carries the provisional id the caller uses
// for correlation.
func (s *Store) AppendOptimistic(conversationID string, sender models.Participant, body, kind string, attachments []string) models.Message {
	m := &models.Message{
		ID:           models.Provisional(utils.GenProvisionalID()),
		Conversation: conversationID,
		Sender:       sender,
		Body:         body,
		Kind:         kind,
		Attachments:  attachments,
		TS:           time.Now().UTC().UnixNano(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(conversationID)
	l.order = append(l.order, m)
	l.byLocal[m.ID.Local] = m
	return *m
}

// ReconcileIncoming folds a server-confirmed message into the log. Both the
// socket path and the REST path funnel through here so whichever arrives
// first wins insertion and the second deduplicates.
func (s *Store) ReconcileIncoming(msg models.Message, src Source) Outcome {
	s.mu.Lock()
	out := s.reconcileLocked(msg, src)
	s.mu.Unlock()
	telemetry.ReconcileTotal.WithLabelValues(string(out)).Inc()
	return out
}

func (s *Store) reconcileLocked(msg models.Message, src Source) Outcome {
	if !msg.ID.IsConfirmed() {
		logger.Warn("reconcile_unconfirmed_dropped", "conversation", msg.Conversation)
		return OutcomeIgnored
	}
	msg.NormalizeSeen()
	l := s.log(msg.Conversation)

	if existing, ok := l.byServer[msg.ID.Server]; ok {
		mergeTransient(existing, &msg, src)
		return OutcomeDuplicate
	}

	// The broker does not echo provisional ids, so the match is structural:
	// same conversation, same sender, identical body, not yet confirmed.
	if prov := l.matchProvisional(&msg); prov != nil {
		prov.ID.Server = msg.ID.Server
		prov.TS = msg.TS
		prov.Kind = msg.Kind
		prov.Sender = msg.Sender
		mergeTransient(prov, &msg, src)
		l.byServer[msg.ID.Server] = prov
		s.bumpConversation(&msg, src)
		return OutcomeConfirmed
	}

	m := msg
	l.byServer[m.ID.Server] = &m
	s.bumpConversation(&m, src)

	if n := len(l.order); n > 0 && l.order[n-1].TS > m.TS {
		i := n
		for i > 0 && l.order[i-1].TS > m.TS {
			i--
		}
		l.order = append(l.order, nil)
		copy(l.order[i+1:], l.order[i:])
		l.order[i] = &m
		return OutcomeInserted
	}
	l.order = append(l.order, &m)
	return OutcomeAppended
}

func (l *conversationLog) matchProvisional(msg *models.Message) *models.Message {
	for _, m := range l.order {
		if !m.ID.IsConfirmed() && m.Sender.ID == msg.Sender.ID && m.Body == msg.Body {
			return m
		}
	}
	return nil
}

// mergeTransient applies the tie-break policy onto dst. Socket frames
// overwrite the seen set and edit state; REST refreshes only add what is
// missing. Body and attachments stay untouched.
func mergeTransient(dst, src *models.Message, from Source) {
	if from == SourceSocket {
		if len(src.SeenByList) > 0 {
			dst.SeenBy = src.SeenBy
			dst.SeenByList = src.SeenByList
		}
		if src.Edited {
			dst.Edited = true
			dst.EditedTS = src.EditedTS
			if !dst.Deleted {
				dst.Body = src.Body
			}
		}
		if src.Deleted {
			dst.Deleted = true
			dst.Body = ""
		}
		return
	}
	for _, id := range src.SeenByList {
		dst.AddSeen(id)
	}
	if src.Edited && !dst.Edited && !dst.Deleted {
		dst.Edited = true
		dst.EditedTS = src.EditedTS
		dst.Body = src.Body
	}
	if src.Deleted && !dst.Deleted {
		dst.Deleted = true
		dst.Body = ""
	}
}

// ApplyEdit mutates a message body in place. Unknown ids are a benign race
// (late or duplicate event) and are ignored. Delete is terminal: an edit
// arriving after a delete for the same id is dropped.
func (s *Store) ApplyEdit(conversationID, serverID, newBody string, editedTS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(conversationID)
	m, ok := l.byServer[serverID]
	if !ok {
		logger.Debug("edit_unknown_message", "conversation", conversationID, "id", serverID)
		return false
	}
	if m.Deleted {
		logger.Debug("edit_after_delete_ignored", "conversation", conversationID, "id", serverID)
		return false
	}
	m.Body = newBody
	m.Edited = true
	if editedTS == 0 {
		editedTS = time.Now().UTC().UnixNano()
	}
	m.EditedTS = editedTS
	return true
}

// ApplyDelete soft-deletes a message: the body is redacted but the entry
// keeps its slot for ordering. Unknown ids are ignored.
func (s *Store) ApplyDelete(conversationID, serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(conversationID)
	m, ok := l.byServer[serverID]
	if !ok {
		logger.Debug("delete_unknown_message", "conversation", conversationID, "id", serverID)
		return false
	}
	m.Deleted = true
	m.Body = ""
	return true
}

// HydrateHistory merges a REST-fetched page without discarding optimistic
// entries that are not yet confirmed.
func (s *Store) HydrateHistory(conversationID string, msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		m.Conversation = conversationID
		out := s.reconcileLocked(m, SourceREST)
		telemetry.ReconcileTotal.WithLabelValues(string(out)).Inc()
	}
}

// MarkSeen adds a participant to a message's seen set. Idempotent; reports
// whether the set changed.
func (s *Store) MarkSeen(conversationID, serverID, participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(conversationID)
	m, ok := l.byServer[serverID]
	if !ok {
		return false
	}
	return m.AddSeen(participantID)
}

// Visible returns the renderable sequence: ordered by creation time, soft
// deleted entries excluded without shifting the rest.
func (s *Store) Visible(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(conversationID)
	out := make([]models.Message, 0, len(l.order))
	for _, m := range l.order {
		if m.Deleted {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// All returns every entry including soft-deleted slots, for diagnostics.
func (s *Store) All(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(conversationID)
	out := make([]models.Message, 0, len(l.order))
	for _, m := range l.order {
		out = append(out, *m)
	}
	return out
}

// Unconfirmed returns optimistic entries still waiting for a server ack, so
// the UI can render them as pending.
func (s *Store) Unconfirmed(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(conversationID)
	var out []models.Message
	for _, m := range l.order {
		if !m.ID.IsConfirmed() {
			out = append(out, *m)
		}
	}
	return out
}

// LastConfirmedTS returns the newest confirmed timestamp, used as the
// watermark for incremental history fetches after a reconnect.
func (s *Store) LastConfirmedTS(conversationID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(conversationID)
	var ts int64
	for _, m := range l.order {
		if m.ID.IsConfirmed() && m.TS > ts {
			ts = m.TS
		}
	}
	return ts
}

// SetConversation caches conversation metadata.
func (s *Store) SetConversation(c models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := c
	s.convs[c.ID] = &cc
}

// Conversation returns the cached conversation metadata, if known.
func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return models.Conversation{}, false
	}
	return *c, true
}

// ResetUnread zeroes the unread counter for a participant.
func (s *Store) ResetUnread(conversationID, participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok && c.Unread != nil {
		c.Unread[participantID] = 0
	}
}

// bumpConversation refreshes the denormalized lastMessage cache and, for
// socket deliveries only, the unread counters for everyone but the sender.
// REST-fetched history already carries the broker's counters in the
// conversation snapshot; bumping again there would double-count. Called
// with s.mu held.
func (s *Store) bumpConversation(m *models.Message, src Source) {
	c, ok := s.convs[m.Conversation]
	if !ok || m.Deleted {
		return
	}
	if m.TS >= c.LastMessage.TS {
		c.LastMessage = models.LastMessage{Body: m.Body, TS: m.TS}
		c.UpdatedTS = m.TS
	}
	if src != SourceSocket {
		return
	}
	if c.Unread == nil {
		c.Unread = map[string]int{}
	}
	for _, p := range c.Participants {
		if p.ID != m.Sender.ID {
			c.Unread[p.ID]++
		}
	}
}
