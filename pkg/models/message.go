package models

// MessageID identifies a message either by a client-generated provisional id
// (before the server ack) or by the server-assigned id. The server never
// echoes the provisional id, so both halves can be populated: Local survives
// the ack so late socket frames for the same send stay correlatable.
type MessageID struct {
	Local  string `json:"local,omitempty"`
	Server string `json:"server,omitempty"`
}

// Provisional returns a MessageID carrying only a client-generated id.
func Provisional(local string) MessageID { return MessageID{Local: local} }

// Confirmed returns a MessageID carrying a server-assigned id.
func Confirmed(server string) MessageID { return MessageID{Server: server} }

// IsConfirmed reports whether the server has acknowledged this message.
func (id MessageID) IsConfirmed() bool { return id.Server != "" }

// String returns the server id when confirmed, else the provisional id.
func (id MessageID) String() string {
	if id.Server != "" {
		return id.Server
	}
	return id.Local
}

// Message kinds.
const (
	KindText   = "text"
	KindSystem = "system"
	KindBot    = "bot"
)

// Participant is a snapshot of a conversation member at send time. The
// display name is denormalized so renames do not rewrite history.
type Participant struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
}

// Message is one entry in a conversation log.
type Message struct {
	ID           MessageID   `json:"id"`
	Conversation string      `json:"conversation"`
	Sender       Participant `json:"sender"`
	Body         string      `json:"body,omitempty"`
	Kind         string      `json:"kind,omitempty"`
	// Attachments is an ordered list of URIs.
	Attachments []string `json:"attachments,omitempty"`
	// TS is the creation timestamp (ns).
	TS int64 `json:"ts"`
	// Edited flag; EditedTS records the last edit time (ns).
	Edited   bool  `json:"edited,omitempty"`
	EditedTS int64 `json:"edited_ts,omitempty"`
	// Deleted marks a soft-deleted message; the body is redacted but the
	// entry keeps its slot so surrounding ordering is stable.
	Deleted bool `json:"deleted,omitempty"`
	// SeenBy is the set of participant ids that have seen this message.
	SeenBy map[string]struct{} `json:"-"`
	// SeenByList is the wire form of SeenBy.
	SeenByList []string `json:"seen_by,omitempty"`
}

// HasSeen reports whether the given participant id is in the seen set.
func (m *Message) HasSeen(participantID string) bool {
	if m.SeenBy != nil {
		if _, ok := m.SeenBy[participantID]; ok {
			return true
		}
	}
	for _, id := range m.SeenByList {
		if id == participantID {
			return true
		}
	}
	return false
}

// AddSeen adds a participant id to the seen set. It reports whether the set
// changed, so callers can skip redundant writes.
func (m *Message) AddSeen(participantID string) bool {
	if m.HasSeen(participantID) {
		return false
	}
	if m.SeenBy == nil {
		m.SeenBy = map[string]struct{}{}
	}
	m.SeenBy[participantID] = struct{}{}
	m.SeenByList = append(m.SeenByList, participantID)
	return true
}

// NormalizeSeen rebuilds the SeenBy set from the wire list after decoding.
func (m *Message) NormalizeSeen() {
	if len(m.SeenByList) == 0 {
		return
	}
	if m.SeenBy == nil {
		m.SeenBy = make(map[string]struct{}, len(m.SeenByList))
	}
	for _, id := range m.SeenByList {
		m.SeenBy[id] = struct{}{}
	}
}
