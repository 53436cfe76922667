package models

// Conversation statuses.
const (
	StatusOpen     = "open"
	StatusPending  = "pending"
	StatusResolved = "resolved"
	StatusClosed   = "closed"
)

// Conversation types.
const (
	TypeListing = "listing"
	TypeSupport = "support"
)

// LastMessage is a denormalized cache of the most recent accepted message,
// refreshed on every accepted message so conversation lists render without
// loading full histories.
type LastMessage struct {
	Body string `json:"body,omitempty"`
	TS   int64  `json:"ts,omitempty"`
}

// Conversation groups messages between a fixed participant set about a
// subject (a car listing) or a support request. Conversations are never
// hard-deleted; status transitions cover the whole lifecycle.
type Conversation struct {
	ID string `json:"id"`
	// Participants is ordered and unique by id.
	Participants []Participant `json:"participants"`
	// Subject references the car listing the chat is about; empty for
	// support conversations.
	Subject string `json:"subject,omitempty"`
	Type    string `json:"type,omitempty"`
	Status  string `json:"status,omitempty"`
	// CreatedTS / UpdatedTS are unix-nano timestamps.
	CreatedTS int64 `json:"created_ts,omitempty"`
	UpdatedTS int64 `json:"updated_ts,omitempty"`

	LastMessage LastMessage `json:"last_message,omitempty"`
	// Unread counts keyed by participant id.
	Unread map[string]int `json:"unread,omitempty"`
}

// Participant returns the participant with the given id, if present.
func (c *Conversation) Participant(id string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// HasParticipant reports whether the given actor id is a member.
func (c *Conversation) HasParticipant(id string) bool {
	_, ok := c.Participant(id)
	return ok
}
