package session

import (
	"time"

	"github.com/amoylab/syncroom/internal/common/cnst"
)

// State is the seed used to register a session locally.
type State struct {
	ID     string             `json:"id"`
	HostID string             `json:"hostId"`
	Status cnst.SessionStatus `json:"status,omitempty"`
}

// Participant is one member of a session, unique by user id.
type Participant struct {
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ChatMessage is one entry of the bounded session transcript.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Poll is one vote within a session. Each user has at most one recorded
// response; a later response replaces the earlier one.
type Poll struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Choices   []string  `json:"choices"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	ClosesAt  time.Time `json:"closesAt,omitempty"`
	Closed    bool      `json:"closed"`

	responses map[string]string // userID -> choice
}

// open reports whether the poll still accepts votes.
func (p *Poll) open(now time.Time) bool {
	if p.Closed {
		return false
	}
	if !p.ClosesAt.IsZero() && now.After(p.ClosesAt) {
		return false
	}
	return true
}

// Tally is the on-demand result of a poll.
type Tally struct {
	PollID string         `json:"pollId"`
	Counts map[string]int `json:"counts"` // choice -> votes
	Total  int            `json:"total"`
	Closed bool           `json:"closed"`
}

// Snapshot is the externally visible state of a session.
type Snapshot struct {
	ID           string             `json:"id"`
	HostID       string             `json:"hostId"`
	Status       cnst.SessionStatus `json:"status"`
	Participants []Participant      `json:"participants"`
	Polls        int                `json:"polls"`
	ChatLen      int                `json:"chatLen"`
}
