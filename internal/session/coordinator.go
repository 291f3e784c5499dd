package session

import (
	"sync"
	"time"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"go.uber.org/zap"
)

type session struct {
	id           string
	hostID       string
	status       cnst.SessionStatus
	participants map[string]Participant
	polls        map[string]*Poll
	chat         []ChatMessage
	hostLeftAt   time.Time // zero while the host is present
	lastActivity time.Time
}

// Coordinator owns the per-session state machines: participants, voting and
// the bounded chat transcript. Participant, vote and chat updates are O(1)
// so large sessions stay under the dispatch latency budget.
type Coordinator struct {
	logger  *zap.Logger
	chatCap int

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewCoordinator creates an empty session coordinator
func NewCoordinator(logger *zap.Logger, chatCap int) *Coordinator {
	if chatCap <= 0 {
		chatCap = 200
	}
	return &Coordinator{
		logger:   logger.Named("session"),
		chatCap:  chatCap,
		sessions: make(map[string]*session),
	}
}

// Join registers a session locally. Re-joining an existing session returns
// current state unchanged.
func (c *Coordinator) Join(st State) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[st.ID]
	if !ok {
		status := st.Status
		if status == "" {
			status = cnst.SessionScheduled
		}
		s = &session{
			id:           st.ID,
			hostID:       st.HostID,
			status:       status,
			participants: make(map[string]Participant),
			polls:        make(map[string]*Poll),
			lastActivity: time.Now(),
		}
		c.sessions[st.ID] = s
		c.logger.Debug("joined session", zap.String("id", st.ID))
	}
	return s.snapshot()
}

// Leave drops all local state for a session.
func (c *Coordinator) Leave(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

// Get returns the snapshot of a registered session.
func (c *Coordinator) Get(id string) (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[id]
	if !ok {
		return Snapshot{}, cnst.ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// AddParticipant records a member, unique by user id.
func (c *Coordinator) AddParticipant(sessionID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return cnst.ErrSessionNotFound
	}
	if _, exists := s.participants[userID]; !exists {
		s.participants[userID] = Participant{UserID: userID, JoinedAt: time.Now()}
	}
	if userID == s.hostID {
		s.hostLeftAt = time.Time{}
	}
	s.lastActivity = time.Now()
	return nil
}

// RemoveParticipant drops a member. When the host leaves, the grace window
// starts; the reaper ends the session if the host does not return in time.
func (c *Coordinator) RemoveParticipant(sessionID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return cnst.ErrSessionNotFound
	}
	delete(s.participants, userID)
	if userID == s.hostID && s.status == cnst.SessionActive {
		s.hostLeftAt = time.Now()
	}
	s.lastActivity = time.Now()
	return nil
}

// Start moves a scheduled session to active. Host only.
func (c *Coordinator) Start(sessionID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return cnst.ErrSessionNotFound
	}
	if userID != s.hostID {
		return cnst.ErrNotHost
	}
	if s.status == cnst.SessionEnded {
		return cnst.ErrSessionEnded
	}
	s.status = cnst.SessionActive
	s.lastActivity = time.Now()
	return nil
}

// End moves a session to ended. Host only.
func (c *Coordinator) End(sessionID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return cnst.ErrSessionNotFound
	}
	if userID != s.hostID {
		return cnst.ErrNotHost
	}
	s.status = cnst.SessionEnded
	s.lastActivity = time.Now()
	return nil
}

// CreatePoll registers a poll within a session.
func (c *Coordinator) CreatePoll(sessionID string, poll Poll) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return cnst.ErrSessionNotFound
	}
	if s.status == cnst.SessionEnded {
		return cnst.ErrSessionEnded
	}
	if poll.CreatedAt.IsZero() {
		poll.CreatedAt = time.Now()
	}
	poll.responses = make(map[string]string)
	s.polls[poll.ID] = &poll
	s.lastActivity = time.Now()
	return nil
}

// ClosePoll ends voting on a poll. Host or poll creator only.
func (c *Coordinator) ClosePoll(sessionID, pollID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return cnst.ErrSessionNotFound
	}
	p, ok := s.polls[pollID]
	if !ok {
		return cnst.ErrPollNotFound
	}
	if userID != s.hostID && userID != p.CreatedBy {
		return cnst.ErrNotHost
	}
	p.Closed = true
	s.lastActivity = time.Now()
	return nil
}

// CastVote records one response per (poll, user); a later vote replaces the
// earlier one. Votes after the poll close are rejected, not dropped.
func (c *Coordinator) CastVote(sessionID, pollID, userID, choice string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return cnst.ErrSessionNotFound
	}
	if s.status == cnst.SessionEnded {
		return cnst.ErrSessionEnded
	}
	p, ok := s.polls[pollID]
	if !ok {
		return cnst.ErrPollNotFound
	}
	if !p.open(time.Now()) {
		return cnst.ErrPollClosed
	}
	p.responses[userID] = choice
	s.lastActivity = time.Now()
	return nil
}

// Tally computes per-choice counts over the current responses.
func (c *Coordinator) Tally(sessionID, pollID string) (Tally, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return Tally{}, cnst.ErrSessionNotFound
	}
	p, ok := s.polls[pollID]
	if !ok {
		return Tally{}, cnst.ErrPollNotFound
	}

	counts := make(map[string]int, len(p.Choices))
	for _, choice := range p.responses {
		counts[choice]++
	}
	return Tally{
		PollID: pollID,
		Counts: counts,
		Total:  len(p.responses),
		Closed: !p.open(time.Now()),
	}, nil
}

// AddChat appends to the bounded transcript, evicting the oldest entry once
// the cap is reached. Eviction never touches votes or participants.
func (c *Coordinator) AddChat(sessionID string, msg ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return cnst.ErrSessionNotFound
	}
	if s.status == cnst.SessionEnded {
		return cnst.ErrSessionEnded
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.chat = append(s.chat, msg)
	if len(s.chat) > c.chatCap {
		s.chat = s.chat[len(s.chat)-c.chatCap:]
	}
	s.lastActivity = time.Now()
	return nil
}

// Chat returns a copy of the transcript in order.
func (c *Coordinator) Chat(sessionID string) ([]ChatMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, cnst.ErrSessionNotFound
	}
	out := make([]ChatMessage, len(s.chat))
	copy(out, s.chat)
	return out, nil
}

// EndAbandoned ends active sessions whose host has been gone longer than the
// grace window. Returns how many sessions were ended.
func (c *Coordinator) EndAbandoned(grace time.Duration) int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ended := 0
	for _, s := range c.sessions {
		if s.status == cnst.SessionActive && !s.hostLeftAt.IsZero() && now.Sub(s.hostLeftAt) > grace {
			s.status = cnst.SessionEnded
			ended++
		}
	}
	if ended > 0 {
		c.logger.Debug("ended abandoned sessions", zap.Int("count", ended))
	}
	return ended
}

// EvictIdle removes ended or idle sessions past the idle bound and returns
// how many were evicted. Invoked by the resource reaper.
func (c *Coordinator) EvictIdle(idle time.Duration) int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, s := range c.sessions {
		if now.Sub(s.lastActivity) > idle {
			delete(c.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		c.logger.Debug("evicted idle sessions", zap.Int("count", evicted))
	}
	return evicted
}

// EnforceChatCap re-applies the transcript bound across all sessions, for
// sweeps after batched updates. Returns total evicted messages.
func (c *Coordinator) EnforceChatCap() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for _, s := range c.sessions {
		if over := len(s.chat) - c.chatCap; over > 0 {
			s.chat = s.chat[over:]
			evicted += over
		}
	}
	return evicted
}

// Len returns the number of registered sessions.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Clear drops all sessions.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]*session)
}

func (s *session) snapshot() Snapshot {
	participants := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, p)
	}
	return Snapshot{
		ID:           s.id,
		HostID:       s.hostID,
		Status:       s.status,
		Participants: participants,
		Polls:        len(s.polls),
		ChatLen:      len(s.chat),
	}
}
