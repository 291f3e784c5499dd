package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"github.com/amoylab/syncroom/internal/common/config"
	"github.com/amoylab/syncroom/internal/document"
	"github.com/amoylab/syncroom/internal/notification"
	"github.com/amoylab/syncroom/internal/presence"
	"github.com/amoylab/syncroom/internal/protocol"
	"github.com/amoylab/syncroom/internal/session"
)

// ConnectionState returns the current connection state.
func (e *Engine) ConnectionState() cnst.ConnState {
	return e.conn.State()
}

// Flags returns the active feature toggles.
func (e *Engine) Flags() config.FeatureConfig {
	return e.cfg.Features
}

func (e *Engine) send(msgType cnst.MessageType, payload any) error {
	env, err := protocol.New(msgType.String(), payload)
	if err != nil {
		return err
	}
	return e.conn.Send(env)
}

// UpdatePresence records this user's presence locally and broadcasts it.
func (e *Engine) UpdatePresence(ctx context.Context, status cnst.PresenceStatus, activity string) error {
	rec := presence.Record{
		UserID:            e.userID,
		Status:            status,
		Activity:          activity,
		LastSeen:          time.Now(),
		ConnectionQuality: e.conn.Quality(),
	}
	if err := e.presence.Upsert(ctx, rec); err != nil {
		return err
	}
	return e.send(cnst.MsgPresenceUpdate, rec)
}

// ActivePresence lists users seen within the configured staleness window.
func (e *Engine) ActivePresence(ctx context.Context) ([]presence.Record, error) {
	return e.presence.ListActive(ctx, e.cfg.Presence.TTL)
}

// Presence returns one user's record.
func (e *Engine) Presence(ctx context.Context, userID string) (presence.Record, error) {
	return e.presence.Get(ctx, userID)
}

// JoinDocument opens a document for local collaboration.
func (e *Engine) JoinDocument(id, initial string) document.Snapshot {
	return e.documents.Join(id, initial)
}

// LeaveDocument drops local state for a document.
func (e *Engine) LeaveDocument(id string) {
	e.documents.Leave(id)
}

// Document returns the local snapshot of an open document.
func (e *Engine) Document(id string) (document.Snapshot, error) {
	return e.documents.Get(id)
}

// ApplyLocalOperation applies an edit from this client and broadcasts it.
// The operation is stamped with this user, a fresh id, and the document
// version the client observed, unless the caller set them.
func (e *Engine) ApplyLocalOperation(op document.Operation) (document.Result, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.AuthorID == "" {
		op.AuthorID = e.userID
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	if op.Version == 0 {
		if snap, err := e.documents.Get(op.DocumentID); err == nil {
			op.Version = snap.Version
		}
	}

	res, err := e.documents.Apply(op)
	if err != nil {
		return document.Result{}, err
	}
	return res, e.send(cnst.MsgDocumentOperation, op)
}

// SendCursor records this user's cursor locally and broadcasts it.
func (e *Engine) SendCursor(docID string, cur document.Cursor) error {
	if cur.UserID == "" {
		cur.UserID = e.userID
	}
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = time.Now()
	}
	if err := e.documents.SetCursor(docID, cur); err != nil {
		return err
	}
	return e.send(cnst.MsgDocumentCursor, cursorPayload{DocumentID: docID, Cursor: cur})
}

// JoinSession registers a session locally and adds this user to it.
func (e *Engine) JoinSession(st session.State) (session.Snapshot, error) {
	snap := e.sessions.Join(st)
	if err := e.sessions.AddParticipant(st.ID, e.userID); err != nil {
		return snap, err
	}
	return e.sessions.Get(st.ID)
}

// LeaveSession removes this user from a session.
func (e *Engine) LeaveSession(id string) error {
	return e.sessions.RemoveParticipant(id, e.userID)
}

// Session returns the local snapshot of a session.
func (e *Engine) Session(id string) (session.Snapshot, error) {
	return e.sessions.Get(id)
}

// StartSession activates a session; only its host may do this.
func (e *Engine) StartSession(id string) error {
	return e.sessions.Start(id, e.userID)
}

// EndSession ends a session; only its host may do this.
func (e *Engine) EndSession(id string) error {
	return e.sessions.End(id, e.userID)
}

// CreatePoll opens a poll in a session and broadcasts it.
func (e *Engine) CreatePoll(sessionID string, poll session.Poll) error {
	if poll.ID == "" {
		poll.ID = uuid.NewString()
	}
	if poll.CreatedBy == "" {
		poll.CreatedBy = e.userID
	}
	if poll.CreatedAt.IsZero() {
		poll.CreatedAt = time.Now()
	}
	if err := e.sessions.CreatePoll(sessionID, poll); err != nil {
		return err
	}
	return e.send(cnst.MsgSessionVote, votePayload{
		SessionID: sessionID,
		UserID:    e.userID,
		Action:    "create",
		Poll:      &poll,
	})
}

// ClosePoll stops a poll from accepting votes and broadcasts the close.
func (e *Engine) ClosePoll(sessionID, pollID string) error {
	if err := e.sessions.ClosePoll(sessionID, pollID, e.userID); err != nil {
		return err
	}
	return e.send(cnst.MsgSessionVote, votePayload{
		SessionID: sessionID,
		PollID:    pollID,
		UserID:    e.userID,
		Action:    "close",
	})
}

// CastVote records this user's vote locally and broadcasts it. A later vote
// by the same user replaces the earlier one.
func (e *Engine) CastVote(sessionID, pollID, choice string) error {
	if err := e.sessions.CastVote(sessionID, pollID, e.userID, choice); err != nil {
		return err
	}
	return e.send(cnst.MsgSessionVote, votePayload{
		SessionID: sessionID,
		PollID:    pollID,
		UserID:    e.userID,
		Choice:    choice,
	})
}

// PollTally computes a poll's result on demand.
func (e *Engine) PollTally(sessionID, pollID string) (session.Tally, error) {
	return e.sessions.Tally(sessionID, pollID)
}

// SendChat appends a message to the session transcript and broadcasts it.
func (e *Engine) SendChat(sessionID, body string) error {
	msg := session.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    e.userID,
		Body:      body,
		Timestamp: time.Now(),
	}
	if err := e.sessions.AddChat(sessionID, msg); err != nil {
		return err
	}
	return e.send(cnst.MsgSessionChat, msg)
}

// Chat returns the bounded transcript of a session.
func (e *Engine) Chat(sessionID string) ([]session.ChatMessage, error) {
	return e.sessions.Chat(sessionID)
}

// Notifications lists stored notifications in insertion order.
func (e *Engine) Notifications() []notification.Notification {
	return e.notifications.List()
}

// UnreadCount returns the number of unread notifications.
func (e *Engine) UnreadCount() int {
	return e.notifications.UnreadCount()
}

// MarkNotificationRead marks one notification as read.
func (e *Engine) MarkNotificationRead(id string) error {
	return e.notifications.MarkRead(id)
}

// MarkAllNotificationsRead marks every notification as read.
func (e *Engine) MarkAllNotificationsRead() {
	e.notifications.MarkAllRead()
}

// ClearNotifications drops every notification.
func (e *Engine) ClearNotifications() {
	e.notifications.ClearAll()
}
