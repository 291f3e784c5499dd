package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"github.com/amoylab/syncroom/internal/common/config"
	"github.com/amoylab/syncroom/internal/conn"
	"github.com/amoylab/syncroom/internal/document"
	"github.com/amoylab/syncroom/internal/notification"
	"github.com/amoylab/syncroom/internal/presence"
	"github.com/amoylab/syncroom/internal/protocol"
	"github.com/amoylab/syncroom/internal/reaper"
	"github.com/amoylab/syncroom/internal/session"
	"github.com/amoylab/syncroom/pkg/metrics"
)

type handlerFunc func(ctx context.Context, env protocol.Envelope) error

// Engine is the client-side collaboration runtime. It owns the connection,
// the local stores, and a single dispatch goroutine that applies every
// inbound envelope, so store mutations from the wire are serialized.
type Engine struct {
	logger  *zap.Logger
	cfg     *config.EngineConfig
	metrics *metrics.Metrics

	conn          *conn.Manager
	presence      presence.Store
	documents     *document.Synchronizer
	sessions      *session.Coordinator
	notifications *notification.Center
	reaper        *reaper.Reaper

	handlers map[cnst.MessageType]handlerFunc
	inbound  chan protocol.Envelope

	mu      sync.Mutex
	userID  string
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New builds an engine from configuration. The presence store backend is
// selected by cfg.Presence.Type.
func New(cfg *config.EngineConfig, logger *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	log := logger.Named("engine")

	store, err := presence.NewStore(logger, &cfg.Presence)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:        log,
		cfg:           cfg,
		metrics:       m,
		presence:      store,
		documents:     document.NewSynchronizer(logger),
		sessions:      session.NewCoordinator(logger, cfg.Sessions.ChatCap),
		notifications: notification.NewCenter(logger, cfg.Notifications.Cap),
		inbound:       make(chan protocol.Envelope, cfg.Connection.QueueSoftCap),
	}
	e.conn = conn.NewManager(logger, cfg.Connection, m)
	e.conn.OnMessage(e.enqueue)
	e.conn.OnClear(e.Cleanup)
	e.reaper = reaper.New(logger, cfg, m, store, e.documents, e.sessions, e.notifications)

	e.handlers = map[cnst.MessageType]handlerFunc{
		cnst.MsgPresenceUpdate:    e.handlePresenceUpdate,
		cnst.MsgPresenceJoin:      e.handlePresenceJoin,
		cnst.MsgPresenceLeave:     e.handlePresenceLeave,
		cnst.MsgDocumentOperation: e.handleDocumentOperation,
		cnst.MsgDocumentCursor:    e.handleDocumentCursor,
		cnst.MsgSessionVote:       e.handleSessionVote,
		cnst.MsgSessionChat:       e.handleSessionChat,
		cnst.MsgNotificationPush:  e.handleNotificationPush,
		cnst.MsgSystemHeartbeat:   e.handleHeartbeat,
	}
	return e, nil
}

// Connect opens the connection and starts the dispatch loop and the reaper.
func (e *Engine) Connect(ctx context.Context, userID, orgID string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.userID = userID
	e.mu.Unlock()

	if err := e.conn.Connect(ctx, userID, orgID); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.runCtx = runCtx
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.dispatchLoop(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.reaper.Run(runCtx)
	}()

	e.logger.Info("engine connected", zap.String("user_id", userID), zap.String("org_id", orgID))
	return nil
}

// Disconnect closes the connection and clears all dependent state. The clear
// runs synchronously through the connection's teardown hook.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runCtx = nil
	running := e.running
	e.running = false
	e.mu.Unlock()

	if !running {
		return
	}
	if cancel != nil {
		cancel()
	}
	e.conn.Disconnect()
	e.wg.Wait()
	e.logger.Info("engine disconnected")
}

// Cleanup drops all local state: presence, documents, sessions, and
// notifications. Called from the connection teardown hook.
func (e *Engine) Cleanup() {
	ctx := context.Background()
	if err := e.presence.Clear(ctx); err != nil {
		e.logger.Warn("failed to clear presence store", zap.Error(err))
	}
	e.documents.Clear()
	e.sessions.Clear()
	e.notifications.ClearAll()
	e.logger.Debug("cleared all engine state")
}

// enqueue hands an inbound envelope to the dispatch loop. When the queue is
// full, ephemeral types are dropped and superseded by the next update;
// everything else blocks the read pump so no state-bearing envelope is lost.
func (e *Engine) enqueue(env protocol.Envelope) {
	select {
	case e.inbound <- env:
		return
	default:
	}

	if droppable(cnst.MessageType(env.Type)) {
		e.logger.Warn("inbound queue full, dropping envelope", zap.String("type", env.Type))
		e.metrics.IncDropped("backpressure")
		return
	}

	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	select {
	case e.inbound <- env:
	case <-ctx.Done():
	}
}

// droppable reports whether an envelope carries only transient state that the
// next update of its kind fully replaces.
func droppable(t cnst.MessageType) bool {
	switch t {
	case cnst.MsgDocumentCursor, cnst.MsgPresenceUpdate, cnst.MsgSystemHeartbeat:
		return true
	}
	return false
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-e.inbound:
			e.dispatch(ctx, env)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, env protocol.Envelope) {
	e.metrics.IncInbound(env.Type)

	handler, ok := e.handlers[cnst.MessageType(env.Type)]
	if !ok {
		e.logger.Warn("dropping envelope of unknown type", zap.String("type", env.Type))
		e.metrics.IncDropped("unknown_type")
		return
	}

	start := time.Now()
	err := handler(ctx, env)
	e.metrics.ObserveDispatch(env.Type, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, errDisabled) {
			e.logger.Debug("dropping envelope for disabled feature", zap.String("type", env.Type))
			e.metrics.IncDropped("disabled")
			return
		}
		e.logger.Warn("handler failed",
			zap.String("type", env.Type), zap.Error(err))
		e.metrics.IncDropped("handler_error")
	}
}

// errDisabled marks envelopes refused by a feature or notification toggle.
var errDisabled = errors.New("feature disabled")

func (e *Engine) handlePresenceUpdate(ctx context.Context, env protocol.Envelope) error {
	if !e.cfg.Features.EnablePresence {
		return errDisabled
	}
	var rec presence.Record
	if err := protocol.DecodePayload(env, &rec); err != nil {
		return err
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = env.Timestamp
	}
	return e.presence.Upsert(ctx, rec)
}

func (e *Engine) handlePresenceJoin(ctx context.Context, env protocol.Envelope) error {
	if !e.cfg.Features.EnablePresence {
		return errDisabled
	}
	var rec presence.Record
	if err := protocol.DecodePayload(env, &rec); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = cnst.PresenceOnline
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = env.Timestamp
	}
	return e.presence.Upsert(ctx, rec)
}

func (e *Engine) handlePresenceLeave(ctx context.Context, env protocol.Envelope) error {
	if !e.cfg.Features.EnablePresence {
		return errDisabled
	}
	var rec presence.Record
	if err := protocol.DecodePayload(env, &rec); err != nil {
		return err
	}
	return e.presence.Remove(ctx, rec.UserID)
}

func (e *Engine) handleDocumentOperation(_ context.Context, env protocol.Envelope) error {
	if !e.cfg.Features.EnableRealTimeProgress {
		return errDisabled
	}
	var op document.Operation
	if err := protocol.DecodePayload(env, &op); err != nil {
		return err
	}
	_, err := e.documents.Apply(op)
	if errors.Is(err, cnst.ErrDocumentNotJoined) {
		// traffic for documents this client has not opened is expected
		e.logger.Debug("ignoring operation for unjoined document",
			zap.String("document_id", op.DocumentID))
		return nil
	}
	return err
}

// cursorPayload is a document cursor tagged with its document.
type cursorPayload struct {
	DocumentID string `json:"documentId"`
	document.Cursor
}

func (e *Engine) handleDocumentCursor(_ context.Context, env protocol.Envelope) error {
	if !e.cfg.Features.EnableRealTimeProgress {
		return errDisabled
	}
	var p cursorPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = env.Timestamp
	}
	err := e.documents.SetCursor(p.DocumentID, p.Cursor)
	if errors.Is(err, cnst.ErrDocumentNotJoined) {
		return nil
	}
	return err
}

// votePayload carries poll lifecycle traffic. Action selects between casting
// a vote (the default), creating a poll, and closing one.
type votePayload struct {
	SessionID string        `json:"sessionId"`
	PollID    string        `json:"pollId,omitempty"`
	UserID    string        `json:"userId"`
	Choice    string        `json:"choice,omitempty"`
	Action    string        `json:"action,omitempty"` // "", "create", "close"
	Poll      *session.Poll `json:"poll,omitempty"`
}

func (e *Engine) handleSessionVote(_ context.Context, env protocol.Envelope) error {
	if !e.cfg.Features.EnableActivityFeed {
		return errDisabled
	}
	var p votePayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	switch p.Action {
	case "create":
		if p.Poll == nil {
			return errors.New("poll create without poll body")
		}
		return e.sessions.CreatePoll(p.SessionID, *p.Poll)
	case "close":
		return e.sessions.ClosePoll(p.SessionID, p.PollID, p.UserID)
	default:
		return e.sessions.CastVote(p.SessionID, p.PollID, p.UserID, p.Choice)
	}
}

func (e *Engine) handleSessionChat(_ context.Context, env protocol.Envelope) error {
	if !e.cfg.Features.EnableActivityFeed {
		return errDisabled
	}
	var msg session.ChatMessage
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = env.Timestamp
	}
	return e.sessions.AddChat(msg.SessionID, msg)
}

func (e *Engine) handleNotificationPush(_ context.Context, env protocol.Envelope) error {
	if !e.cfg.Features.EnableNotifications {
		return errDisabled
	}
	var n notification.Notification
	if err := protocol.DecodePayload(env, &n); err != nil {
		return err
	}
	if !e.notificationAllowed(n.Type) {
		return errDisabled
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = env.Timestamp
	}
	e.notifications.Add(n)
	return nil
}

// notificationAllowed applies the per-category settings. Unrecognized
// categories pass through.
func (e *Engine) notificationAllowed(kind string) bool {
	s := e.cfg.Notifications.Settings
	switch kind {
	case "upload_started":
		return s.UploadStarted
	case "upload_completed":
		return s.UploadCompleted
	case "upload_failed":
		return s.UploadFailed
	case "upload_shared":
		return s.UploadShared && e.cfg.Features.EnableAutoSharing
	case "mention":
		return s.Mentions
	default:
		return true
	}
}

func (e *Engine) handleHeartbeat(context.Context, protocol.Envelope) error {
	// round-trip accounting lives in the connection manager
	return nil
}
