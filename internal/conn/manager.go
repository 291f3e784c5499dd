package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"github.com/amoylab/syncroom/internal/common/config"
	"github.com/amoylab/syncroom/internal/protocol"
	"github.com/amoylab/syncroom/pkg/metrics"
)

// MessageHandler receives every decoded inbound envelope.
type MessageHandler func(protocol.Envelope)

// StateHandler observes connection state transitions.
type StateHandler func(cnst.ConnState)

// Manager owns the one logical websocket connection of a client instance:
// connect/reconnect with backoff, heartbeat, outbound batching with
// backpressure, and inbound dispatch.
//
// The pumps serving a socket form a generation. Exactly one generation runs
// at a time: a reconnect cancels the current generation, waits for its pumps
// to exit, and only then redials, so the socket never sees two writers.
type Manager struct {
	logger  *zap.Logger
	cfg     config.ConnectionConfig
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	onMessage MessageHandler
	onState   StateHandler
	onClear   func() // fired synchronously from Disconnect

	mu        sync.Mutex
	state     cnst.ConnState
	ws        *websocket.Conn
	queue     []protocol.Envelope
	coalesced map[string]int // coalesce key -> queue index
	attempts  int
	lastBeat  time.Time
	lastPong  time.Time
	rtt       time.Duration
	userID    string
	orgID     string

	runCtx    context.Context    // lives from Connect to Disconnect
	cancel    context.CancelFunc // cancels runCtx; nil marks teardown
	genCancel context.CancelFunc // cancels the current pump generation
	genWG     *sync.WaitGroup    // tracks the current pump generation

	wg sync.WaitGroup // all pumps and reconnect loops
}

// NewManager creates a connection manager in the disconnected state
func NewManager(logger *zap.Logger, cfg config.ConnectionConfig, m *metrics.Metrics) *Manager {
	return &Manager{
		logger:    logger.Named("conn"),
		cfg:       cfg,
		metrics:   m,
		dialer:    websocket.DefaultDialer,
		state:     cnst.ConnDisconnected,
		coalesced: make(map[string]int),
	}
}

// OnMessage registers the inbound dispatch callback. Must be set before Connect.
func (m *Manager) OnMessage(fn MessageHandler) { m.onMessage = fn }

// OnStateChange registers an observer for state transitions.
func (m *Manager) OnStateChange(fn StateHandler) { m.onState = fn }

// OnClear registers the hook fired synchronously when Disconnect tears the
// connection down; the engine clears its dependent stores there.
func (m *Manager) OnClear(fn func()) { m.onClear = fn }

// State returns the current connection state.
func (m *Manager) State() cnst.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RTT returns the latest measured heartbeat round trip, zero before the
// first ack.
func (m *Manager) RTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtt
}

// Quality maps the heartbeat round trip to a coarse label for presence.
func (m *Manager) Quality() string {
	rtt := m.RTT()
	switch {
	case rtt == 0:
		return ""
	case rtt < 100*time.Millisecond:
		return "excellent"
	case rtt < 300*time.Millisecond:
		return "good"
	default:
		return "poor"
	}
}

// QueueLen returns the number of outbound envelopes awaiting flush.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) setState(s cnst.ConnState) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	m.notifyState(prev, s)
}

func (m *Manager) notifyState(from, to cnst.ConnState) {
	if from == to {
		return
	}
	m.logger.Info("connection state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if m.onState != nil {
		m.onState(to)
	}
}

// Connect establishes the websocket connection scoped to a user and
// organization. Authentication failures are reported to the caller and are
// not retried.
func (m *Manager) Connect(ctx context.Context, userID, orgID string) error {
	m.mu.Lock()
	switch m.state {
	case cnst.ConnConnected, cnst.ConnConnecting, cnst.ConnReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.userID = userID
	m.orgID = orgID
	m.mu.Unlock()

	m.setState(cnst.ConnConnecting)
	if err := m.dial(ctx); err != nil {
		m.setState(cnst.ConnDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.runCtx = runCtx
	m.cancel = cancel
	m.attempts = 0
	m.lastPong = time.Now()
	m.mu.Unlock()

	m.setState(cnst.ConnConnected)
	m.startPumps(runCtx)
	return nil
}

func (m *Manager) dial(ctx context.Context) error {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid connection url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", m.userID)
	q.Set("org_id", m.orgID)
	u.RawQuery = q.Encode()

	ws, resp, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return cnst.ErrAuthFailed
		}
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	m.mu.Lock()
	m.ws = ws
	m.mu.Unlock()
	return nil
}

// startPumps launches one pump generation under its own cancellable context.
func (m *Manager) startPumps(parent context.Context) {
	genCtx, genCancel := context.WithCancel(parent)
	gwg := &sync.WaitGroup{}
	m.mu.Lock()
	m.genCancel = genCancel
	m.genWG = gwg
	m.mu.Unlock()

	gwg.Add(3)
	m.wg.Add(3)
	go m.readPump(genCtx, gwg)
	go m.flushPump(genCtx, gwg)
	go m.heartbeatPump(genCtx, gwg)
}

// Disconnect tears down the connection and synchronously clears dependent
// state through the registered hook. Safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == cnst.ConnDisconnected || m.state == cnst.ConnClosed {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.cancel = nil // marks teardown for an in-flight reconnect
	ws := m.ws
	m.ws = nil
	m.queue = nil
	m.coalesced = make(map[string]int)
	m.attempts = 0
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
	}
	m.wg.Wait()
	m.setState(cnst.ConnDisconnected)
	m.metrics.SetQueueDepth(0)

	if m.onClear != nil {
		m.onClear()
	}
}

// Send enqueues an envelope for delivery. Above the soft cap, coalescable
// types keep only the latest payload per key instead of growing the queue.
func (m *Manager) Send(env protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case cnst.ConnClosed, cnst.ConnDisconnected:
		return cnst.ErrNotConnected
	case cnst.ConnError:
		// terminal: no flush pump runs until a caller-initiated Connect
		return cnst.ErrMaxReconnect
	}

	if len(m.queue) >= m.cfg.QueueSoftCap {
		if key, ok := coalesceKey(env); ok {
			if idx, exists := m.coalesced[key]; exists && idx < len(m.queue) {
				m.queue[idx] = env
				return nil
			}
			m.coalesced[key] = len(m.queue)
		}
	}
	m.queue = append(m.queue, env)
	m.metrics.IncOutbound(env.Type)
	m.metrics.SetQueueDepth(len(m.queue))
	return nil
}

// coalesceKey returns the dedup key for low-priority envelope types that can
// be collapsed to their latest value under backpressure.
func coalesceKey(env protocol.Envelope) (string, bool) {
	switch cnst.MessageType(env.Type) {
	case cnst.MsgDocumentCursor:
		doc := gjson.GetBytes(env.Payload, "documentId").String()
		user := gjson.GetBytes(env.Payload, "userId").String()
		return env.Type + "|" + doc + "|" + user, true
	case cnst.MsgPresenceUpdate:
		return env.Type + "|" + gjson.GetBytes(env.Payload, "userId").String(), true
	default:
		return "", false
	}
}

// takeBatch removes up to one flush worth of envelopes. Past the soft cap the
// whole backlog is drained in one flush instead of dropping anything.
func (m *Manager) takeBatch() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil
	}
	n := m.cfg.BatchSize
	if len(m.queue) > m.cfg.QueueSoftCap || n > len(m.queue) {
		n = len(m.queue)
	}
	batch := m.queue[:n]
	m.queue = append([]protocol.Envelope(nil), m.queue[n:]...)
	m.coalesced = make(map[string]int)
	m.metrics.SetQueueDepth(len(m.queue))
	return batch
}

func (m *Manager) flushPump(ctx context.Context, gwg *sync.WaitGroup) {
	defer m.wg.Done()
	defer gwg.Done()
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.flush() {
				return
			}
		}
	}
}

// flush writes one batch to the socket. A false return means the socket
// failed and this pump generation must exit.
func (m *Manager) flush() bool {
	m.mu.Lock()
	ws := m.ws
	connected := m.state == cnst.ConnConnected
	m.mu.Unlock()
	if !connected || ws == nil {
		return true
	}

	for _, env := range m.takeBatch() {
		data, err := protocol.Encode(env)
		if err != nil {
			m.logger.Warn("failed to encode outbound envelope",
				zap.String("type", env.Type), zap.Error(err))
			continue
		}
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			m.logger.Warn("write failed, reconnecting", zap.Error(err))
			m.scheduleReconnect()
			return false
		}
	}
	return true
}

func (m *Manager) readPump(ctx context.Context, gwg *sync.WaitGroup) {
	defer m.wg.Done()
	defer gwg.Done()

	for {
		m.mu.Lock()
		ws := m.ws
		m.mu.Unlock()
		if ws == nil {
			return
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			m.logger.Warn("read failed, reconnecting", zap.Error(err))
			m.scheduleReconnect()
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// malformed frames are dropped, never fatal
			m.logger.Warn("dropping malformed inbound frame", zap.Error(err))
			m.metrics.IncDropped("malformed")
			continue
		}

		if cnst.MessageType(env.Type) == cnst.MsgSystemHeartbeat {
			m.mu.Lock()
			m.lastPong = time.Now()
			if !m.lastBeat.IsZero() {
				m.rtt = m.lastPong.Sub(m.lastBeat)
			}
			m.mu.Unlock()
		}

		if m.onMessage != nil {
			m.onMessage(env)
		}
	}
}

func (m *Manager) heartbeatPump(ctx context.Context, gwg *sync.WaitGroup) {
	defer m.wg.Done()
	defer gwg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := protocol.New(cnst.MsgSystemHeartbeat.String(), map[string]string{"userId": m.userID})
			if err == nil {
				m.mu.Lock()
				m.lastBeat = time.Now()
				m.mu.Unlock()
				_ = m.Send(env)
			}

			m.mu.Lock()
			stale := time.Since(m.lastPong) > m.cfg.HeartbeatTimeout
			m.mu.Unlock()
			if stale {
				m.logger.Warn("heartbeat timed out, reconnecting")
				m.scheduleReconnect()
				return
			}
		}
	}
}

// scheduleReconnect claims the reconnect: it cancels the running pump
// generation, closes the socket, and hands off to the reconnect loop. Only
// the first failing pump wins the claim; the rest exit through their
// cancelled generation context.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.state != cnst.ConnConnected {
		// a reconnect is already in flight or the caller disconnected
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = cnst.ConnReconnecting
	ws := m.ws
	m.ws = nil
	genCancel := m.genCancel
	gwg := m.genWG
	runCtx := m.runCtx
	m.mu.Unlock()

	m.notifyState(prev, cnst.ConnReconnecting)
	if genCancel != nil {
		genCancel()
	}
	if ws != nil {
		_ = ws.Close()
	}

	m.wg.Add(1)
	go m.reconnectLoop(runCtx, gwg)
}

// reconnectLoop retries the dial with exponential backoff and jitter after
// the previous pump generation has fully stopped. Exceeding the attempt
// budget parks the manager in the terminal error state; only a
// caller-initiated Connect recovers from there.
func (m *Manager) reconnectLoop(ctx context.Context, prev *sync.WaitGroup) {
	defer m.wg.Done()

	if prev != nil {
		// the socket must have a single writer; no redial while the old
		// generation is still draining
		prev.Wait()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		m.mu.Lock()
		m.attempts++
		attempts := m.attempts
		m.mu.Unlock()

		if attempts > m.cfg.MaxReconnectAttempts {
			m.logger.Error("reconnect budget exhausted",
				zap.Int("attempts", attempts-1))
			m.setState(cnst.ConnError)
			return
		}

		m.metrics.IncReconnect()
		if err := m.dial(ctx); err == nil {
			m.mu.Lock()
			if ctx.Err() != nil || m.cancel == nil || m.state != cnst.ConnReconnecting {
				// the caller disconnected while the dial was in flight
				ws := m.ws
				m.ws = nil
				m.mu.Unlock()
				if ws != nil {
					_ = ws.Close()
				}
				return
			}
			m.attempts = 0
			m.lastPong = time.Now()
			prevState := m.state
			m.state = cnst.ConnConnected
			m.mu.Unlock()

			m.notifyState(prevState, cnst.ConnConnected)
			m.startPumps(ctx)
			return
		} else if errors.Is(err, cnst.ErrAuthFailed) {
			m.logger.Error("authentication rejected during reconnect")
			m.setState(cnst.ConnError)
			return
		}

		wait := bo.NextBackOff()
		m.logger.Info("reconnect attempt failed",
			zap.Int("attempt", attempts),
			zap.Duration("next_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
