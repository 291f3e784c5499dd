package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"github.com/amoylab/syncroom/internal/common/config"
	"github.com/amoylab/syncroom/internal/protocol"
)

func testConnCfg(url string) config.ConnectionConfig {
	return config.ConnectionConfig{
		URL:                  url,
		HeartbeatInterval:    time.Minute,
		HeartbeatTimeout:     3 * time.Minute,
		FlushInterval:        10 * time.Millisecond,
		BatchSize:            16,
		QueueSoftCap:         256,
		InitialBackoff:       10 * time.Millisecond,
		MaxBackoff:           50 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

// newWSServer upgrades every request and hands the socket to handler.
func newWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

// holdOpen keeps the server side reading until the peer goes away.
func holdOpen(ws *websocket.Conn) {
	defer ws.Close()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	srv := newWSServer(t, holdOpen)

	var cleared bool
	m := NewManager(zap.NewNop(), testConnCfg(wsURL(srv)), nil)
	m.OnClear(func() { cleared = true })

	require.NoError(t, m.Connect(context.Background(), "u1", "org1"))
	assert.Equal(t, cnst.ConnConnected, m.State())

	m.Disconnect()
	assert.Equal(t, cnst.ConnDisconnected, m.State())
	assert.True(t, cleared, "clear hook should fire on disconnect")

	// a second disconnect is a no-op
	m.Disconnect()
	assert.Equal(t, cnst.ConnDisconnected, m.State())
}

func TestSendDeliversEnvelopes(t *testing.T) {
	received := make(chan protocol.Envelope, 8)
	srv := newWSServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(data); err == nil {
				received <- env
			}
		}
	})

	m := NewManager(zap.NewNop(), testConnCfg(wsURL(srv)), nil)
	require.NoError(t, m.Connect(context.Background(), "u1", "org1"))
	defer m.Disconnect()

	env, err := protocol.New(cnst.MsgSessionChat.String(), map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, m.Send(env))

	select {
	case got := <-received:
		assert.Equal(t, cnst.MsgSessionChat.String(), got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never reached the server")
	}
}

func TestInboundDispatchDropsMalformed(t *testing.T) {
	srv := newWSServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"truncated`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"payload":{}}`))
		good, _ := protocol.New(cnst.MsgNotificationPush.String(), map[string]string{"id": "n1"})
		data, _ := protocol.Encode(good)
		_ = ws.WriteMessage(websocket.TextMessage, data)
		holdOpen(ws)
	})

	var mu sync.Mutex
	var got []string
	m := NewManager(zap.NewNop(), testConnCfg(wsURL(srv)), nil)
	m.OnMessage(func(env protocol.Envelope) {
		mu.Lock()
		got = append(got, env.Type)
		mu.Unlock()
	})
	require.NoError(t, m.Connect(context.Background(), "u1", "org1"))
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{cnst.MsgNotificationPush.String()}, got)
}

func TestConnectAuthFailureNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	m := NewManager(zap.NewNop(), testConnCfg(wsURL(srv)), nil)
	err := m.Connect(context.Background(), "u1", "org1")
	require.ErrorIs(t, err, cnst.ErrAuthFailed)
	assert.Equal(t, cnst.ConnDisconnected, m.State())
}

func TestSendWhileDisconnected(t *testing.T) {
	m := NewManager(zap.NewNop(), testConnCfg("ws://127.0.0.1:0"), nil)
	env, err := protocol.New(cnst.MsgSessionChat.String(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Send(env), cnst.ErrNotConnected)
}

func TestCoalescingOverSoftCap(t *testing.T) {
	srv := newWSServer(t, holdOpen)

	cfg := testConnCfg(wsURL(srv))
	cfg.QueueSoftCap = 2
	cfg.FlushInterval = time.Hour // keep the queue from draining mid-test
	m := NewManager(zap.NewNop(), cfg, nil)
	require.NoError(t, m.Connect(context.Background(), "u1", "org1"))
	defer m.Disconnect()

	chat, _ := protocol.New(cnst.MsgSessionChat.String(), map[string]string{"text": "a"})
	require.NoError(t, m.Send(chat))
	require.NoError(t, m.Send(chat))

	// past the cap, repeated cursor updates for one document collapse
	for i := 0; i < 5; i++ {
		cur, _ := protocol.New(cnst.MsgDocumentCursor.String(),
			map[string]any{"documentId": "d1", "userId": "u1", "position": i})
		require.NoError(t, m.Send(cur))
	}
	assert.Equal(t, 3, m.QueueLen())

	// a cursor in a different document is its own key
	other, _ := protocol.New(cnst.MsgDocumentCursor.String(),
		map[string]any{"documentId": "d2", "userId": "u1", "position": 0})
	require.NoError(t, m.Send(other))
	assert.Equal(t, 4, m.QueueLen())

	// chat is never coalesced
	require.NoError(t, m.Send(chat))
	assert.Equal(t, 5, m.QueueLen())
}

func TestTakeBatchDrainsBacklogPastCap(t *testing.T) {
	m := NewManager(zap.NewNop(), config.ConnectionConfig{BatchSize: 2, QueueSoftCap: 4}, nil)
	for i := 0; i < 10; i++ {
		env, _ := protocol.New(cnst.MsgSessionChat.String(), nil)
		m.queue = append(m.queue, env)
	}

	batch := m.takeBatch()
	assert.Len(t, batch, 10, "backlog past the soft cap drains in one flush")
	assert.Equal(t, 0, m.QueueLen())

	// under the cap the normal batch size applies
	for i := 0; i < 3; i++ {
		env, _ := protocol.New(cnst.MsgSessionChat.String(), nil)
		m.queue = append(m.queue, env)
	}
	batch = m.takeBatch()
	assert.Len(t, batch, 2)
	assert.Equal(t, 1, m.QueueLen())
}

func TestHeartbeatSent(t *testing.T) {
	beats := make(chan struct{}, 8)
	srv := newWSServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(data); err == nil &&
				env.Type == cnst.MsgSystemHeartbeat.String() {
				// ack so the client can measure the round trip
				_ = ws.WriteMessage(websocket.TextMessage, data)
				beats <- struct{}{}
			}
		}
	})

	cfg := testConnCfg(wsURL(srv))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = time.Minute
	m := NewManager(zap.NewNop(), cfg, nil)
	require.NoError(t, m.Connect(context.Background(), "u1", "org1"))
	defer m.Disconnect()

	select {
	case <-beats:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat reached the server")
	}

	require.Eventually(t, func() bool {
		return m.RTT() > 0 && m.Quality() != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectBudgetExhausted(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	srv := newWSServer(t, func(ws *websocket.Conn) {
		conns <- ws
		holdOpen(ws)
	})

	cfg := testConnCfg(wsURL(srv))
	cfg.MaxReconnectAttempts = 2
	m := NewManager(zap.NewNop(), cfg, nil)
	require.NoError(t, m.Connect(context.Background(), "u1", "org1"))

	// kill the server so the read pump fails and every redial is refused;
	// the hijacked websocket is invisible to CloseClientConnections, so
	// close it directly
	srv.Close()
	(<-conns).Close()

	require.Eventually(t, func() bool {
		return m.State() == cnst.ConnError
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReconnectRecovers(t *testing.T) {
	var upgrades int
	var mu sync.Mutex
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		upgrades++
		first := upgrades == 1
		mu.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if first {
			// drop the first connection immediately to force a reconnect
			ws.Close()
			return
		}
		holdOpen(ws)
	}))
	t.Cleanup(srv.Close)

	m := NewManager(zap.NewNop(), testConnCfg(wsURL(srv)), nil)
	require.NoError(t, m.Connect(context.Background(), "u1", "org1"))
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return upgrades >= 2 && m.State() == cnst.ConnConnected
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSinglePumpGenerationAfterReconnect(t *testing.T) {
	var mu sync.Mutex
	var upgrades int
	beats := make(chan struct{}, 64)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		upgrades++
		first := upgrades == 1
		mu.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if first {
			ws.Close()
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(data); err == nil &&
				env.Type == cnst.MsgSystemHeartbeat.String() {
				beats <- struct{}{}
			}
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConnCfg(wsURL(srv))
	cfg.HeartbeatInterval = 25 * time.Millisecond
	cfg.HeartbeatTimeout = time.Minute
	m := NewManager(zap.NewNop(), cfg, nil)
	require.NoError(t, m.Connect(context.Background(), "u1", "org1"))
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		return m.State() == cnst.ConnConnected && len(beats) > 0
	}, 5*time.Second, 10*time.Millisecond)

	// drain and count heartbeats over a fixed window; a leaked pump from the
	// first connection would roughly double the rate
	for len(beats) > 0 {
		<-beats
	}
	deadline := time.After(250 * time.Millisecond)
	count := 0
counting:
	for {
		select {
		case <-beats:
			count++
		case <-deadline:
			break counting
		}
	}
	assert.Greater(t, count, 0, "heartbeats should keep flowing after reconnect")
	assert.LessOrEqual(t, count, 15, "only one heartbeat pump may run per connection")
}

func TestDisconnectDuringReconnectStaysDown(t *testing.T) {
	var mu sync.Mutex
	var upgrades int
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		upgrades++
		first := upgrades == 1
		mu.Unlock()

		if !first {
			// stall the redial so the teardown races an in-flight dial
			time.Sleep(200 * time.Millisecond)
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if first {
			ws.Close()
			return
		}
		holdOpen(ws)
	}))
	t.Cleanup(srv.Close)

	var stmu sync.Mutex
	var states []cnst.ConnState
	m := NewManager(zap.NewNop(), testConnCfg(wsURL(srv)), nil)
	m.OnStateChange(func(s cnst.ConnState) {
		stmu.Lock()
		states = append(states, s)
		stmu.Unlock()
	})
	require.NoError(t, m.Connect(context.Background(), "u1", "org1"))

	require.Eventually(t, func() bool {
		return m.State() != cnst.ConnConnected
	}, 2*time.Second, 5*time.Millisecond)

	m.Disconnect()
	require.Equal(t, cnst.ConnDisconnected, m.State())

	// a dial that was in flight when Disconnect ran must not resurrect the
	// connection
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, cnst.ConnDisconnected, m.State())

	stmu.Lock()
	defer stmu.Unlock()
	last := states[len(states)-1]
	assert.Equal(t, cnst.ConnDisconnected, last, "no state change after disconnect")
}

func TestSendRejectedAfterReconnectBudget(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	srv := newWSServer(t, func(ws *websocket.Conn) {
		conns <- ws
		holdOpen(ws)
	})

	cfg := testConnCfg(wsURL(srv))
	cfg.MaxReconnectAttempts = 2
	m := NewManager(zap.NewNop(), cfg, nil)
	require.NoError(t, m.Connect(context.Background(), "u1", "org1"))

	// see TestReconnectBudgetExhausted: the hijacked websocket must be
	// closed directly
	srv.Close()
	(<-conns).Close()

	require.Eventually(t, func() bool {
		return m.State() == cnst.ConnError
	}, 5*time.Second, 20*time.Millisecond)

	// no flusher runs in the terminal state, so enqueueing must fail rather
	// than grow without bound
	env, err := protocol.New(cnst.MsgSessionChat.String(), map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Send(env), cnst.ErrMaxReconnect)
	assert.Equal(t, 0, m.QueueLen())
}
