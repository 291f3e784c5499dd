package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"github.com/amoylab/syncroom/internal/common/config"
	"github.com/amoylab/syncroom/internal/document"
	"github.com/amoylab/syncroom/internal/notification"
	"github.com/amoylab/syncroom/internal/protocol"
	"github.com/amoylab/syncroom/internal/session"
)

// testServer is the remote end of the engine's connection. It captures every
// envelope the engine sends and lets a test push envelopes back.
type testServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	received chan protocol.Envelope
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan protocol.Envelope, 64),
	}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(data); err == nil {
				ts.received <- env
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws://" + strings.TrimPrefix(ts.srv.URL, "http://")
}

// push writes an envelope to the engine over the most recent connection.
func (ts *testServer) push(t *testing.T, msgType cnst.MessageType, payload any) {
	t.Helper()
	select {
	case ws := <-ts.conns:
		ts.conns <- ws
		env, err := protocol.New(msgType.String(), payload)
		require.NoError(t, err)
		data, err := protocol.Encode(env)
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
	case <-time.After(2 * time.Second):
		t.Fatal("no server-side connection available")
	}
}

// awaitType blocks until the server receives an envelope of the given type.
func (ts *testServer) awaitType(t *testing.T, msgType cnst.MessageType) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ts.received:
			if env.Type == msgType.String() {
				return env
			}
		case <-deadline:
			t.Fatalf("server never received %s", msgType)
		}
	}
}

func testEngine(t *testing.T, ts *testServer, mutate func(*config.EngineConfig)) *Engine {
	t.Helper()
	cfg := config.DefaultEngineConfig()
	cfg.Connection.URL = ts.url()
	cfg.Connection.FlushInterval = 10 * time.Millisecond
	cfg.Reaper.Interval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	e, err := New(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, e.Connect(context.Background(), "me", "org1"))
	t.Cleanup(e.Disconnect)
	return e
}

func TestInboundPresenceUpdate(t *testing.T) {
	ts := newTestServer(t)
	e := testEngine(t, ts, nil)

	ts.push(t, cnst.MsgPresenceUpdate, map[string]any{
		"userId":   "alice",
		"status":   "online",
		"lastSeen": time.Now().Format(time.RFC3339Nano),
		"activity": "editing",
	})

	require.Eventually(t, func() bool {
		rec, err := e.Presence(context.Background(), "alice")
		return err == nil && rec.Status == cnst.PresenceOnline
	}, 2*time.Second, 10*time.Millisecond)

	active, err := e.ActivePresence(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPresenceGateDropsTraffic(t *testing.T) {
	ts := newTestServer(t)
	e := testEngine(t, ts, func(cfg *config.EngineConfig) {
		cfg.Features.EnablePresence = false
	})

	ts.push(t, cnst.MsgPresenceUpdate, map[string]any{
		"userId": "alice", "status": "online",
		"lastSeen": time.Now().Format(time.RFC3339Nano),
	})
	// an enabled envelope behind it proves the dispatch loop got that far
	ts.push(t, cnst.MsgNotificationPush, map[string]any{
		"id": "fence", "type": "system", "title": "t",
	})

	require.Eventually(t, func() bool {
		return len(e.Notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := e.Presence(context.Background(), "alice")
	assert.ErrorIs(t, err, cnst.ErrPresenceNotFound)
}

func TestInboundDocumentOperation(t *testing.T) {
	ts := newTestServer(t)
	e := testEngine(t, ts, nil)

	snap := e.JoinDocument("d1", "hello")
	require.Equal(t, uint64(0), snap.Version)

	ts.push(t, cnst.MsgDocumentOperation, document.Operation{
		ID: "op1", DocumentID: "d1", Type: document.OpInsert,
		Position: 5, Payload: " world", AuthorID: "alice",
		Version: 0, Timestamp: time.Now(),
	})

	require.Eventually(t, func() bool {
		got, err := e.Document("d1")
		return err == nil && got.Content == "hello world"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOperationForUnjoinedDocumentIgnored(t *testing.T) {
	ts := newTestServer(t)
	e := testEngine(t, ts, nil)

	ts.push(t, cnst.MsgDocumentOperation, document.Operation{
		ID: "op1", DocumentID: "ghost", Type: document.OpInsert,
		Payload: "x", AuthorID: "alice", Timestamp: time.Now(),
	})
	ts.push(t, cnst.MsgNotificationPush, map[string]any{
		"id": "fence", "type": "system", "title": "t",
	})

	require.Eventually(t, func() bool {
		return len(e.Notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := e.Document("ghost")
	assert.ErrorIs(t, err, cnst.ErrDocumentNotJoined)
}

func TestApplyLocalOperationBroadcasts(t *testing.T) {
	ts := newTestServer(t)
	e := testEngine(t, ts, nil)

	e.JoinDocument("d1", "abc")
	res, err := e.ApplyLocalOperation(document.Operation{
		DocumentID: "d1", Type: document.OpInsert, Position: 3, Payload: "d",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, err := e.Document("d1")
	require.NoError(t, err)
	assert.Equal(t, "abcd", got.Content)

	env := ts.awaitType(t, cnst.MsgDocumentOperation)
	var op document.Operation
	require.NoError(t, protocol.DecodePayload(env, &op))
	assert.Equal(t, "me", op.AuthorID)
	assert.NotEmpty(t, op.ID)
}

func TestNotificationCategorySettings(t *testing.T) {
	ts := newTestServer(t)
	e := testEngine(t, ts, func(cfg *config.EngineConfig) {
		cfg.Notifications.Settings.UploadFailed = false
	})

	ts.push(t, cnst.MsgNotificationPush, map[string]any{
		"id": "n1", "type": "upload_failed", "title": "failed",
	})
	ts.push(t, cnst.MsgNotificationPush, map[string]any{
		"id": "n2", "type": "upload_completed", "title": "done",
	})

	require.Eventually(t, func() bool {
		return len(e.Notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	list := e.Notifications()
	require.Len(t, list, 1)
	assert.Equal(t, "n2", list[0].ID)
	assert.Equal(t, 1, e.UnreadCount())
}

func TestInboundSessionTraffic(t *testing.T) {
	ts := newTestServer(t)
	e := testEngine(t, ts, nil)

	_, err := e.JoinSession(session.State{ID: "s1", HostID: "me"})
	require.NoError(t, err)
	require.NoError(t, e.StartSession("s1"))

	ts.push(t, cnst.MsgSessionChat, map[string]any{
		"id": "m1", "sessionId": "s1", "userId": "alice", "body": "hi",
	})
	ts.push(t, cnst.MsgSessionVote, map[string]any{
		"sessionId": "s1", "userId": "alice", "action": "create",
		"poll": map[string]any{
			"id": "p1", "question": "lunch?", "choices": []string{"yes", "no"},
			"createdBy": "alice",
		},
	})
	ts.push(t, cnst.MsgSessionVote, map[string]any{
		"sessionId": "s1", "pollId": "p1", "userId": "alice", "choice": "yes",
	})

	require.Eventually(t, func() bool {
		tally, err := e.PollTally("s1", "p1")
		return err == nil && tally.Total == 1 && tally.Counts["yes"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	chat, err := e.Chat("s1")
	require.NoError(t, err)
	require.Len(t, chat, 1)
	assert.Equal(t, "hi", chat[0].Body)
}

func TestCastVoteRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	e := testEngine(t, ts, nil)

	_, err := e.JoinSession(session.State{ID: "s1", HostID: "me"})
	require.NoError(t, err)
	require.NoError(t, e.StartSession("s1"))
	require.NoError(t, e.CreatePoll("s1", session.Poll{ID: "p1", Question: "q", Choices: []string{"a", "b"}}))
	require.NoError(t, e.CastVote("s1", "p1", "a"))

	tally, err := e.PollTally("s1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, tally.Counts["a"])

	env := ts.awaitType(t, cnst.MsgSessionVote)
	var p struct {
		Action string `json:"action"`
	}
	require.NoError(t, protocol.DecodePayload(env, &p))
	assert.Equal(t, "create", p.Action)
}

func TestUnknownEnvelopeTypeDropped(t *testing.T) {
	ts := newTestServer(t)
	e := testEngine(t, ts, nil)

	ts.push(t, cnst.MessageType("bogus:thing"), map[string]any{"x": 1})
	ts.push(t, cnst.MsgNotificationPush, map[string]any{
		"id": "fence", "type": "system", "title": "t",
	})

	require.Eventually(t, func() bool {
		return len(e.Notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectClearsEverything(t *testing.T) {
	ts := newTestServer(t)
	e := testEngine(t, ts, nil)

	require.NoError(t, e.UpdatePresence(context.Background(), cnst.PresenceOnline, "testing"))
	e.JoinDocument("d1", "text")
	_, err := e.JoinSession(session.State{ID: "s1", HostID: "me"})
	require.NoError(t, err)
	e.notifications.Add(notification.Notification{ID: "n1", Title: "t"})

	e.Disconnect()
	assert.Equal(t, cnst.ConnDisconnected, e.ConnectionState())

	active, err := e.ActivePresence(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
	_, err = e.Document("d1")
	assert.ErrorIs(t, err, cnst.ErrDocumentNotJoined)
	_, err = e.Session("s1")
	assert.ErrorIs(t, err, cnst.ErrSessionNotFound)
	assert.Empty(t, e.Notifications())
	assert.Equal(t, 0, e.UnreadCount())

	// disconnecting twice is safe
	e.Disconnect()
}

func TestEnqueueBlocksForOperationsUnderBackpressure(t *testing.T) {
	e, err := New(config.DefaultEngineConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	// shrink the queue to one slot and fill it, as if the dispatch loop had
	// stalled behind a slow handler
	e.inbound = make(chan protocol.Envelope, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	filler, err := protocol.New(cnst.MsgSessionChat.String(), map[string]string{"text": "x"})
	require.NoError(t, err)
	e.enqueue(filler)
	require.Equal(t, 1, len(e.inbound))

	op, err := protocol.New(cnst.MsgDocumentOperation.String(), map[string]any{
		"id": "op1", "documentId": "d1", "type": "insert", "position": 0,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.enqueue(op)
		close(done)
	}()

	// the operation must wait for room, never be thrown away
	select {
	case <-done:
		t.Fatal("operation was enqueued into a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	<-e.inbound
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("operation never entered the queue after it drained")
	}
	got := <-e.inbound
	assert.Equal(t, cnst.MsgDocumentOperation.String(), got.Type)

	// transient types are dropped instead of blocking the read pump
	e.enqueue(filler)
	cur, err := protocol.New(cnst.MsgDocumentCursor.String(),
		map[string]any{"documentId": "d1", "userId": "u1", "position": 3})
	require.NoError(t, err)
	e.enqueue(cur)
	assert.Equal(t, 1, len(e.inbound))
}
