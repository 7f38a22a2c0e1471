package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"casefile-backend/domain/collab"
	ws "casefile-backend/interfaces/websocket"
)

// fakeServer scripts one side of the realtime protocol.
type fakeServer struct {
	srv        *httptest.Server
	joinStatus int
	script     func(t *testing.T, conn *websocket.Conn)
}

func newFakeServer(t *testing.T, joinStatus int, script func(t *testing.T, conn *websocket.Conn)) *fakeServer {
	t.Helper()
	f := &fakeServer{joinStatus: joinStatus, script: script}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		if f.script != nil {
			f.script(t, conn)
		}
	})
	mux.HandleFunc("POST /api/graphs/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(f.joinStatus)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func readEnvelope(t *testing.T, conn *websocket.Conn) ws.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var env ws.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return env
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(ws.Envelope{Event: event, Data: data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func newTestSession(t *testing.T, serverURL string, handlers Handlers) *Session {
	t.Helper()
	s := NewSession(Config{
		ServerURL: serverURL,
		Token:     "test-token",
		Logger:    zaptest.NewLogger(t),
	}, handlers)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJoinGraph_Confirmed(t *testing.T) {
	f := newFakeServer(t, http.StatusOK, func(t *testing.T, conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		require.Equal(t, ws.EventJoinGraph, env.Event)

		var p ws.JoinGraphPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		writeEvent(t, conn, ws.EventJoinConfirmed, ws.JoinConfirmedPayload{
			GraphID: p.GraphID,
			Role:    collab.RoleLeader,
		})
		// Hold the connection open until the test finishes.
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	s := newTestSession(t, f.srv.URL, Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinGraph(ctx, "g1"))
	assert.Equal(t, "g1", s.GraphID())
	assert.Equal(t, collab.RoleLeader, s.Role())
}

func TestJoinGraph_MissingGraphFailsHard(t *testing.T) {
	f := newFakeServer(t, http.StatusNotFound, nil)

	s := newTestSession(t, f.srv.URL, Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, s.Connect(ctx))
	err := s.JoinGraph(ctx, "ghost-graph")
	assert.ErrorIs(t, err, ErrGraphGone)
	assert.Empty(t, s.GraphID())
}

func TestJoinGraph_Rejected(t *testing.T) {
	f := newFakeServer(t, http.StatusForbidden, func(t *testing.T, conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		require.Equal(t, ws.EventJoinGraph, env.Event)
		writeEvent(t, conn, ws.EventJoinFailed, ws.JoinFailedPayload{
			GraphID: "g1",
			Message: "not a member of graph g1",
			Code:    "NOT_A_MEMBER",
		})
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	s := newTestSession(t, f.srv.URL, Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, s.Connect(ctx))
	err := s.JoinGraph(ctx, "g1")
	assert.ErrorIs(t, err, ErrJoinRejected)
	assert.Empty(t, s.GraphID())
}

func TestSendCommand_OptimisticApplyAndRollback(t *testing.T) {
	f := newFakeServer(t, http.StatusOK, func(t *testing.T, conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		require.Equal(t, ws.EventJoinGraph, env.Event)
		writeEvent(t, conn, ws.EventJoinConfirmed, ws.JoinConfirmedPayload{
			GraphID: "g1", Role: collab.RoleLeader,
		})

		env = readEnvelope(t, conn)
		require.Equal(t, ws.EventCommand, env.Event)
		var cmd ws.CommandPayload
		require.NoError(t, json.Unmarshal(env.Data, &cmd))

		// Reject the command so the client rolls it back.
		writeEvent(t, conn, ws.EventError, ws.ErrorPayload{
			Message:   "storage unavailable",
			Code:      "PERSISTENCE_FAILURE",
			CommandID: cmd.ID,
		})
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	applied := make(chan collab.Command, 1)
	reverted := make(chan string, 1)
	s := newTestSession(t, f.srv.URL, Handlers{
		OnApply:  func(cmd collab.Command) { applied <- cmd },
		OnRevert: func(id string) { reverted <- id },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinGraph(ctx, "g1"))

	id, err := s.SendCommand(collab.CommandAddEntity, map[string]string{"label": "suspect"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case cmd := <-applied:
		assert.Equal(t, id, cmd.ID, "command applies optimistically before the server answers")
	case <-time.After(time.Second):
		t.Fatal("optimistic apply never happened")
	}

	select {
	case gotID := <-reverted:
		assert.Equal(t, id, gotID)
	case <-time.After(2 * time.Second):
		t.Fatal("rollback never happened")
	}
}

func TestSendCommand_PendingSetBounded(t *testing.T) {
	f := newFakeServer(t, http.StatusOK, func(t *testing.T, conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		require.Equal(t, ws.EventJoinGraph, env.Event)
		writeEvent(t, conn, ws.EventJoinConfirmed, ws.JoinConfirmedPayload{
			GraphID: "g1", Role: collab.RoleLeader,
		})
		// Drain command frames until the session closes.
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reverted := make(chan string, 1)
	s := newTestSession(t, f.srv.URL, Handlers{
		OnRevert: func(id string) { reverted <- id },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinGraph(ctx, "g1"))

	firstID, err := s.SendCommand(collab.CommandAddEntity, nil)
	require.NoError(t, err)
	for i := 0; i < maxPendingCommands; i++ {
		_, err := s.SendCommand(collab.CommandAddEntity, nil)
		require.NoError(t, err)
	}

	s.mu.Lock()
	pendingLen := len(s.pending)
	orderLen := len(s.pendingOrder)
	_, stillTracked := s.pending[firstID]
	s.mu.Unlock()

	assert.LessOrEqual(t, pendingLen, maxPendingCommands, "pending set stays bounded")
	assert.LessOrEqual(t, orderLen, maxPendingCommands, "eviction order list stays bounded")
	assert.False(t, stillTracked, "oldest entry is evicted once the bound is reached")

	// A late rejection of the evicted command must not roll back.
	s.revert(firstID)
	select {
	case id := <-reverted:
		t.Fatalf("unexpected revert of evicted command %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoteCommand_Applied(t *testing.T) {
	f := newFakeServer(t, http.StatusOK, func(t *testing.T, conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		require.Equal(t, ws.EventJoinGraph, env.Event)
		writeEvent(t, conn, ws.EventJoinConfirmed, ws.JoinConfirmedPayload{
			GraphID: "g1", Role: collab.RoleMember,
		})
		writeEvent(t, conn, ws.EventCommandReceived, collab.Command{
			ID:      "remote-1",
			GraphID: "g1",
			UserID:  "bob",
			Type:    collab.CommandAddLink,
			Seq:     7,
		})
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	applied := make(chan collab.Command, 1)
	s := newTestSession(t, f.srv.URL, Handlers{
		OnApply: func(cmd collab.Command) { applied <- cmd },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinGraph(ctx, "g1"))

	select {
	case cmd := <-applied:
		assert.Equal(t, "remote-1", cmd.ID)
		assert.Equal(t, int64(7), cmd.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("remote command never applied")
	}
}

func TestKickNotification_ClearsSessionState(t *testing.T) {
	f := newFakeServer(t, http.StatusOK, func(t *testing.T, conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		require.Equal(t, ws.EventJoinGraph, env.Event)
		writeEvent(t, conn, ws.EventJoinConfirmed, ws.JoinConfirmedPayload{
			GraphID: "g1", Role: collab.RoleMember,
		})
		writeEvent(t, conn, ws.EventKickNotification, ws.KickNotificationPayload{
			GraphID: "g1",
			Reason:  "removed from the graph by the session leader",
		})
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	notices := make(chan string, 1)
	s := newTestSession(t, f.srv.URL, Handlers{
		OnNotice: func(reason string) { notices <- reason },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinGraph(ctx, "g1"))

	select {
	case reason := <-notices:
		assert.Contains(t, reason, "session leader")
	case <-time.After(2 * time.Second):
		t.Fatal("kick notice never arrived")
	}
	assert.Empty(t, s.GraphID())

	_, err := s.SendCommand(collab.CommandAddEntity, nil)
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestConnectionLoss_NoAutoRejoin(t *testing.T) {
	f := newFakeServer(t, http.StatusOK, func(t *testing.T, conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		require.Equal(t, ws.EventJoinGraph, env.Event)
		writeEvent(t, conn, ws.EventJoinConfirmed, ws.JoinConfirmedPayload{
			GraphID: "g1", Role: collab.RoleLeader,
		})
		// Drop the connection.
	})

	notices := make(chan string, 2)
	s := newTestSession(t, f.srv.URL, Handlers{
		OnNotice: func(reason string) { notices <- reason },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinGraph(ctx, "g1"))

	select {
	case reason := <-notices:
		assert.Contains(t, reason, "connection lost")
	case <-time.After(2 * time.Second):
		t.Fatal("loss notice never arrived")
	}
	assert.Empty(t, s.GraphID(), "the session must not silently rejoin")
}
