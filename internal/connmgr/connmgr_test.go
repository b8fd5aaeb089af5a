package connmgr

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swarmguard/taskmesh/internal/wsproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, workerID uuid.UUID, m *Manager) *httptest.Server {
	t.Helper()
	upg := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upg.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		m.Accept(r.Context(), workerID, ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAcceptAndSend(t *testing.T) {
	workerID := uuid.New()
	received := make(chan wsproto.Frame, 1)
	m := New(2*time.Second, func(ctx context.Context, id uuid.UUID, frame wsproto.Frame) {
		received <- frame
	}, testLogger())

	srv := newTestServer(t, workerID, m)
	client := dial(t, srv)

	waitConnected(t, m, workerID)

	if !m.Send(workerID, wsproto.Frame{Type: wsproto.TypePing}) {
		t.Fatalf("expected send to connected worker to succeed")
	}

	var got wsproto.Frame
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if got.Type != wsproto.TypePing {
		t.Fatalf("expected ping frame, got %s", got.Type)
	}

	frame, err := wsproto.NewFrame(wsproto.TypeHeartbeat, wsproto.HeartbeatData{Status: "online"})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if err := client.WriteJSON(frame); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case f := <-received:
		if f.Type != wsproto.TypeHeartbeat {
			t.Fatalf("expected heartbeat frame, got %s", f.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler to receive frame")
	}
}

func TestSendToUnknownWorkerFails(t *testing.T) {
	m := New(2*time.Second, nil, testLogger())
	if m.Send(uuid.New(), wsproto.Frame{Type: wsproto.TypePing}) {
		t.Fatalf("expected send to unconnected worker to fail")
	}
	if m.Count() != 0 {
		t.Fatalf("expected zero connections")
	}
}

func TestAcceptSupersedesPriorConnection(t *testing.T) {
	workerID := uuid.New()
	m := New(2*time.Second, nil, testLogger())
	srv := newTestServer(t, workerID, m)

	first := dial(t, srv)
	waitConnected(t, m, workerID)

	second := dial(t, srv)
	waitConnected(t, m, workerID)

	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Fatalf("expected first connection to be closed by supersede")
	}

	if m.Count() != 1 {
		t.Fatalf("expected exactly one live connection after supersede, got %d", m.Count())
	}
	second.Close()
}

func TestBroadcastExcludesListedWorkers(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	m := New(2*time.Second, nil, testLogger())

	srvA := newTestServer(t, a, m)
	srvB := newTestServer(t, b, m)
	dial(t, srvA)
	dial(t, srvB)
	waitConnected(t, m, a)
	waitConnected(t, m, b)

	delivered := m.Broadcast(wsproto.Frame{Type: wsproto.TypePing}, map[uuid.UUID]bool{b: true})
	if delivered != 1 {
		t.Fatalf("expected broadcast to reach exactly one worker, got %d", delivered)
	}
}

func waitConnected(t *testing.T, m *Manager, id uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.IsConnected(id) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker %s never connected", id)
}
