package connmgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store/memory"
	"github.com/swarmguard/taskmesh/internal/workerauth"
	"github.com/swarmguard/taskmesh/internal/wsproto"
)

func seedWorker(t *testing.T, durable *memory.Durable) (*model.Worker, string) {
	t.Helper()
	issued, err := workerauth.Issue()
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	worker := &model.Worker{
		ID:          uuid.New(),
		MachineID:   "mac-1",
		DisplayName: "test worker",
		Status:      model.WorkerOffline,
		APIKeyID:    issued.ID,
		APIKeyHash:  issued.Hash,
	}
	if err := durable.UpsertWorker(context.Background(), worker); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	return worker, issued.Plaintext
}

func newHandshakeTestServer(t *testing.T, h *HandshakeServer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandshakeAcceptsValidHeaderKey(t *testing.T) {
	durable := memory.NewDurable()
	worker, plaintext := seedWorker(t, durable)
	kv := memory.NewKV()
	manager := New(2*time.Second, func(context.Context, uuid.UUID, wsproto.Frame) {}, testLogger())
	h := NewHandshakeServer(manager, durable, workerauth.NewVerifier(kv), testLogger())
	srv := newHandshakeTestServer(t, h)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	headers := http.Header{}
	headers.Set("X-Worker-API-Key", plaintext)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, headers)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	var ack wsproto.Frame
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read register_ack: %v", err)
	}
	if ack.Type != wsproto.TypeRegisterAck {
		t.Fatalf("expected register_ack, got %s", ack.Type)
	}

	waitConnected(t, manager, worker.ID)
}

func TestHandshakeAcceptsValidQueryKey(t *testing.T) {
	durable := memory.NewDurable()
	_, plaintext := seedWorker(t, durable)
	kv := memory.NewKV()
	manager := New(2*time.Second, func(context.Context, uuid.UUID, wsproto.Frame) {}, testLogger())
	h := NewHandshakeServer(manager, durable, workerauth.NewVerifier(kv), testLogger())
	srv := newHandshakeTestServer(t, h)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?api_key=" + plaintext
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
}

// TestHandshakeClosesWithAuthFailedOnBadKey asserts the upgrade still
// completes on an invalid key — the rejection arrives as a WebSocket
// close frame, not a pre-upgrade HTTP error.
func TestHandshakeClosesWithAuthFailedOnBadKey(t *testing.T) {
	durable := memory.NewDurable()
	seedWorker(t, durable)
	kv := memory.NewKV()
	manager := New(2*time.Second, func(context.Context, uuid.UUID, wsproto.Frame) {}, testLogger())
	h := NewHandshakeServer(manager, durable, workerauth.NewVerifier(kv), testLogger())
	srv := newHandshakeTestServer(t, h)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	headers := http.Header{}
	headers.Set("X-Worker-API-Key", "not-a-real-key-not-a-real-key")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, headers)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected upgrade to still succeed, got %d", resp.StatusCode)
	}

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != wsproto.CloseAuthFailed {
		t.Fatalf("expected close code %d, got %d", wsproto.CloseAuthFailed, closeErr.Code)
	}
}

func TestHandshakeClosesWithAuthFailedOnMissingKey(t *testing.T) {
	durable := memory.NewDurable()
	kv := memory.NewKV()
	manager := New(2*time.Second, func(context.Context, uuid.UUID, wsproto.Frame) {}, testLogger())
	h := NewHandshakeServer(manager, durable, workerauth.NewVerifier(kv), testLogger())
	srv := newHandshakeTestServer(t, h)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != wsproto.CloseAuthFailed {
		t.Fatalf("expected close code %d, got %d", wsproto.CloseAuthFailed, closeErr.Code)
	}
}
