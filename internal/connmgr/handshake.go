package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store"
	"github.com/swarmguard/taskmesh/internal/wsproto"
	"github.com/swarmguard/taskmesh/internal/workerauth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandshakeServer upgrades an inbound HTTP request to a worker WebSocket
// connection, then verifies the API key presented via the
// X-Worker-API-Key header or api_key query parameter. A key that does not
// verify closes the connection with wsproto.CloseAuthFailed; otherwise
// the connection is handed to Manager.
type HandshakeServer struct {
	manager  *Manager
	durable  store.Durable
	verifier *workerauth.Verifier
	log      *slog.Logger
}

func NewHandshakeServer(manager *Manager, durable store.Durable, verifier *workerauth.Verifier, log *slog.Logger) *HandshakeServer {
	return &HandshakeServer{manager: manager, durable: durable, verifier: verifier, log: log}
}

var errBadKey = errors.New("missing or malformed api key")

// ServeHTTP implements the /v1/workers/connect endpoint. The key arrives
// via the X-Worker-API-Key header or, for clients that can't set
// headers, the api_key query parameter; machine_id and the rest of the
// worker's identity travel in the post-upgrade register frame, not the
// connect URL. The upgrade always happens first: an invalid key closes
// the resulting WebSocket with code 4401 rather than refusing the HTTP
// request outright, matching how every other handshake failure is
// reported to a connected worker.
func (h *HandshakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	presented := apiKeyFromRequest(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	worker, err := h.resolveWorker(r.Context(), presented)
	if err != nil {
		h.log.Warn("worker handshake rejected", "error", err)
		closeAuthFailed(ws)
		return
	}

	ack, err := wsproto.NewFrame(wsproto.TypeRegisterAck, wsproto.RegisterAckData{
		WorkerID: worker.ID.String(),
		Status:   "accepted",
	})
	if err == nil {
		_ = ws.WriteJSON(ack)
	}

	h.manager.Accept(r.Context(), worker.ID, ws)
}

// resolveWorker binds the connection to the worker whose stored hash the
// presented key validates against, using the key's first 16 hex
// characters (workerauth.IssuedKey.ID) to locate the candidate row
// without scanning every worker's bcrypt hash.
func (h *HandshakeServer) resolveWorker(ctx context.Context, presented string) (*model.Worker, error) {
	if len(presented) < 16 {
		return nil, errBadKey
	}
	worker, err := h.durable.GetWorkerByAPIKeyID(ctx, presented[:16])
	if err != nil {
		return nil, err
	}
	if worker.APIKeyRevoked {
		return nil, errors.New("worker api key revoked")
	}
	if err := h.verifier.Verify(ctx, presented, worker.APIKeyHash); err != nil {
		return nil, err
	}
	return worker, nil
}

func apiKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-Worker-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func closeAuthFailed(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(wsproto.CloseAuthFailed, "auth-failed")
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
	_ = ws.Close()
}

// DisconnectOnDelete force-closes a worker's connection with the
// worker-already-deleted close code.
func DisconnectOnDelete(manager *Manager, workerID uuid.UUID) {
	manager.Disconnect(workerID, wsproto.CloseAlreadyDeleted, "worker deleted")
}
