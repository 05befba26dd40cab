package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lessonsync/internal/auth"
	"lessonsync/internal/config"
	"lessonsync/pkg/protocol"
)

// FrameSink is what the handler pumps decoded frames into. Implemented by
// the gateway.
type FrameSink interface {
	HandleFrame(ctx context.Context, conn *Conn, frame *protocol.Frame)
	HandleDisconnect(conn *Conn)
}

// Handler upgrades HTTP requests on the /lesson namespace, verifies the
// bearer token, and runs the per-connection read loop.
type Handler struct {
	upgrader websocket.Upgrader
	verifier *auth.Verifier
	sink     FrameSink
	cfg      config.WebSocketConfig
	log      zerolog.Logger
}

func NewHandler(verifier *auth.Verifier, sink FrameSink, cfg config.WebSocketConfig, logger zerolog.Logger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			// Origin checking is delegated to the fronting proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		verifier: verifier,
		sink:     sink,
		cfg:      cfg,
		log:      logger.With().Str("component", "transport").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConn(ws, uuid.New().String(), userID, h.cfg.WriteTimeout)
	h.log.Info().Str("user_id", userID).Str("socket_id", conn.SocketID()).Msg("client connected")

	go h.readLoop(conn)
}

// readLoop reads frames until the socket drops, keeping the heartbeat alive.
func (h *Handler) readLoop(conn *Conn) {
	defer func() {
		h.sink.HandleDisconnect(conn)
		_ = conn.Close()
		h.log.Info().Str("user_id", conn.UserID()).Str("socket_id", conn.SocketID()).Msg("client disconnected")
	}()

	conn.ws.SetReadLimit(protocol.MaxPayloadBytes)
	if err := conn.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		return
	}
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	go h.pingLoop(conn)

	ctx := context.Background()
	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("user_id", conn.UserID()).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame protocol.Frame
		if err := decodeFrame(data, &frame); err != nil {
			h.log.Debug().Err(err).Str("user_id", conn.UserID()).Msg("dropping malformed frame")
			continue
		}
		h.sink.HandleFrame(ctx, conn, &frame)
	}
}

func (h *Handler) pingLoop(conn *Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
