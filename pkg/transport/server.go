// Package transport carries protocol messages over websocket streams between
// the control plane and its agents.
package transport

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/openfroyo/fleet/pkg/broker"
	"github.com/openfroyo/fleet/pkg/protocol"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

const (
	// StreamPath is the endpoint agents open their stream on.
	StreamPath = "/api/v1/stream"

	// HeaderPeerID carries the id of the connecting peer.
	HeaderPeerID = "X-Peer-Id"

	writeTimeout = 10 * time.Second
)

// Handler upgrades agent connections and binds them to broker sessions.
type Handler struct {
	broker   *broker.Broker
	auth     *Authenticator
	logger   *telemetry.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the stream handler. A nil authenticator disables token checks.
func NewHandler(b *broker.Broker, auth *Authenticator, tel *telemetry.Telemetry) *Handler {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Handler{
		broker: b,
		auth:   auth,
		logger: tel.Logger.NewComponentLogger("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peerID, err := types.ParsePeerID(r.Header.Get(HeaderPeerID))
	if err != nil {
		http.Error(w, "missing or invalid "+HeaderPeerID, http.StatusBadRequest)
		return
	}
	logger := h.logger.WithPeerID(peerID)

	if h.auth != nil {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		subject, err := h.auth.Verify(token)
		if err != nil || subject != peerID {
			logger.WithError(err).Warn("Rejected stream with invalid token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	headers := make(map[string]string)
	for _, field := range otel.GetTextMapPropagator().Fields() {
		if value := r.Header.Get(field); value != "" {
			headers[field] = value
		}
	}

	session, err := h.broker.Open(r.Context(), peerID, remoteAddr(r), headers)
	if err != nil {
		logger.WithError(err).Error("Opening session failed")
		http.Error(w, "session could not be opened", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("Websocket upgrade failed")
		session.Close(broker.ReasonStreamClosed)
		return
	}

	go h.readLoop(conn, session, logger)
	h.writeLoop(conn, session, logger)
}

// readLoop feeds upstream frames into the session until the stream breaks.
func (h *Handler) readLoop(conn *websocket.Conn, session *broker.Session, logger *telemetry.Logger) {
	defer session.Close(broker.ReasonStreamClosed)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("Stream read failed")
			}
			return
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			logger.WithError(err).Warn("Dropping malformed upstream message")
			continue
		}

		ctx := protocol.ExtractTrace(context.Background(), msg)
		if err := session.Receive(ctx, *msg); err != nil {
			return
		}
	}
}

// writeLoop delivers downstream messages until the session ends, then
// flushes what is left and closes the stream.
func (h *Handler) writeLoop(conn *websocket.Conn, session *broker.Session, logger *telemetry.Logger) {
	defer conn.Close()

	for {
		select {
		case msg := <-session.Downstream():
			if err := writeMessage(conn, msg); err != nil {
				logger.WithError(err).Debug("Stream write failed")
				session.Close(broker.ReasonStreamClosed)
				return
			}
		case <-session.Done():
			for _, msg := range session.Pending() {
				if err := writeMessage(conn, msg); err != nil {
					return
				}
			}
			deadline := time.Now().Add(writeTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, session.Reason()), deadline)
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func remoteAddr(r *http.Request) netip.Addr {
	if addrPort, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return addrPort.Addr().Unmap()
	}
	if addr, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		return addr.Unmap()
	}
	return netip.IPv4Unspecified()
}
