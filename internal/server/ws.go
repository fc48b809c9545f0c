package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/alfredjeanlab/gatebus/internal/gateway"
)

// wsWriteTimeout bounds a single frame write to a gateway client.
const wsWriteTimeout = 10 * time.Second

// wsFrameConn carries gateway frames as JSON text messages.
type wsFrameConn struct {
	ws *websocket.Conn
}

var _ gateway.FrameConn = (*wsFrameConn)(nil)

func (c *wsFrameConn) ReadFrame() (gateway.Frame, error) {
	var f gateway.Frame
	if err := websocket.JSON.Receive(c.ws, &f); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return gateway.Frame{}, io.EOF
		}
		return gateway.Frame{}, err
	}
	return f, nil
}

func (c *wsFrameConn) WriteFrame(f gateway.Frame) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return websocket.JSON.Send(c.ws, f)
}

func (c *wsFrameConn) Close() error {
	return c.ws.Close()
}

// handleGateway handles GET /v1/gateway. The user is authenticated before the
// upgrade; the connection then runs the gateway protocol until either side
// leaves.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Info("gateway: unauthorized", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	// websocket.Server with no Handshake skips the Origin check; identity
	// comes from the Authenticator, not the browser origin.
	websocket.Server{Handler: func(ws *websocket.Conn) {
		ctx, cancel := s.streamContext(ws.Request().Context())
		defer cancel()

		conn := s.gateway.NewConn(&wsFrameConn{ws: ws}, user)
		err := conn.Serve(ctx)
		logger := s.logger.With("user_id", user.ID, "session_id", conn.SessionID())
		if err != nil {
			logger.Info("gateway: connection closed", "error", err)
			return
		}
		logger.Debug("gateway: connection closed")
	}}.ServeHTTP(w, r)
}
