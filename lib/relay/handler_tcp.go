package relay

import (
	"log/slog"
	"net"

	"github.com/gorilla/websocket"

	"github.com/whoamikiddie/ztunnel/lib/tcpmux"
)

// serveTCPTunnel replaces the JSON request/response multiplex loop for a
// "tcp"-type tunnel (SPEC_FULL §2 domain stack): the control channel
// becomes the transport for a yamux session, and every accepted connection
// on a dedicated listener becomes one yamux stream bridged to the agent.
// It blocks until the listener or the control channel fails.
func (s *Server) serveTCPTunnel(conn *websocket.Conn, tunnel *Tunnel, logger *slog.Logger) {
	sess, err := tcpmux.NewRelaySession(conn)
	if err != nil {
		logger.Warn("failed to establish tcp multiplexing session", "error", err)
		return
	}
	defer sess.Close()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		logger.Warn("failed to open public listener for tcp tunnel", "error", err)
		return
	}
	defer listener.Close()

	logger.Info("tcp tunnel listening", "addr", listener.Addr().String())

	go func() {
		select {
		case <-tunnel.Done():
		case <-sess.CloseChan():
		}
		listener.Close()
	}()

	for {
		publicConn, err := listener.Accept()
		if err != nil {
			return
		}
		go func() {
			stream, err := sess.Open()
			if err != nil {
				logger.Warn("failed to open yamux stream for public connection", "error", err)
				publicConn.Close()
				return
			}
			tcpmux.Splice(publicConn, stream)
		}()
	}
}
