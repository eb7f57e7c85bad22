package tcpmux

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/hashicorp/yamux"
)

// sessionConfig tunes the yamux session timeouts to fit the same 30-second
// budgets the relay applies elsewhere (spec §5).
func sessionConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.ConnectionWriteTimeout = 30 * time.Second
	cfg.LogOutput = io.Discard
	return cfg
}

// NewRelaySession wraps conn as the server side of a yamux session: the
// relay opens a stream per public TCP connection.
func NewRelaySession(conn *websocket.Conn) (*yamux.Session, error) {
	sess, err := yamux.Server(newWSStream(conn), sessionConfig())
	if err != nil {
		return nil, trace.Wrap(err, "establishing relay-side yamux session")
	}
	return sess, nil
}

// NewAgentSession wraps conn as the client side of a yamux session: the
// agent accepts each stream the relay opens for a public connection.
func NewAgentSession(conn *websocket.Conn) (*yamux.Session, error) {
	sess, err := yamux.Client(newWSStream(conn), sessionConfig())
	if err != nil {
		return nil, trace.Wrap(err, "establishing agent-side yamux session")
	}
	return sess, nil
}

// Splice copies bytes both directions between a and b until either side
// closes, then closes both. Used to bridge a public TCP connection with a
// yamux stream on either end of the tunnel.
func Splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
}
