package tcpmux

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// dialedPair spins up a websocket upgrading server and returns the
// client-side and server-side *websocket.Conn of one established
// connection, for exercising the yamux sessions built on top of it.
func dialedPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	serverConn := <-serverConnCh
	return clientConn, serverConn
}

func TestYamuxSessionsOverWebsocketBridgeAStream(t *testing.T) {
	t.Parallel()
	client, server := dialedPair(t)
	t.Cleanup(func() { client.Close(); server.Close() })

	agentSess, err := NewAgentSession(client)
	require.NoError(t, err)
	t.Cleanup(func() { agentSess.Close() })

	relaySess, err := NewRelaySession(server)
	require.NoError(t, err)
	t.Cleanup(func() { relaySess.Close() })

	acceptedCh := make(chan error, 1)
	go func() {
		stream, err := relaySess.Accept()
		if err != nil {
			acceptedCh <- err
			return
		}
		defer stream.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(stream, buf); err != nil {
			acceptedCh <- err
			return
		}
		if string(buf) != "hello" {
			acceptedCh <- io.ErrUnexpectedEOF
			return
		}
		_, err = stream.Write([]byte("world"))
		acceptedCh <- err
	}()

	stream, err := agentSess.Open()
	require.NoError(t, err)
	_, err = stream.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))

	require.NoError(t, <-acceptedCh)
}
