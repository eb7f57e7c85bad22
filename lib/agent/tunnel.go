package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/whoamikiddie/ztunnel/lib/protocol"
	"github.com/whoamikiddie/ztunnel/lib/tcpmux"
)

// reconnectBackoff is the fixed delay between control-channel reconnect
// attempts (spec §6: "auto-reconnect (5 s backoff)").
const reconnectBackoff = 5 * time.Second

// handshakeTimeout bounds the dial, advertisement send, and acknowledgement
// read that make up one connection attempt's setup.
const handshakeTimeout = 10 * time.Second

// Session drives one declared tunnel's control channel for its whole
// lifetime: dial, advertise, service frames, and reconnect with backoff on
// any failure, until ctx is cancelled (spec §4.7, §6).
type Session struct {
	RelayURL  string
	AuthToken string
	Tunnel    TunnelConfig
	Inspector *Inspector
	Logger    *slog.Logger
}

// Run drives the reconnect loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	logger := s.Logger.With("tunnel", s.Tunnel.Name, "proto", s.Tunnel.Proto)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx, logger); err != nil {
			logger.Warn("control channel session ended", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (s *Session) runOnce(ctx context.Context, logger *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	header := make(http.Header)
	if s.AuthToken != "" {
		header.Set("Authorization", "Bearer "+s.AuthToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.RelayURL, header)
	if err != nil {
		return trace.ConnectionProblem(err, "dialing relay %s", s.RelayURL)
	}
	defer conn.Close()

	adv := s.buildAdvertisement()
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := writeJSON(conn, adv); err != nil {
		return trace.Wrap(err, "sending advertisement")
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var ack protocol.Acknowledgement
	_, data, err := conn.ReadMessage()
	if err != nil {
		return trace.Wrap(err, "reading acknowledgement")
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return trace.Wrap(err, "decoding acknowledgement")
	}
	conn.SetReadDeadline(time.Time{})
	if !ack.Success {
		return trace.BadParameter("relay rejected advertisement: %s", ack.Error)
	}
	logger.Info("tunnel established", "subdomain", ack.Subdomain, "url", ack.URL, "reassigned", ack.Reassigned)

	if s.Tunnel.Proto == ProtoTCP {
		return s.serveTCP(ctx, conn, logger)
	}
	return s.serve(ctx, conn, logger)
}

func (s *Session) buildAdvertisement() protocol.Advertisement {
	adv := protocol.Advertisement{
		Subdomain: s.Tunnel.Subdomain,
		Type:      protocol.TunnelType(s.Tunnel.Proto),
		LocalPort: uint16(s.Tunnel.LocalPort),
		Name:      s.Tunnel.Name,
	}
	if s.Tunnel.IPFilter != nil {
		adv.IPFilter = &protocol.IPFilterSpec{
			Allow: s.Tunnel.IPFilter.Allow,
			Deny:  s.Tunnel.IPFilter.Deny,
		}
	}
	return adv
}

// serve runs the agent side of the multiplexed loop: every inbound binary
// frame is decoded as a Request, forwarded to the local service, and the
// Response written back, all on a dedicated goroutine so a slow local
// service never blocks the reader (spec §4.7).
func (s *Session) serve(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) error {
	fwd := NewForwarder(s.Tunnel.localHost(), s.Tunnel.LocalPort)
	writeCh := make(chan []byte, 16)
	errCh := make(chan error, 1)

	go func() {
		// conn.ReadMessage below has no deadline, so closing the connection
		// is what actually unblocks it on shutdown.
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		for {
			select {
			case payload := <-writeCh:
				if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
					errCh <- trace.Wrap(err, "writing response frame")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		default:
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return trace.Wrap(err, "reading control frame")
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		req, err := protocol.DecodeRequest(data)
		if err != nil {
			logger.Warn("malformed request frame, ignoring", "error", err)
			continue
		}

		go s.handleRequest(fwd, req, writeCh, logger, s.Tunnel.inspectEnabled())
	}
}

// serveTCP runs the agent side of a tcp-type tunnel (SPEC_FULL §2): a
// yamux client session over the control channel, with each accepted stream
// bridged to a fresh loopback connection against the advertised local port.
func (s *Session) serveTCP(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) error {
	sess, err := tcpmux.NewAgentSession(conn)
	if err != nil {
		return trace.Wrap(err, "establishing tcp multiplexing session")
	}
	defer sess.Close()

	go func() {
		<-ctx.Done()
		sess.Close()
	}()

	addr := net.JoinHostPort(s.Tunnel.localHost(), strconv.Itoa(s.Tunnel.LocalPort))
	for {
		stream, err := sess.Accept()
		if err != nil {
			return trace.Wrap(err, "accepting yamux stream")
		}
		go func() {
			local, err := net.DialTimeout("tcp", addr, dialTimeout)
			if err != nil {
				logger.Warn("failed dialing local tcp service", "error", err, "addr", addr)
				stream.Close()
				return
			}
			tcpmux.Splice(local, stream)
		}()
	}
}

func (s *Session) handleRequest(fwd *Forwarder, req *protocol.Request, writeCh chan<- []byte, logger *slog.Logger, inspect bool) {
	start := time.Now()
	resp, err := fwd.Forward(req)
	if err != nil {
		logger.Warn("forwarding request failed, dropping frame", "error", err, "request_id", req.ID)
		return
	}

	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		logger.Warn("encoding response failed, dropping frame", "error", err, "request_id", req.ID)
		return
	}
	writeCh <- payload

	if inspect && s.Inspector != nil {
		s.Inspector.Push(Exchange{
			RequestID:    req.ID,
			At:           start,
			Method:       req.Method,
			Path:         req.Path,
			Status:       int(resp.Status),
			LatencyMS:    time.Since(start).Milliseconds(),
			ReqHeaders:   req.Headers,
			ReqBody:      lossyUTF8(req.Body),
			RespHeaders:  resp.Headers,
			RespBody:     lossyUTF8(resp.Body),
			RespBodySize: len(resp.Body),
		})
	}
}

// lossyUTF8 decodes body as UTF-8, replacing invalid sequences, for the
// inspector record (spec.md:203: "optional ... body decoded as UTF-8
// (lossy)"). It returns nil when body itself is nil, preserving the
// absent-vs-present-but-empty distinction one layer up from protocol.Request.
func lossyUTF8(body []byte) *string {
	if body == nil {
		return nil
	}
	s := strings.ToValidUTF8(string(body), "�")
	return &s
}

func writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
