package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whoamikiddie/ztunnel/lib/breaker"
	"github.com/whoamikiddie/ztunnel/lib/ipfilter"
	"github.com/whoamikiddie/ztunnel/lib/protocol"
)

// advertisementDeadline bounds how long the registration handler waits for
// the agent's first text frame (spec §4.5 step 1).
const advertisementDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeTunnel handles GET /tunnel: it upgrades the connection, runs the
// registration handshake, and then the multiplexed control-channel loop
// (spec §4.5) until the channel closes.
func (s *Server) ServeTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("tunnel upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	adv := s.readAdvertisement(conn)
	filter, err := parseIPFilter(adv.IPFilter)
	if err != nil {
		s.logger.Warn("rejecting malformed ip_filter, proceeding with empty filter", "error", err)
		filter = ipfilter.Filter{}
	}

	tunnelType := string(adv.Type)
	if tunnelType == "" {
		tunnelType = string(protocol.TunnelHTTP)
	}

	tunnel := NewTunnel("", tunnelType, filter, breaker.Config{}, 0)
	subdomain, reassigned := s.registry.AllocateSubdomain(adv.Subdomain, tunnel)
	tunnel.Subdomain = subdomain

	if stashed, ok := s.registry.PopStashedBreaker(subdomain); ok {
		for _, f := range stashed.DrainQueue() {
			_ = tunnel.Enqueue(f.Payload)
		}
		tunnel.Breaker = stashed
	}

	logger := s.logger.With("subdomain", subdomain, "type", tunnelType)
	logger.Info("tunnel registered", "reassigned", reassigned)

	ack := protocol.Acknowledgement{
		Success:    true,
		Subdomain:  subdomain,
		URL:        "https://" + subdomain + "." + s.config.Domain,
		Reassigned: reassigned,
	}
	if err := writeJSONMessage(conn, ack); err != nil {
		logger.Warn("failed to send acknowledgement", "error", err)
		s.registry.Remove(subdomain, tunnel)
		return
	}

	s.metrics.ActiveTunnels.Inc()
	defer s.metrics.ActiveTunnels.Dec()

	if tunnelType == string(protocol.TunnelTCP) {
		s.serveTCPTunnel(conn, tunnel, logger)
	} else {
		s.runMultiplexLoop(conn, tunnel, logger)
	}
	s.registry.Remove(subdomain, tunnel)
	tunnel.Close()
	logger.Info("tunnel closed")
}

// readAdvertisement reads and decodes the agent's first text frame. A
// malformed or absent advertisement is treated as anonymous (spec §4.5
// step 1).
func (s *Server) readAdvertisement(conn *websocket.Conn) protocol.Advertisement {
	conn.SetReadDeadline(time.Now().Add(advertisementDeadline))
	defer conn.SetReadDeadline(time.Time{})

	var adv protocol.Advertisement
	msgType, data, err := conn.ReadMessage()
	if err != nil || msgType != websocket.TextMessage {
		return adv
	}
	if err := json.Unmarshal(data, &adv); err != nil {
		return protocol.Advertisement{}
	}
	return adv
}

func parseIPFilter(spec *protocol.IPFilterSpec) (ipfilter.Filter, error) {
	if spec == nil {
		return ipfilter.Filter{}, nil
	}
	return ipfilter.ParseFilter(spec.Allow, spec.Deny)
}

// runMultiplexLoop services the three sources of spec §4.5 step 5: inbound
// control frames, outbound queued frames, and the keepalive ticker. The
// single goroutine here is the tunnel's sole writer (spec §5); a second
// goroutine handles blocking reads and forwards them over readCh.
func (s *Server) runMultiplexLoop(conn *websocket.Conn, tunnel *Tunnel, logger *slog.Logger) {
	type inboundMsg struct {
		msgType int
		data    []byte
		err     error
	}
	readCh := make(chan inboundMsg)
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			readCh <- inboundMsg{msgType, data, err}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-readCh:
			if msg.err != nil {
				return
			}
			switch msg.msgType {
			case websocket.BinaryMessage:
				resp, err := protocol.DecodeResponse(msg.data)
				if err != nil {
					logger.Warn("malformed response frame, ignoring", "error", err)
					continue
				}
				if tunnel.Pending.deliver(resp) {
					tunnel.Breaker.RecordSuccess()
				}
			default:
				// Unexpected text frame after registration; ignore.
			}

		case payload := <-tunnel.Outbound:
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				logger.Warn("failed writing outbound frame", "error", err)
				tunnel.Breaker.RecordFailure()
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				logger.Warn("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

func writeJSONMessage(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
