package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/whoamikiddie/ztunnel/lib/breaker"
	"github.com/whoamikiddie/ztunnel/lib/ipfilter"
	"github.com/whoamikiddie/ztunnel/lib/protocol"
)

// ServeProxy is the entry point for every public inbound HTTP request
// (spec §4.6). The host header's leftmost label selects the tunnel.
func (s *Server) ServeProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	subdomain := leftmostLabel(r.Host)
	logger := s.logger.With("subdomain", subdomain, "method", r.Method, "path", r.URL.Path)

	// Step 2: read the body fully, bounded.
	body, err := readBoundedBody(r.Body, s.config.MaxBodyBytes)
	if err != nil {
		logger.Warn("request body too large")
		http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
		return
	}

	// Step 3: resolve subdomain, clone handle, release lock implicitly
	// (Registry.Get only holds the RWMutex for the lookup itself).
	tunnel, ok := s.registry.Get(subdomain)
	if !ok {
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		s.metrics.RecordRequest(http.StatusNotFound, 0, len(body), 0)
		return
	}

	// Step 4: IP filter.
	if !tunnel.Filter.IsEmpty() {
		clientIP := ipfilter.ClientIPTrusting(r, s.config.TrustForwardedFor)
		if clientIP == nil || !tunnel.Filter.IsAllowed(clientIP) {
			logger.Info("rejected by ip filter", "client_ip", clientIP)
			http.Error(w, "forbidden", http.StatusForbidden)
			s.metrics.RecordRequest(http.StatusForbidden, 0, len(body), 0)
			return
		}
	}

	// Step 5: fresh request id, one-shot receptacle.
	id := newRequestID()
	waiter := tunnel.Pending.insert(id)

	// Step 6: serialize the request record.
	req := &protocol.Request{
		ID:      id,
		Method:  r.Method,
		Path:    requestPath(r),
		Headers: headersFromHTTP(r.Header),
	}
	if len(body) > 0 || r.ContentLength > 0 {
		req.Body = body
	}
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		tunnel.Pending.remove(id)
		logger.Error("failed to encode request", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Step 7: breaker decision.
	switch tunnel.Breaker.TrySend(payload) {
	case breaker.Queued, breaker.Dropped:
		tunnel.Pending.remove(id)
		http.Error(w, "tunnel temporarily unavailable", http.StatusServiceUnavailable)
		s.metrics.RecordRequest(http.StatusServiceUnavailable, 0, len(body), 0)
		return
	}

	// Step 8: enqueue on the tunnel's outbound frame queue.
	if err := tunnel.Enqueue(payload); err != nil {
		tunnel.Pending.remove(id)
		tunnel.Breaker.RecordFailure()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		s.metrics.RecordRequest(http.StatusBadGateway, 0, len(body), 0)
		return
	}

	// Step 9: await the response with a timeout.
	status, bytesOut := s.awaitResponse(w, tunnel, id, waiter, logger)
	s.metrics.RecordRequest(status, float64(time.Since(start).Microseconds()), len(body), bytesOut)
}

func (s *Server) awaitResponse(w http.ResponseWriter, tunnel *Tunnel, id string, waiter <-chan *protocol.Response, logger *slog.Logger) (status int, bytesOut int) {
	timer := time.NewTimer(s.config.ResponseTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-waiter:
		if !ok {
			// Sender dropped: tunnel was destroyed before a response arrived.
			tunnel.Pending.remove(id)
			tunnel.Breaker.RecordFailure()
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return http.StatusBadGateway, 0
		}
		return s.writeResponse(w, tunnel, resp), len(resp.Body)

	case <-timer.C:
		tunnel.Pending.remove(id)
		tunnel.Breaker.RecordFailure()
		logger.Warn("request timed out awaiting agent response")
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		return http.StatusGatewayTimeout, 0
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, tunnel *Tunnel, resp *protocol.Response) int {
	status := int(resp.Status)
	if status < 100 || status > 599 {
		status = http.StatusOK
	}

	header := w.Header()
	for _, kv := range resp.Headers {
		if !validHeaderName(kv.Name) || !validHeaderValue(kv.Value) {
			continue
		}
		header.Add(kv.Name, kv.Value)
	}
	if tunnel.HeaderRewriter != nil {
		tunnel.HeaderRewriter(header)
	}

	if tunnel.Throttle != nil && len(resp.Body) > 0 {
		n := len(resp.Body)
		if burst := tunnel.Throttle.Burst(); n > burst {
			n = burst
		}
		_ = tunnel.Throttle.WaitN(context.Background(), n)
	}

	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
	return status
}

func leftmostLabel(host string) string {
	host = strings.SplitN(host, ":", 2)[0]
	parts := strings.SplitN(host, ".", 2)
	return parts[0]
}

func requestPath(r *http.Request) string {
	if r.URL.RawQuery != "" {
		return r.URL.Path + "?" + r.URL.RawQuery
	}
	return r.URL.Path
}

func headersFromHTTP(h http.Header) protocol.Headers {
	var out protocol.Headers
	for name, values := range h {
		for _, v := range values {
			out = append(out, protocol.Header{Name: name, Value: v})
		}
	}
	return out
}

func readBoundedBody(r io.Reader, max int64) ([]byte, error) {
	limited := io.LimitReader(r, max+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, errBodyTooLarge
	}
	return data, nil
}

var errBodyTooLarge = &bodyTooLargeError{}

type bodyTooLargeError struct{}

func (*bodyTooLargeError) Error() string { return "request body exceeds maximum size" }

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if c <= ' ' || c == ':' || c == 0x7f {
			return false
		}
	}
	return true
}

func validHeaderValue(value string) bool {
	for _, c := range value {
		if c == '\r' || c == '\n' {
			return false
		}
	}
	return true
}
