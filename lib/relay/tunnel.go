package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/time/rate"

	"github.com/whoamikiddie/ztunnel/lib/breaker"
	"github.com/whoamikiddie/ztunnel/lib/ipfilter"
)

// outboundQueueCapacity is the bounded capacity of a tunnel's outbound
// frame channel (spec §5).
const outboundQueueCapacity = 100

// Tunnel is the relay-side record of one active control channel: identity,
// outbound frame queue, pending-request correlation table, IP filter, and
// circuit breaker (spec §3). Filter is immutable after construction;
// Subdomain is assigned once by the registration handler right after the
// registry allocates it. The pending table and the breaker each guard their
// own state, so no two locks are ever held together.
type Tunnel struct {
	Subdomain string
	CreatedAt time.Time
	Type      string

	Outbound chan []byte
	Pending  *pendingTable
	Filter   ipfilter.Filter
	Breaker  *breaker.CircuitBreaker

	// Throttle optionally rate-limits bytes written back to the public
	// caller (supplemented feature, SPEC_FULL §3). Nil disables throttling.
	Throttle *rate.Limiter

	// HeaderRewriter, if set, is invoked on the agent's response headers
	// before they are copied to the public ResponseWriter. A seam for a
	// future header-rewrite rule engine (out of scope here).
	HeaderRewriter func(http.Header)

	done      chan struct{}
	closeOnce sync.Once
}

// NewTunnel constructs a Tunnel with a fresh breaker and pending table.
func NewTunnel(subdomain, tunnelType string, filter ipfilter.Filter, breakerCfg breaker.Config, throttleBPS int) *Tunnel {
	var limiter *rate.Limiter
	if throttleBPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(throttleBPS), throttleBPS)
	}
	return &Tunnel{
		Subdomain: subdomain,
		Type:      tunnelType,
		CreatedAt: time.Now(),
		Outbound:  make(chan []byte, outboundQueueCapacity),
		Pending:   newPendingTable(),
		Filter:    filter,
		Breaker:   breaker.New(breakerCfg),
		Throttle:  limiter,
		done:      make(chan struct{}),
	}
}

// Enqueue places payload on the outbound frame queue for the control
// channel's writer to transmit. It fails if the tunnel has already closed.
func (t *Tunnel) Enqueue(payload []byte) error {
	select {
	case t.Outbound <- payload:
		return nil
	case <-t.done:
		return trace.ConnectionProblem(nil, "tunnel %s is closed", t.Subdomain)
	}
}

// Close tears down the tunnel: every outstanding pending receptacle is
// cancelled ("upstream closed"), and Done() becomes observable to any
// goroutine still enqueueing or writing.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.Pending.cancelAll()
	})
}

// Done returns a channel that is closed once the tunnel has been torn down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}
