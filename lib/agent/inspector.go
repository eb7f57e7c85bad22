package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/whoamikiddie/ztunnel/lib/protocol"
)

// exchangeHistorySize bounds the inspector's in-memory ring buffer.
const exchangeHistorySize = 200

// Exchange is a completed-exchange record pushed by the forwarder after
// each relayed request/response pair (spec.md:203, SPEC_FULL §6). It carries
// every field spec.md names as mandatory: id, RFC-3339 timestamp, method,
// path, status, latency in milliseconds, request/response headers, the
// lossy-UTF-8-decoded request/response bodies (nil when the exchange carried
// none), and the response body size in bytes.
type Exchange struct {
	RequestID    string           `json:"request_id"`
	At           time.Time       `json:"at"`
	Method       string           `json:"method"`
	Path         string           `json:"path"`
	Status       int              `json:"status"`
	LatencyMS    int64            `json:"latency_ms"`
	ReqHeaders   protocol.Headers `json:"req_headers"`
	ReqBody      *string          `json:"req_body"`
	RespHeaders  protocol.Headers `json:"resp_headers"`
	RespBody     *string          `json:"resp_body"`
	RespBodySize int              `json:"resp_body_size"`
}

// Inspector is the core's write-only sink for completed-exchange records
// (spec §6: "the core merely writes to it"). It retains a ring buffer and
// fans each record out to any subscribed /stream listeners.
type Inspector struct {
	mu          sync.Mutex
	history     []Exchange
	subscribers map[chan Exchange]struct{}
}

// NewInspector constructs an empty Inspector.
func NewInspector() *Inspector {
	return &Inspector{subscribers: make(map[chan Exchange]struct{})}
}

// Push records one completed exchange, trims the ring buffer, and notifies
// any live subscribers without blocking on a slow one.
func (ins *Inspector) Push(ex Exchange) {
	ins.mu.Lock()
	ins.history = append(ins.history, ex)
	if len(ins.history) > exchangeHistorySize {
		ins.history = ins.history[len(ins.history)-exchangeHistorySize:]
	}
	var targets []chan Exchange
	for ch := range ins.subscribers {
		targets = append(targets, ch)
	}
	ins.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ex:
		default:
		}
	}
}

// Recent returns a copy of the most recently retained exchange records.
func (ins *Inspector) Recent() []Exchange {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	out := make([]Exchange, len(ins.history))
	copy(out, ins.history)
	return out
}

func (ins *Inspector) subscribe() chan Exchange {
	ch := make(chan Exchange, 16)
	ins.mu.Lock()
	ins.subscribers[ch] = struct{}{}
	ins.mu.Unlock()
	return ch
}

func (ins *Inspector) unsubscribe(ch chan Exchange) {
	ins.mu.Lock()
	delete(ins.subscribers, ch)
	ins.mu.Unlock()
}

// Handler builds the inspector's minimal local HTTP surface: GET /exchanges
// for the retained history, GET /stream for an SSE feed of new records
// (SPEC_FULL §6). This is plumbing only, not a dashboard UI.
func (ins *Inspector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/exchanges", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ins.Recent())
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := ins.subscribe()
		defer ins.unsubscribe(ch)

		for {
			select {
			case ex := <-ch:
				data, err := json.Marshal(ex)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	return mux
}
