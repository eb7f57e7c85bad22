package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/whoamikiddie/ztunnel/lib/protocol"
)

// pendingTable is the per-tunnel correlation map from request id to a
// one-shot response receptacle (spec §3, PendingRequest). A single mutex
// guards the whole map; it is held only for the map operation itself, never
// while a waiter is awaited.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Response
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan *protocol.Response)}
}

// newRequestID generates a collision-resistant request id (spec §9: the
// source's epoch-derived generator is explicitly called out as too weak).
func newRequestID() string {
	return uuid.NewString()
}

// insert creates and registers a fresh receptacle for id, returning the
// channel the caller should await. id must not already be registered.
func (p *pendingTable) insert(id string) <-chan *protocol.Response {
	ch := make(chan *protocol.Response, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// deliver hands resp to the waiter registered under resp.ID, if any. It
// returns false if no such request is pending (a late or unknown response,
// per spec §5: "if a late response arrives its id miss is silently
// dropped").
func (p *pendingTable) deliver(resp *protocol.Response) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.ID]
	if ok {
		delete(p.waiters, resp.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	close(ch)
	return true
}

// remove deletes id's receptacle without delivering a value, used by the
// proxy handler's timeout/error paths to prevent leaks.
func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, id)
}

// len reports the number of currently outstanding requests, for tests and
// metrics.
func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// cancelAll closes every outstanding receptacle without a value, signalling
// "upstream closed" to every waiter. Called when a tunnel is destroyed.
func (p *pendingTable) cancelAll() {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan *protocol.Response)
	p.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
