package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	method  string
	started time.Time
	ch      chan callResult
}

// settle delivers the result. Callers must own the call via take.
func (p *pendingCall) settle(payload json.RawMessage, err error) {
	p.ch <- callResult{payload, err}
}

// pendingTable maps correlation ids to calls waiting for a response. A call
// is settled only by whoever removes it with take, so it settles exactly once.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (t *pendingTable) add(id, method string) *pendingCall {
	call := &pendingCall{
		method:  method,
		started: time.Now(),
		ch:      make(chan callResult, 1),
	}
	t.mu.Lock()
	t.calls[id] = call
	t.mu.Unlock()
	return call
}

func (t *pendingTable) take(id string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return call, ok
}

// drain removes and returns every pending call.
func (t *pendingTable) drain() []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingCall, 0, len(t.calls))
	for id, call := range t.calls {
		out = append(out, call)
		delete(t.calls, id)
	}
	return out
}

func (t *pendingTable) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.calls[id]
	return ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
