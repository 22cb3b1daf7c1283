package rpc

import (
	"encoding/json"
	"sync"
	"time"
)

// outcome is the single resolution delivered to a waiting call.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is one outstanding request. done has capacity 1 and receives
// exactly one outcome from whoever removes the call from the registry.
type pendingCall struct {
	id     string
	method string
	done   chan outcome
	timer  *time.Timer
}

// pendingCalls is the registry of outstanding requests keyed by id.
// Removal from the map is the only way to resolve a call, so a call is
// resolved at most once no matter how responses, timeouts and exits race.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]*pendingCall)}
}

// add registers a call. It returns false if id is already outstanding.
func (p *pendingCalls) add(id, method string) (*pendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.calls[id]; exists {
		return nil, false
	}
	pc := &pendingCall{id: id, method: method, done: make(chan outcome, 1)}
	p.calls[id] = pc
	return pc, true
}

// setTimer attaches the timeout timer, stopping it at once if the call was
// already resolved.
func (p *pendingCalls) setTimer(pc *pendingCall, timer *time.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.calls[pc.id]; !ok {
		timer.Stop()
		return
	}
	pc.timer = timer
}

// take removes and returns the call for id, or nil if it is not outstanding.
func (p *pendingCalls) take(id string) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return pc
}

// resolve delivers o to the call for id. It reports whether a call was found.
func (p *pendingCalls) resolve(id string, o outcome) bool {
	pc := p.take(id)
	if pc == nil {
		return false
	}
	pc.done <- o
	return true
}

// failAll rejects every outstanding call with errFor(call) and empties the
// registry. It returns the number of calls rejected.
func (p *pendingCalls) failAll(errFor func(*pendingCall) error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*pendingCall)
	for _, pc := range calls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
	}
	p.mu.Unlock()

	for _, pc := range calls {
		pc.done <- outcome{err: errFor(pc)}
	}
	return len(calls)
}

// len returns the number of outstanding calls.
func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
