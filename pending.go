package connect

import (
	"encoding/json"
	"sync"
	"time"
)

// outcome is the settled result of a pending request: exactly one of data or
// err, delivered exactly once.
type outcome struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	ch        chan outcome
	timer     *time.Timer
	createdAt time.Time
}

// pendingRequests correlates in-flight request ids with their waiting
// callers. Each entry owns an independent timeout timer; the first decision
// for an id wins (response, peer error, timeout, or cancellation) and every
// later one is a no-op.
type pendingRequests struct {
	mu             sync.Mutex
	entries        map[string]*pendingRequest
	defaultTimeout time.Duration
}

func newPendingRequests(defaultTimeout time.Duration) *pendingRequests {
	return &pendingRequests{
		entries:        make(map[string]*pendingRequest),
		defaultTimeout: defaultTimeout,
	}
}

// register creates a pending entry for id and arms its timeout. A timeout of
// zero uses the table default; a negative timeout disables the timer.
// The returned channel receives exactly one outcome.
func (p *pendingRequests) register(id string, timeout time.Duration) <-chan outcome {
	if timeout == 0 {
		timeout = p.defaultTimeout
	}

	req := &pendingRequest{
		ch:        make(chan outcome, 1),
		createdAt: time.Now(),
	}

	p.mu.Lock()
	p.entries[id] = req
	p.mu.Unlock()

	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() {
			p.reject(id, newError(CodeTimeout, "request %s timed out after %s", id, timeout))
		})
	}
	return req.ch
}

// resolve fulfills the pending request for id. Returns false when no entry
// exists, which covers duplicate and stray responses.
func (p *pendingRequests) resolve(id string, data json.RawMessage) bool {
	req := p.take(id)
	if req == nil {
		return false
	}
	req.ch <- outcome{data: data}
	return true
}

// reject fails the pending request for id. Same no-op semantics as resolve.
func (p *pendingRequests) reject(id string, err error) bool {
	req := p.take(id)
	if req == nil {
		return false
	}
	req.ch <- outcome{err: err}
	return true
}

// suspendTimeout stops the timeout timer for id, leaving the entry pending
// indefinitely. Used when the peer signals an onboarding flow whose duration
// is user-paced. Returns false when no entry exists.
func (p *pendingRequests) suspendTimeout(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.entries[id]
	if !ok {
		return false
	}
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}
	return true
}

// cancelAll fails every outstanding request with a DESTROYED error and
// clears the table. Callers observe no partial state: the table is emptied
// under a single lock acquisition.
func (p *pendingRequests) cancelAll(reason string) {
	p.mu.Lock()
	taken := p.entries
	p.entries = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for id, req := range taken {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.ch <- outcome{err: newError(CodeDestroyed, "request %s cancelled: %s", id, reason)}
	}
}

// count returns the number of outstanding requests.
func (p *pendingRequests) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// take removes and returns the entry for id, stopping its timer.
func (p *pendingRequests) take(id string) *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.entries[id]
	if !ok {
		return nil
	}
	delete(p.entries, id)
	if req.timer != nil {
		req.timer.Stop()
	}
	return req
}
