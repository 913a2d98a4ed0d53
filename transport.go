package connect

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// TransportEvent is one inbound delivery from the remote context. Origin is
// the sender's declared origin; Source identifies the concrete sender and is
// compared by reference when a channel has a pinned source.
type TransportEvent struct {
	Origin string
	Source any
	Data   []byte
}

// Transport abstracts the cross-context message mechanism so channel logic
// stays testable without a real embedded-surface environment. Implementations
// must be safe for concurrent use.
type Transport interface {
	// Send transmits payload toward targetOrigin. Delivery is
	// fire-and-forget: a nil error only means the payload was handed to
	// the underlying mechanism.
	Send(payload []byte, targetOrigin string) error

	// Subscribe registers fn for inbound events and returns an
	// unsubscribe function. At most one subscriber is active at a time;
	// events arriving with no subscriber are dropped.
	Subscribe(fn func(TransportEvent)) (func(), error)

	// Close releases the transport. Safe to call multiple times.
	Close() error
}

// ---------------------------------------------------------------------------
// PipeTransport: in-process pair
// ---------------------------------------------------------------------------

// PipeTransport is an in-process transport end. Two ends are created linked
// by NewTransportPair; a Send on one end is delivered synchronously to the
// other end's subscriber, preserving order. It backs tests and in-process
// embedded bindings.
type PipeTransport struct {
	origin string

	mu         sync.Mutex
	subscriber func(TransportEvent)
	peer       *PipeTransport
	closed     bool
}

// NewTransportPair links two pipe ends. Each end stamps outbound events with
// its own origin, so the two origins model the two contexts.
func NewTransportPair(originA, originB string) (*PipeTransport, *PipeTransport) {
	a := &PipeTransport{origin: originA}
	b := &PipeTransport{origin: originB}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *PipeTransport) Send(payload []byte, _ string) error {
	t.mu.Lock()
	closed := t.closed
	peer := t.peer
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("pipe transport is closed")
	}

	peer.mu.Lock()
	fn := peer.subscriber
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed || fn == nil {
		// No listener on the far side: fire-and-forget semantics.
		return nil
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	fn(TransportEvent{Origin: t.origin, Source: t, Data: data})
	return nil
}

func (t *PipeTransport) Subscribe(fn func(TransportEvent)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("pipe transport is closed")
	}
	t.subscriber = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.subscriber = nil
	}, nil
}

func (t *PipeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subscriber = nil
	return nil
}

// ---------------------------------------------------------------------------
// WebSocketTransport
// ---------------------------------------------------------------------------

// WebSocketTransport speaks the protocol over a WebSocket connection to the
// wallet frontend's companion endpoint. Inbound frames are stamped with the
// dialed endpoint's origin; the transport itself is the event source, so
// pinning the source binds a channel to this one connection.
type WebSocketTransport struct {
	conn       *websocket.Conn
	peerOrigin string

	writeMu sync.Mutex

	mu         sync.Mutex
	subscriber func(TransportEvent)
	pumping    bool
	closed     bool
}

// DialWebSocket connects to wsURL and returns a transport whose inbound
// events carry the endpoint's origin.
func DialWebSocket(wsURL string) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	origin, err := originOf(wsURL)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &WebSocketTransport{conn: conn, peerOrigin: origin}, nil
}

func (t *WebSocketTransport) Send(payload []byte, _ string) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("websocket transport is closed")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WebSocketTransport) Subscribe(fn func(TransportEvent)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("websocket transport is closed")
	}
	t.subscriber = fn
	if !t.pumping {
		t.pumping = true
		go t.readPump()
	}
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.subscriber = nil
	}, nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subscriber = nil
	t.mu.Unlock()
	return t.conn.Close()
}

// readPump delivers inbound frames until the connection dies. Each frame is
// one protocol envelope; framing beyond that is the codec's concern.
func (t *WebSocketTransport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		t.mu.Lock()
		fn := t.subscriber
		t.mu.Unlock()
		if fn != nil {
			fn(TransportEvent{Origin: t.peerOrigin, Source: t, Data: data})
		}
	}
}
