package connect

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Handler consumes one inbound message of a registered type. A panic inside
// a handler is contained at the dispatch boundary and never reaches other
// pending requests.
type Handler func(msg Message)

// Channel is the communication contract shared by the host-side and
// embedded-side bindings.
type Channel interface {
	// On registers the handler for a message type. At most one handler
	// exists per type; the last registration wins.
	On(t MessageType, h Handler)
	// Off removes the handler for a message type.
	Off(t MessageType)
	// StartListening subscribes to the transport. Idempotent.
	StartListening() error
	// StopListening drops the transport subscription. Idempotent.
	StopListening()
	// Request sends an envelope and blocks until the correlated response,
	// a peer-reported error, the request timeout, ctx cancellation, or
	// channel destruction settles it.
	Request(ctx context.Context, t MessageType, payload any) (json.RawMessage, error)
	// Post sends an envelope without expecting a response.
	Post(t MessageType, payload any) error
	// Destroy tears the channel down: stops listening, cancels every
	// pending request with a DESTROYED error, clears handlers.
	// Idempotent and irreversible.
	Destroy()
	// IsDestroyed reports whether Destroy has run.
	IsDestroyed() bool
}

// channelConfig carries the construction parameters shared by both bindings.
type channelConfig struct {
	transport      Transport
	allowedOrigin  string // the single trusted remote origin, or a policy value
	selfOrigin     string // our own origin, for the echo guard
	requestTimeout time.Duration
	production     bool
	// pinFirstSource locks the channel to the source of the first message
	// that passes the gate, so later same-origin impostors are dropped.
	pinFirstSource bool
	logger         *slog.Logger
}

// channelCore implements the mechanics shared by WalletChannel and
// EmbedChannel: the handler table, the correlation table, the inbound gate,
// and the listening lifecycle. The bindings compose it rather than inherit
// from it.
type channelCore struct {
	cfg     channelConfig
	pending *pendingRequests
	gen     idGenerator
	logger  *slog.Logger

	mu           sync.Mutex
	handlers     map[MessageType]Handler
	unsubscribe  func()
	destroyed    bool
	pinnedSource any
}

func newChannelCore(cfg channelConfig) *channelCore {
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if cfg.requestTimeout <= 0 {
		cfg.requestTimeout = defaultRequestTimeout
	}
	return &channelCore{
		cfg:      cfg,
		pending:  newPendingRequests(cfg.requestTimeout),
		logger:   logger,
		handlers: make(map[MessageType]Handler),
	}
}

func (c *channelCore) On(t MessageType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.handlers[t] = h
}

func (c *channelCore) Off(t MessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, t)
}

func (c *channelCore) StartListening() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return newError(CodeDestroyed, "channel is destroyed")
	}
	if c.unsubscribe != nil {
		return nil
	}
	unsub, err := c.cfg.transport.Subscribe(c.handleEvent)
	if err != nil {
		return err
	}
	c.unsubscribe = unsub
	return nil
}

func (c *channelCore) StopListening() {
	c.mu.Lock()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (c *channelCore) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *channelCore) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.handlers = make(map[MessageType]Handler)
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.pending.cancelAll("channel destroyed")
}

// pinSource binds the channel to one exact sender reference. Once pinned,
// inbound events from any other source are dropped even when their origin
// string matches the allowed origin.
func (c *channelCore) pinSource(src any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinnedSource = src
}

func (c *channelCore) Post(t MessageType, payload any) error {
	if c.IsDestroyed() {
		return newError(CodeDestroyed, "channel is destroyed")
	}
	msg, err := newMessage(&c.gen, t, payload, "")
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *channelCore) Request(ctx context.Context, t MessageType, payload any) (json.RawMessage, error) {
	return c.request(ctx, t, payload, 0)
}

// request is Request with an explicit timeout override (0 = channel default).
func (c *channelCore) request(ctx context.Context, t MessageType, payload any, timeout time.Duration) (json.RawMessage, error) {
	if c.IsDestroyed() {
		return nil, newError(CodeDestroyed, "channel is destroyed")
	}
	msg, err := newMessage(&c.gen, t, payload, "")
	if err != nil {
		return nil, err
	}

	// Register before sending so a synchronous reply finds its entry.
	ch := c.pending.register(msg.ID, timeout)

	if err := c.send(msg); err != nil {
		c.pending.reject(msg.ID, err)
		<-ch
		return nil, err
	}

	select {
	case out := <-ch:
		return out.data, out.err
	case <-ctx.Done():
		c.pending.reject(msg.ID, ctx.Err())
		return nil, ctx.Err()
	}
}

func (c *channelCore) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.cfg.transport.Send(data, c.cfg.allowedOrigin)
}

// handleEvent is the inbound dispatch path. Every check failure is a silent
// drop: cross-context traffic routinely includes unrelated events, and
// raising them would produce false-positive failures for callers.
func (c *channelCore) handleEvent(ev TransportEvent) {
	c.mu.Lock()
	destroyed := c.destroyed
	pinned := c.pinnedSource
	c.mu.Unlock()
	if destroyed {
		return
	}

	if ev.Origin == c.cfg.selfOrigin {
		return // echo / self-delivery
	}
	if pinned != nil && ev.Source != pinned {
		c.logger.Debug("dropped message from unpinned source", "origin", ev.Origin)
		return
	}
	if !validOrigin(ev.Origin, c.cfg.allowedOrigin, c.cfg.production, c.logger) {
		c.logger.Debug("dropped message from disallowed origin", "origin", ev.Origin)
		return
	}
	msg, ok := decodeMessage(ev.Data)
	if !ok {
		return
	}

	if c.cfg.pinFirstSource && pinned == nil && ev.Source != nil {
		c.pinSource(ev.Source)
	}

	if msg.Type == MsgError {
		c.rejectFromPeer(msg)
		return
	}

	c.mu.Lock()
	h := c.handlers[msg.Type]
	c.mu.Unlock()
	if h == nil {
		return
	}
	c.invoke(h, msg)
}

// rejectFromPeer routes a peer-reported request failure to the correlation
// table. A stale or unknown request id is a no-op.
func (c *channelCore) rejectFromPeer(msg Message) {
	var p errorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.RequestID == "" {
		return
	}
	code := ErrorCode(p.Code)
	if code == "" {
		code = CodeSignFailed
	}
	c.pending.reject(p.RequestID, &WalletError{Code: code, Message: p.Message})
}

// invoke runs a handler with panic containment so a broken handler cannot
// take down the dispatch loop or unrelated requests.
func (c *channelCore) invoke(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked", "type", msg.Type, "panic", r)
		}
	}()
	h(msg)
}

// ---------------------------------------------------------------------------
// Concrete bindings
// ---------------------------------------------------------------------------

// WalletChannel is the host-side binding: the application end of the
// protocol, talking to the wallet frontend. It supports pinning the peer
// source once the frontend's concrete sender reference is known.
type WalletChannel struct {
	*channelCore
}

// NewWalletChannel builds the host-side channel. walletOrigin is the single
// trusted origin (or an origin policy value); appOrigin is our own origin,
// used for the echo guard.
func NewWalletChannel(transport Transport, walletOrigin, appOrigin string, requestTimeout time.Duration, pinFirstSource bool, logger *slog.Logger) *WalletChannel {
	return &WalletChannel{channelCore: newChannelCore(channelConfig{
		transport:      transport,
		allowedOrigin:  walletOrigin,
		selfOrigin:     appOrigin,
		requestTimeout: requestTimeout,
		production:     IsProduction(),
		pinFirstSource: pinFirstSource,
		logger:         logger,
	})}
}

// PinSource binds the channel to the exact sender reference of the mounted
// wallet frontend.
func (c *WalletChannel) PinSource(src any) { c.pinSource(src) }

// EmbedChannel is the embedded-side binding: the wallet frontend end of the
// protocol. It answers requests from the host application; the SDK ships it
// for in-process wallet surfaces and for exercising the protocol in tests.
type EmbedChannel struct {
	*channelCore
}

// NewEmbedChannel builds the embedded-side channel. appOrigin is the single
// trusted host origin; walletOrigin is our own origin.
func NewEmbedChannel(transport Transport, appOrigin, walletOrigin string, requestTimeout time.Duration, logger *slog.Logger) *EmbedChannel {
	return &EmbedChannel{channelCore: newChannelCore(channelConfig{
		transport:      transport,
		allowedOrigin:  appOrigin,
		selfOrigin:     walletOrigin,
		requestTimeout: requestTimeout,
		production:     IsProduction(),
		logger:         logger,
	})}
}

// Reply posts a response envelope correlated to the given request id.
func (c *EmbedChannel) Reply(requestID string, t MessageType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.Post(t, resultEnvelope{RequestID: requestID, Data: raw})
}

// Fail posts a peer-level error for the given request id.
func (c *EmbedChannel) Fail(requestID string, code ErrorCode, message string) error {
	return c.Post(MsgError, errorPayload{RequestID: requestID, Code: string(code), Message: message})
}
