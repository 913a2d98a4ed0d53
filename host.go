package connect

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// SessionState is the readiness state of a WalletHost. Exactly one value
// holds at a time; StateDestroyed is terminal.
type SessionState int

const (
	StateIdle SessionState = iota
	StateLoading
	StateReady
	StateError
	StateDestroyed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Events carries optional callbacks fired by the host. All fields may be
// nil; callbacks run outside the host's locks but on protocol goroutines,
// so they must not block.
type Events struct {
	OnStateChange     func(from, to SessionState)
	OnError           func(err error)
	OnDestroyed       func()
	OnNeedsOnboarding func()
}

// Config is consumed once at host construction.
type Config struct {
	// WalletURL locates the wallet frontend. Its origin becomes the
	// single trusted origin for inbound messages. Required.
	WalletURL string
	// Transport carries protocol envelopes to and from the frontend.
	// Required.
	Transport Transport
	// Surface hosts the frontend's UI. Defaults to NopSurface.
	Surface Surface

	// RequestTimeout bounds each protocol request (default 30s).
	// LoadTimeout bounds the surface mount and ReadyTimeout the wait for
	// the peer's READY signal; both are independent of RequestTimeout.
	RequestTimeout time.Duration
	LoadTimeout    time.Duration
	ReadyTimeout   time.Duration

	// SandboxPolicy is applied to the Surface before the first mount when
	// the surface implements SandboxConfigurable.
	SandboxPolicy string
	// Locale is forwarded in passkey connect metadata.
	Locale string
	// AppName and AppOrigin identify the calling application; AppOrigin
	// also drives the inbound echo guard.
	AppName   string
	AppOrigin string
	// PinPeerSource binds the channel to the first transport source that
	// passes the gate, locking out same-origin impostors afterwards.
	PinPeerSource bool

	Logger *slog.Logger
	Events Events
}

// WalletHost orchestrates connect/sign/derive against the wallet frontend:
// it owns the session state machine, the mounted surface, and the sequencing
// of UI visibility around operations that need user presence.
type WalletHost struct {
	cfg     Config
	channel *WalletChannel
	surface Surface
	logger  *slog.Logger
	events  Events

	mu             sync.Mutex
	state          SessionState
	mounted        bool
	peerReady      bool
	signer         SignerType
	onboardingHook func()

	readyCh chan struct{}
}

// NewWalletHost validates cfg, wires the channel and starts listening for
// inbound protocol traffic. The surface is not mounted until Connect.
func NewWalletHost(cfg Config) (*WalletHost, error) {
	if cfg.WalletURL == "" {
		return nil, newError(CodeValidationFailed, "WalletURL is required")
	}
	if cfg.Transport == nil {
		return nil, newError(CodeValidationFailed, "Transport is required")
	}
	walletOrigin, err := originOf(cfg.WalletURL)
	if err != nil {
		return nil, wrapError(CodeValidationFailed, err, "invalid WalletURL %q", cfg.WalletURL)
	}
	if cfg.Surface == nil {
		cfg.Surface = NopSurface{}
	}
	if sc, ok := cfg.Surface.(SandboxConfigurable); ok && cfg.SandboxPolicy != "" {
		sc.SetSandboxPolicy(cfg.SandboxPolicy)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	h := &WalletHost{
		cfg:     cfg,
		channel: NewWalletChannel(cfg.Transport, walletOrigin, cfg.AppOrigin, cfg.RequestTimeout, cfg.PinPeerSource, logger),
		surface: cfg.Surface,
		logger:  logger,
		events:  cfg.Events,
		state:   StateIdle,
		readyCh: make(chan struct{}, 1),
	}

	h.channel.On(MsgReady, h.handleReady)
	h.channel.On(MsgNeedsOnboarding, h.handleNeedsOnboarding)
	h.channel.On(MsgConnectResult, h.handleResult)
	h.channel.On(MsgSignResult, h.handleResult)
	h.channel.On(MsgDeriveAddressResult, h.handleResult)

	if err := h.channel.StartListening(); err != nil {
		return nil, err
	}
	return h, nil
}

// State returns the current session state.
func (h *WalletHost) State() SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Channel exposes the underlying host-side channel, e.g. to pin the peer
// source once its concrete reference is known.
func (h *WalletHost) Channel() *WalletChannel { return h.channel }

// Connect mounts the wallet surface if needed, completes the readiness
// handshake, and issues the connect request for the selected signer. On
// success the session transitions to ready; a failure leaves it in the
// error state, recoverable by calling Connect again.
func (h *WalletHost) Connect(ctx context.Context, opts ConnectOptions) (*ConnectResult, error) {
	if h.State() == StateDestroyed {
		return nil, newError(CodeDestroyed, "session is destroyed")
	}
	if opts.SignerType != SignerPasskey && opts.SignerType != SignerDerivation {
		return nil, newError(CodeValidationFailed, "unknown signer type %q", opts.SignerType)
	}

	if err := h.ensureMounted(ctx); err != nil {
		h.fail(err)
		return nil, err
	}

	var payload any
	switch opts.SignerType {
	case SignerPasskey:
		payload = connectPasskeyPayload{
			SignerType: SignerPasskey,
			App: AppMetadata{
				Name:   h.cfg.AppName,
				Origin: h.cfg.AppOrigin,
				Locale: h.cfg.Locale,
			},
		}
	case SignerDerivation:
		// The derivation wallet is universal: no caller metadata.
		payload = connectDerivationPayload{SignerType: SignerDerivation}
	}

	raw, err := h.channel.Request(ctx, MsgConnect, payload)
	if err != nil {
		h.fail(err)
		return nil, err
	}
	var res ConnectResult
	if err := json.Unmarshal(raw, &res); err != nil {
		err = wrapError(CodeInvalidMessage, err, "malformed connect result")
		h.fail(err)
		return nil, err
	}

	h.mu.Lock()
	h.signer = opts.SignerType
	h.mu.Unlock()
	h.setState(StateReady)
	h.logger.Info("wallet session ready", "signer", opts.SignerType)
	return &res, nil
}

// SignWithPasskey requests a signature over hash with a platform credential.
// User presence is mandatory for this mode, so the surface is shown before
// the request and hidden afterwards regardless of outcome.
func (h *WalletHost) SignWithPasskey(ctx context.Context, hash string, opts PasskeySignOptions) (*SignResult, error) {
	if err := h.requireReady(); err != nil {
		return nil, err
	}
	if err := validateHash(hash); err != nil {
		return nil, err
	}
	if err := validateKeyID(opts.KeyID); err != nil {
		return nil, err
	}

	h.Show()
	defer h.Hide()

	raw, err := h.channel.Request(ctx, MsgSignWithPasskey, passkeySignPayload{
		Hash:   hash,
		KeyID:  opts.KeyID,
		TxInfo: opts.TxInfo,
	})
	if err != nil {
		return nil, err
	}
	return decodeSignResult(raw)
}

// SignWithDerivation requests a signature over hash with a derived key,
// selected by exactly one of an address or a group+keyIndex pair. The
// surface is shown only when the caller asks for confirmation UI, and hidden
// afterwards on that same condition.
func (h *WalletHost) SignWithDerivation(ctx context.Context, hash string, opts DerivationSignOptions) (*SignResult, error) {
	if err := h.requireReady(); err != nil {
		return nil, err
	}
	if err := validateHash(hash); err != nil {
		return nil, err
	}

	payload := derivationSignPayload{Hash: hash, TxInfo: opts.TxInfo}
	hasAddress := opts.Address != ""
	hasPair := opts.Group != "" && opts.KeyIndex != nil
	switch {
	case hasAddress && (opts.Group != "" || opts.KeyIndex != nil):
		return nil, newError(CodeValidationFailed, "supply either an address or group+keyIndex, not both")
	case hasAddress:
		if strings.HasPrefix(strings.ToLower(opts.Address), "0x") {
			if err := validateEVMAddress(opts.Address); err != nil {
				return nil, err
			}
		}
		payload.Address = opts.Address
	case hasPair:
		if err := validateKeyIndex(*opts.KeyIndex); err != nil {
			return nil, err
		}
		payload.Group = opts.Group
		payload.KeyIndex = opts.KeyIndex
	default:
		// Covers the empty selector and a keyIndex without its group.
		return nil, newError(CodeValidationFailed, "supply either an address or group+keyIndex")
	}

	if opts.ShowConfirmation {
		h.Show()
		defer h.Hide()
	}

	raw, err := h.channel.Request(ctx, MsgSignWithDerivation, payload)
	if err != nil {
		return nil, err
	}
	return decodeSignResult(raw)
}

// DeriveAddress asks the peer to derive an address. Silent: no UI is shown.
func (h *WalletHost) DeriveAddress(ctx context.Context, opts DeriveOptions) (*DeriveAddressResult, error) {
	if err := h.requireReady(); err != nil {
		return nil, err
	}
	if err := validateKeyIndex(opts.KeyIndex); err != nil {
		return nil, err
	}
	if opts.Curve == "" {
		opts.Curve = CurveSecp256k1
	}
	if opts.Group == "" {
		opts.Group = GroupEVM
	}

	raw, err := h.channel.Request(ctx, MsgDeriveAddress, derivePayload{
		KeyIndex:           opts.KeyIndex,
		Curve:              opts.Curve,
		Group:              opts.Group,
		BitcoinAddressType: opts.BitcoinAddressType,
		BitcoinNetwork:     opts.BitcoinNetwork,
	})
	if err != nil {
		return nil, err
	}
	var res DeriveAddressResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, wrapError(CodeInvalidMessage, err, "malformed derive result")
	}
	return &res, nil
}

// Show makes the wallet surface visible and moves focus into it. Session
// state is unaffected.
func (h *WalletHost) Show() {
	h.surface.Show()
	h.surface.Focus()
}

// Hide makes the wallet surface invisible. Session state is unaffected.
func (h *WalletHost) Hide() {
	h.surface.Hide()
}

// Destroy notifies the peer best-effort, unmounts the surface, cancels all
// pending requests and leaves the host permanently unusable. Idempotent.
func (h *WalletHost) Destroy() {
	h.mu.Lock()
	if h.state == StateDestroyed {
		h.mu.Unlock()
		return
	}
	from := h.state
	h.state = StateDestroyed
	h.mu.Unlock()

	if err := h.channel.Post(MsgDestroy, struct{}{}); err != nil {
		h.logger.Debug("teardown notice not delivered", "error", err)
	}
	h.surface.Unmount()

	if h.events.OnStateChange != nil {
		h.events.OnStateChange(from, StateDestroyed)
	}
	if h.events.OnDestroyed != nil {
		h.events.OnDestroyed()
	}
	h.channel.Destroy()
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// ensureMounted performs the two-step readiness handshake: the surface's
// native load signal, then the peer's READY message, each bounded by its own
// timeout. No protocol request may be sent before both have been observed.
func (h *WalletHost) ensureMounted(ctx context.Context) error {
	h.mu.Lock()
	if h.mounted {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.setState(StateLoading)

	mctx, cancel := context.WithTimeout(ctx, h.cfg.LoadTimeout)
	defer cancel()
	if err := h.surface.Mount(mctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return wrapError(CodeTimeout, err, "surface did not load within %s", h.cfg.LoadTimeout)
		}
		return err
	}

	if err := h.channel.StartListening(); err != nil {
		return err
	}
	if err := h.waitPeerReady(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.mounted = true
	h.mu.Unlock()
	return nil
}

func (h *WalletHost) waitPeerReady(ctx context.Context) error {
	h.mu.Lock()
	ready := h.peerReady
	h.mu.Unlock()
	if ready {
		return nil
	}

	select {
	case <-h.readyCh:
		return nil
	case <-time.After(h.cfg.ReadyTimeout):
		return newError(CodeTimeout, "wallet frontend did not signal readiness within %s", h.cfg.ReadyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WalletHost) requireReady() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateDestroyed:
		return newError(CodeDestroyed, "session is destroyed")
	case StateReady:
		return nil
	default:
		return newError(CodeNotInitialized, "session is %s; call Connect first", h.state)
	}
}

// setState moves the state machine; destroyed is terminal and transitions
// out of it are ignored.
func (h *WalletHost) setState(to SessionState) {
	h.mu.Lock()
	if h.state == to || h.state == StateDestroyed {
		h.mu.Unlock()
		return
	}
	from := h.state
	h.state = to
	h.mu.Unlock()
	if h.events.OnStateChange != nil {
		h.events.OnStateChange(from, to)
	}
}

// fail records a connect-path failure: the session drops to the error state
// (unless already destroyed) and the error event fires.
func (h *WalletHost) fail(err error) {
	h.setState(StateError)
	if h.events.OnError != nil {
		h.events.OnError(err)
	}
}

func (h *WalletHost) handleReady(Message) {
	h.mu.Lock()
	h.peerReady = true
	h.mu.Unlock()
	select {
	case h.readyCh <- struct{}{}:
	default:
	}
}

// handleNeedsOnboarding reacts to the peer's push that no wallet exists yet:
// the surface is shown so the user can complete onboarding, and the pending
// connect stays registered with its timeout suspended; it resolves when the
// peer eventually sends the real connect result.
func (h *WalletHost) handleNeedsOnboarding(msg Message) {
	var p onboardingPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	if p.RequestID != "" {
		h.channel.pending.suspendTimeout(p.RequestID)
	}
	h.Show()

	h.mu.Lock()
	hook := h.onboardingHook
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
	if h.events.OnNeedsOnboarding != nil {
		h.events.OnNeedsOnboarding()
	}
}

// handleResult routes a typed response envelope to its pending request.
// Unknown or stale request ids are ignored.
func (h *WalletHost) handleResult(msg Message) {
	var env resultEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil || env.RequestID == "" {
		return
	}
	h.channel.pending.resolve(env.RequestID, env.Data)
}

// setOnboardingHook registers the internal onboarding signal consumed by
// WalletManager, in addition to the public event.
func (h *WalletHost) setOnboardingHook(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onboardingHook = fn
}

func decodeSignResult(raw json.RawMessage) (*SignResult, error) {
	var res SignResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, wrapError(CodeInvalidMessage, err, "malformed sign result")
	}
	return &res, nil
}
