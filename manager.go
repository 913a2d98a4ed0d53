package connect

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// derivationHost is the slice of WalletHost the manager drives, split out so
// tests can substitute a scripted peer.
type derivationHost interface {
	Connect(ctx context.Context, opts ConnectOptions) (*ConnectResult, error)
	DeriveAddress(ctx context.Context, opts DeriveOptions) (*DeriveAddressResult, error)
	SignWithDerivation(ctx context.Context, hash string, opts DerivationSignOptions) (*SignResult, error)
	Destroy()
	setOnboardingHook(fn func())
}

// WalletManager maintains a locally persisted view of addresses previously
// derived through the wallet frontend and reconciles it against the
// frontend's authoritative state after each (re)connection. The frontend
// owns the values; the cache exists so the application can populate UI
// before the round-trips complete and avoid redundant re-derivation.
type WalletManager struct {
	host   derivationHost
	store  CacheStore
	logger *slog.Logger

	mu              sync.Mutex
	addresses       []DerivedAddressRecord
	current         string
	ready           bool
	needsOnboarding bool

	// generation invalidates in-flight reconcile passes: each pass carries
	// the generation it was spawned under and stops touching state once a
	// reset has moved past it.
	generation int
	// reconciled is closed when the current background re-derivation pass
	// ends.
	reconciled chan struct{}
}

// ManagerOption tweaks WalletManager construction.
type ManagerOption func(*WalletManager)

// WithManagerLogger overrides the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *WalletManager) { m.logger = logger }
}

// NewWalletManager wraps host with address-cache reconciliation persisted
// through store.
func NewWalletManager(host *WalletHost, store CacheStore, opts ...ManagerOption) *WalletManager {
	return newWalletManager(host, store, opts...)
}

func newWalletManager(host derivationHost, store CacheStore, opts ...ManagerOption) *WalletManager {
	m := &WalletManager{
		host:  host,
		store: store,
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})),
		reconciled: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	close(m.reconciled) // no pass pending until Initialize
	return m
}

// Initialize connects with the derivation signer and brings the cache in
// sync. If the frontend reports that no wallet exists yet, the manager stops
// with NeedsOnboarding set; call Reinitialize once onboarding completes.
//
// On success the cached list is loaded first, then the canonical primary
// address (keyIndex 0, evm) is derived from the frontend, in that order so
// the cache load cannot clobber the fresh derivation. The cached entries are
// visible through Addresses immediately, so the application can populate UI
// before the round-trips complete; the background pass then re-derives each
// one, one at a time, replacing confirmed entries and dropping refuted ones.
func (m *WalletManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.ready {
		m.mu.Unlock()
		return newError(CodeAlreadyInitialized, "manager is already initialized")
	}
	m.needsOnboarding = false
	m.mu.Unlock()

	type connectOutcome struct {
		res *ConnectResult
		err error
	}
	connectCh := make(chan connectOutcome, 1)
	onboardingCh := make(chan struct{}, 1)
	m.host.setOnboardingHook(func() {
		select {
		case onboardingCh <- struct{}{}:
		default:
		}
	})
	defer m.host.setOnboardingHook(nil)

	go func() {
		res, err := m.host.Connect(ctx, ConnectOptions{SignerType: SignerDerivation})
		connectCh <- connectOutcome{res: res, err: err}
	}()

	select {
	case out := <-connectCh:
		if out.err != nil {
			return out.err
		}
	case <-onboardingCh:
		// No wallet exists yet. The connect stays pending inside the
		// host; the user finishes onboarding in the wallet surface and
		// the application calls Reinitialize.
		m.mu.Lock()
		m.needsOnboarding = true
		m.mu.Unlock()
		m.logger.Info("wallet onboarding required")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	cached, err := m.store.Load()
	if err != nil {
		m.logger.Warn("address cache unreadable, starting empty", "error", err)
		cached = nil
	}

	primary, err := m.host.DeriveAddress(ctx, DeriveOptions{KeyIndex: 0, Group: GroupEVM})
	if err != nil {
		return err
	}
	primaryRec := DerivedAddressRecord{
		KeyIndex: 0,
		Address:  primary.Address,
		Group:    GroupEVM,
		Curve:    CurveSecp256k1,
	}

	seeded := []DerivedAddressRecord{primaryRec}
	for _, rec := range cached {
		if rec.sameKey(primaryRec) {
			continue
		}
		seeded = append(seeded, rec)
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.addresses = seeded
	m.current = primaryRec.Address
	m.ready = true
	done := make(chan struct{})
	m.reconciled = done
	m.mu.Unlock()
	m.persist()

	go m.reconcile(cached, gen, done)
	return nil
}

// reconcile re-derives every cached address other than the primary from the
// frontend, sequentially so the user is never faced with concurrent prompts.
// Confirmed entries replace their seeded values; an entry the frontend can no
// longer derive is dropped from the list. The pass owns its completion
// channel and goes inert, without touching state, once generation has moved
// past gen (a Reinitialize happened while it was in flight).
func (m *WalletManager) reconcile(cached []DerivedAddressRecord, gen int, done chan struct{}) {
	defer close(done)

	primaryKey := DerivedAddressRecord{KeyIndex: 0, Group: GroupEVM}
	for _, rec := range cached {
		if rec.sameKey(primaryKey) {
			continue
		}
		res, err := m.host.DeriveAddress(context.Background(), DeriveOptions{
			KeyIndex:           rec.KeyIndex,
			Curve:              rec.Curve,
			Group:              rec.Group,
			BitcoinAddressType: rec.BitcoinAddressType,
			BitcoinNetwork:     rec.BitcoinNetwork,
		})

		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return
		}
		if err != nil {
			m.logger.Debug("dropping stale cached address",
				"keyIndex", rec.KeyIndex, "group", rec.Group, "error", err)
			m.addresses = removeAddressByKey(m.addresses, rec)
		} else {
			rec.Address = res.Address
			m.addresses = upsertAddress(m.addresses, rec)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	stale := m.generation != gen
	m.mu.Unlock()
	if stale {
		return
	}
	m.persist()
}

// DeriveAddress derives the address for keyIndex through the frontend and
// records it in the cache.
func (m *WalletManager) DeriveAddress(ctx context.Context, keyIndex int64, opts DeriveOptions) (DerivedAddressRecord, error) {
	if err := m.requireReady(); err != nil {
		return DerivedAddressRecord{}, err
	}
	opts.KeyIndex = keyIndex
	if opts.Curve == "" {
		opts.Curve = CurveSecp256k1
	}
	if opts.Group == "" {
		opts.Group = GroupEVM
	}

	res, err := m.host.DeriveAddress(ctx, opts)
	if err != nil {
		if IsCode(err, CodeValidationFailed) || IsCode(err, CodeDestroyed) {
			return DerivedAddressRecord{}, err
		}
		return DerivedAddressRecord{}, wrapError(CodeSignFailed, err, "derivation failed for keyIndex %d", keyIndex)
	}

	rec := DerivedAddressRecord{
		KeyIndex:           keyIndex,
		Address:            res.Address,
		Group:              opts.Group,
		Curve:              opts.Curve,
		BitcoinAddressType: opts.BitcoinAddressType,
		BitcoinNetwork:     opts.BitcoinNetwork,
	}
	m.mu.Lock()
	m.addresses = upsertAddress(m.addresses, rec)
	m.mu.Unlock()
	m.persist()
	return rec, nil
}

// RemoveAddress drops one cached address. It refuses, returning false rather
// than an error, when fewer than two addresses remain or when the target is the
// currently active address, compared case-insensitively.
func (m *WalletManager) RemoveAddress(address string) bool {
	m.mu.Lock()
	if len(m.addresses) < 2 {
		m.mu.Unlock()
		return false
	}
	if strings.EqualFold(address, m.current) {
		m.mu.Unlock()
		return false
	}
	kept := m.addresses[:0:0]
	removed := false
	for _, rec := range m.addresses {
		if !removed && strings.EqualFold(rec.Address, address) {
			removed = true
			continue
		}
		kept = append(kept, rec)
	}
	m.addresses = kept
	m.mu.Unlock()

	if removed {
		m.persist()
	}
	return removed
}

// SwitchToAddress activates the cached address with the given key index.
func (m *WalletManager) SwitchToAddress(keyIndex int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.addresses {
		if rec.KeyIndex == keyIndex {
			m.current = rec.Address
			return nil
		}
	}
	return newError(CodeUnknownAddress, "no cached address with keyIndex %d", keyIndex)
}

// Sign signs hash with the currently active address through the derivation
// signer.
func (m *WalletManager) Sign(ctx context.Context, hash string, opts DerivationSignOptions) (*SignResult, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == "" {
		return nil, newError(CodeUnknownAddress, "no active address")
	}

	opts.Address = current
	opts.Group = ""
	opts.KeyIndex = nil
	return m.host.SignWithDerivation(ctx, hash, opts)
}

// Reinitialize resets all in-memory state, clears the persisted cache and
// runs initialization again. Used after an onboarding flow completes inside
// the wallet frontend, so the fresh wallet's real addresses replace any
// pre-onboarding leftovers.
func (m *WalletManager) Reinitialize(ctx context.Context) error {
	m.mu.Lock()
	// Any reconcile pass still in flight is now working against a wallet
	// that no longer exists; moving the generation strands it.
	m.generation++
	m.addresses = nil
	m.current = ""
	m.ready = false
	m.needsOnboarding = false
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.logger.Warn("failed to clear address cache", "error", err)
	}
	return m.Initialize(ctx)
}

// Addresses returns a copy of the cached address list.
func (m *WalletManager) Addresses() []DerivedAddressRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DerivedAddressRecord, len(m.addresses))
	copy(out, m.addresses)
	return out
}

// CurrentAddress returns the active address, or "" before readiness.
func (m *WalletManager) CurrentAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsReady reports whether initialization completed.
func (m *WalletManager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// NeedsOnboarding reports whether the frontend signalled that no wallet
// exists yet.
func (m *WalletManager) NeedsOnboarding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsOnboarding
}

func (m *WalletManager) requireReady() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return newError(CodeNotInitialized, "manager is not initialized")
	}
	return nil
}

// persist writes the current list to the store. Storage failures are logged
// and swallowed: the cache must never affect the correctness of the
// frontend-backed operations.
func (m *WalletManager) persist() {
	m.mu.Lock()
	snapshot := make([]DerivedAddressRecord, len(m.addresses))
	copy(snapshot, m.addresses)
	m.mu.Unlock()

	if err := m.store.Save(snapshot); err != nil {
		m.logger.Warn("failed to persist address cache", "error", err)
	}
}

// upsertAddress inserts rec or replaces the entry sharing its uniqueness key
// (keyIndex, group, bitcoinNetwork).
func upsertAddress(list []DerivedAddressRecord, rec DerivedAddressRecord) []DerivedAddressRecord {
	for i, existing := range list {
		if existing.sameKey(rec) {
			list[i] = rec
			return list
		}
	}
	return append(list, rec)
}

// removeAddressByKey drops the entry sharing key's uniqueness key, if any.
func removeAddressByKey(list []DerivedAddressRecord, key DerivedAddressRecord) []DerivedAddressRecord {
	for i, existing := range list {
		if existing.sameKey(key) {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
