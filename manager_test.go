package connect

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedHost fakes the frontend-facing host so manager tests run without a
// channel. Derived addresses are deterministic functions of the options.
type scriptedHost struct {
	mu           sync.Mutex
	hook         func()
	connectErr   error
	blockConnect bool
	deriveErrs   map[string]error
	deriveGate   chan struct{} // when set, parks every non-primary derive
	deriveCalls  []DeriveOptions
	signCalls    []DerivationSignOptions
	destroyed    bool
}

func deriveKey(opts DeriveOptions) string {
	return fmt.Sprintf("%d/%s/%s", opts.KeyIndex, opts.Group, opts.BitcoinNetwork)
}

func scriptedAddr(opts DeriveOptions) string {
	return "0xaddr-" + deriveKey(opts)
}

func (s *scriptedHost) Connect(ctx context.Context, _ ConnectOptions) (*ConnectResult, error) {
	s.mu.Lock()
	block, err, hook := s.blockConnect, s.connectErr, s.hook
	s.mu.Unlock()
	if block {
		// Simulate the frontend pushing NEEDS_ONBOARDING: the hook fires
		// and the connect stays pending.
		if hook != nil {
			hook()
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &ConnectResult{SignerType: SignerDerivation}, nil
}

func (s *scriptedHost) DeriveAddress(_ context.Context, opts DeriveOptions) (*DeriveAddressResult, error) {
	s.mu.Lock()
	s.deriveCalls = append(s.deriveCalls, opts)
	err := s.deriveErrs[deriveKey(opts)]
	gate := s.deriveGate
	s.mu.Unlock()
	if gate != nil && !(opts.KeyIndex == 0 && opts.Group == GroupEVM) {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &DeriveAddressResult{Address: scriptedAddr(opts)}, nil
}

func (s *scriptedHost) SignWithDerivation(_ context.Context, hash string, opts DerivationSignOptions) (*SignResult, error) {
	s.mu.Lock()
	s.signCalls = append(s.signCalls, opts)
	s.mu.Unlock()
	return &SignResult{Signature: "0xsig-over-" + hash}, nil
}

func (s *scriptedHost) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
}

func (s *scriptedHost) setOnboardingHook(fn func()) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

func (s *scriptedHost) failDerive(opts DeriveOptions, err error) {
	s.mu.Lock()
	if s.deriveErrs == nil {
		s.deriveErrs = make(map[string]error)
	}
	s.deriveErrs[deriveKey(opts)] = err
	s.mu.Unlock()
}

func waitReconciled(m *WalletManager) {
	m.mu.Lock()
	done := m.reconciled
	m.mu.Unlock()
	<-done
}

var primaryAddr = scriptedAddr(DeriveOptions{KeyIndex: 0, Group: GroupEVM})

func newTestManager(t *testing.T) (*WalletManager, *scriptedHost, *MemoryCacheStore) {
	t.Helper()
	host := &scriptedHost{}
	store := NewMemoryCacheStore()
	m := newWalletManager(host, store, WithManagerLogger(discardLogger()))
	return m, host, store
}

func initManager(t *testing.T, m *WalletManager) {
	t.Helper()
	require.NoError(t, m.Initialize(context.Background()))
	waitReconciled(m)
}

func TestManagerInitialize(t *testing.T) {
	m, _, store := newTestManager(t)

	assert.False(t, m.IsReady())
	assert.Empty(t, m.CurrentAddress())

	initManager(t, m)

	assert.True(t, m.IsReady())
	assert.False(t, m.NeedsOnboarding())
	assert.Equal(t, primaryAddr, m.CurrentAddress())
	require.Len(t, m.Addresses(), 1)
	assert.Equal(t, int64(0), m.Addresses()[0].KeyIndex)
	assert.Equal(t, GroupEVM, m.Addresses()[0].Group)

	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestManagerInitializeTwice(t *testing.T) {
	m, _, _ := newTestManager(t)
	initManager(t, m)

	err := m.Initialize(context.Background())
	assert.True(t, IsCode(err, CodeAlreadyInitialized))
}

func TestManagerInitializeConnectFailure(t *testing.T) {
	m, host, _ := newTestManager(t)
	host.connectErr = newError(CodeTimeout, "frontend never became ready")

	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeTimeout))
	assert.False(t, m.IsReady())
}

func TestManagerReconcileMergesCache(t *testing.T) {
	m, host, store := newTestManager(t)

	// A previous session left three entries, including a stale primary.
	require.NoError(t, store.Save([]DerivedAddressRecord{
		{KeyIndex: 0, Address: "0xstale-primary", Group: GroupEVM, Curve: CurveSecp256k1},
		{KeyIndex: 1, Address: "0xstale-evm", Group: GroupEVM, Curve: CurveSecp256k1},
		{KeyIndex: 1, Address: "stale-btc", Group: GroupBitcoin, Curve: CurveSecp256k1, BitcoinNetwork: BitcoinTestnet},
	}))

	initManager(t, m)

	addrs := m.Addresses()
	require.Len(t, addrs, 3)

	// The primary comes from the fresh derivation, never from the cache.
	assert.Equal(t, primaryAddr, addrs[0].Address)
	assert.Equal(t, scriptedAddr(DeriveOptions{KeyIndex: 1, Curve: CurveSecp256k1, Group: GroupEVM}), addrs[1].Address)
	assert.Equal(t, scriptedAddr(DeriveOptions{KeyIndex: 1, Curve: CurveSecp256k1, Group: GroupBitcoin, BitcoinNetwork: BitcoinTestnet}), addrs[2].Address)

	// The cached primary entry is skipped rather than re-derived.
	host.mu.Lock()
	calls := len(host.deriveCalls)
	host.mu.Unlock()
	assert.Equal(t, 3, calls, "primary derive plus two reconciled entries")
}

func TestManagerInitializeSeedsFromCache(t *testing.T) {
	m, host, store := newTestManager(t)
	require.NoError(t, store.Save([]DerivedAddressRecord{
		{KeyIndex: 0, Address: "0xstale-primary", Group: GroupEVM, Curve: CurveSecp256k1},
		{KeyIndex: 1, Address: "0xcached-1", Group: GroupEVM, Curve: CurveSecp256k1},
		{KeyIndex: 2, Address: "0xcached-2", Group: GroupSolana, Curve: CurveEd25519},
	}))

	// Park the background pass so the post-Initialize view is observable.
	gate := make(chan struct{})
	host.mu.Lock()
	host.deriveGate = gate
	host.mu.Unlock()

	require.NoError(t, m.Initialize(context.Background()))

	// Cached entries populate the list immediately, before any of them has
	// been re-derived; only the primary is fresh.
	addrs := m.Addresses()
	require.Len(t, addrs, 3)
	assert.Equal(t, primaryAddr, addrs[0].Address)
	assert.Equal(t, "0xcached-1", addrs[1].Address)
	assert.Equal(t, "0xcached-2", addrs[2].Address)

	// The persisted blob keeps the seeded entries too.
	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, persisted, 3)

	close(gate)
	waitReconciled(m)

	addrs = m.Addresses()
	require.Len(t, addrs, 3)
	assert.Equal(t, scriptedAddr(DeriveOptions{KeyIndex: 1, Curve: CurveSecp256k1, Group: GroupEVM}), addrs[1].Address)
	assert.Equal(t, scriptedAddr(DeriveOptions{KeyIndex: 2, Curve: CurveEd25519, Group: GroupSolana}), addrs[2].Address)
}

func TestManagerReinitializeDuringReconcile(t *testing.T) {
	m, host, store := newTestManager(t)
	require.NoError(t, store.Save([]DerivedAddressRecord{
		{KeyIndex: 5, Address: "0xpre-onboarding", Group: GroupEVM, Curve: CurveSecp256k1},
	}))

	// Hold the first pass open inside its frontend derive call.
	gate := make(chan struct{})
	host.mu.Lock()
	host.deriveGate = gate
	host.mu.Unlock()

	require.NoError(t, m.Initialize(context.Background()))
	m.mu.Lock()
	firstPass := m.reconciled
	m.mu.Unlock()

	host.mu.Lock()
	host.deriveGate = nil
	host.mu.Unlock()

	// Resetting while the first pass is still in flight must neither panic
	// nor let that pass write into the fresh wallet's state.
	require.NoError(t, m.Reinitialize(context.Background()))
	waitReconciled(m)

	close(gate)
	<-firstPass

	addrs := m.Addresses()
	require.Len(t, addrs, 1)
	assert.Equal(t, primaryAddr, addrs[0].Address)

	persisted, err := store.Load()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, primaryAddr, persisted[0].Address)
}

func TestManagerReconcileIdempotent(t *testing.T) {
	m, _, store := newTestManager(t)
	require.NoError(t, store.Save([]DerivedAddressRecord{
		{KeyIndex: 1, Address: "0xstale-1", Group: GroupEVM, Curve: CurveSecp256k1},
		{KeyIndex: 2, Address: "0xstale-2", Group: GroupSolana, Curve: CurveEd25519},
	}))
	initManager(t, m)
	require.Len(t, m.Addresses(), 3)

	// Re-running the same pass over the persisted list merges in place, it
	// never duplicates entries.
	cached, err := store.Load()
	require.NoError(t, err)
	m.mu.Lock()
	gen := m.generation
	done := make(chan struct{})
	m.reconciled = done
	m.mu.Unlock()
	m.reconcile(cached, gen, done)
	waitReconciled(m)

	assert.Len(t, m.Addresses(), 3)
}

func TestManagerReconcileSkipsStaleEntries(t *testing.T) {
	m, host, _ := newTestManager(t)
	host.failDerive(
		DeriveOptions{KeyIndex: 1, Curve: CurveSecp256k1, Group: GroupEVM},
		newError(CodeUnknownKey, "no such key"),
	)
	require.NoError(t, m.store.Save([]DerivedAddressRecord{
		{KeyIndex: 1, Address: "0xstale-evm", Group: GroupEVM, Curve: CurveSecp256k1},
		{KeyIndex: 2, Address: "0xstale-2", Group: GroupEVM, Curve: CurveSecp256k1},
	}))

	initManager(t, m)

	// The failing entry is dropped; reconciliation itself succeeds.
	addrs := m.Addresses()
	require.Len(t, addrs, 2)
	assert.Equal(t, primaryAddr, addrs[0].Address)
	assert.Equal(t, int64(2), addrs[1].KeyIndex)
}

func TestManagerOnboardingFlow(t *testing.T) {
	m, host, _ := newTestManager(t)
	host.mu.Lock()
	host.blockConnect = true
	host.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Initialize(ctx))
	assert.True(t, m.NeedsOnboarding())
	assert.False(t, m.IsReady())

	_, err := m.Sign(ctx, testHash, DerivationSignOptions{})
	assert.True(t, IsCode(err, CodeNotInitialized))

	// Onboarding finished in the wallet surface; the application retries.
	host.mu.Lock()
	host.blockConnect = false
	host.mu.Unlock()

	require.NoError(t, m.Reinitialize(context.Background()))
	waitReconciled(m)
	assert.True(t, m.IsReady())
	assert.False(t, m.NeedsOnboarding())
	assert.Equal(t, primaryAddr, m.CurrentAddress())
}

func TestManagerDeriveAddress(t *testing.T) {
	m, _, store := newTestManager(t)
	initManager(t, m)

	rec, err := m.DeriveAddress(context.Background(), 4, DeriveOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.KeyIndex)
	assert.Equal(t, GroupEVM, rec.Group)
	assert.Equal(t, CurveSecp256k1, rec.Curve)
	require.Len(t, m.Addresses(), 2)

	// Re-deriving the same key replaces, it never duplicates.
	_, err = m.DeriveAddress(context.Background(), 4, DeriveOptions{})
	require.NoError(t, err)
	assert.Len(t, m.Addresses(), 2)

	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestManagerDeriveAddressErrorMapping(t *testing.T) {
	m, host, _ := newTestManager(t)
	initManager(t, m)

	opts := DeriveOptions{KeyIndex: 9, Curve: CurveSecp256k1, Group: GroupEVM}

	host.failDerive(opts, fmt.Errorf("connection reset"))
	_, err := m.DeriveAddress(context.Background(), 9, DeriveOptions{})
	assert.True(t, IsCode(err, CodeSignFailed))

	// Validation and teardown failures keep their own codes.
	host.failDerive(opts, newError(CodeValidationFailed, "keyIndex out of range"))
	_, err = m.DeriveAddress(context.Background(), 9, DeriveOptions{})
	assert.True(t, IsCode(err, CodeValidationFailed))

	host.failDerive(opts, newError(CodeDestroyed, "session is destroyed"))
	_, err = m.DeriveAddress(context.Background(), 9, DeriveOptions{})
	assert.True(t, IsCode(err, CodeDestroyed))
}

func TestManagerRemoveAddress(t *testing.T) {
	m, _, _ := newTestManager(t)
	initManager(t, m)

	// A single cached address can never be removed.
	assert.False(t, m.RemoveAddress(primaryAddr))

	second, err := m.DeriveAddress(context.Background(), 1, DeriveOptions{})
	require.NoError(t, err)

	// The active address is protected, compared case-insensitively.
	assert.False(t, m.RemoveAddress(primaryAddr))
	assert.False(t, m.RemoveAddress("0XADDR-0/EVM/"))

	assert.False(t, m.RemoveAddress("0xnot-cached"))

	assert.True(t, m.RemoveAddress(second.Address))
	assert.Len(t, m.Addresses(), 1)
}

func TestManagerSwitchToAddress(t *testing.T) {
	m, _, _ := newTestManager(t)
	initManager(t, m)

	second, err := m.DeriveAddress(context.Background(), 1, DeriveOptions{})
	require.NoError(t, err)

	require.NoError(t, m.SwitchToAddress(1))
	assert.Equal(t, second.Address, m.CurrentAddress())

	err = m.SwitchToAddress(99)
	assert.True(t, IsCode(err, CodeUnknownAddress))
	assert.Equal(t, second.Address, m.CurrentAddress())

	// The former primary is no longer active, so it may be removed now.
	assert.True(t, m.RemoveAddress(primaryAddr))
}

func TestManagerSignUsesActiveAddress(t *testing.T) {
	m, host, _ := newTestManager(t)

	_, err := m.Sign(context.Background(), testHash, DerivationSignOptions{})
	assert.True(t, IsCode(err, CodeNotInitialized))

	initManager(t, m)

	res, err := m.Sign(context.Background(), testHash, DerivationSignOptions{
		// Caller-supplied selectors are overridden by the active address.
		Group:    GroupSolana,
		KeyIndex: int64p(42),
	})
	require.NoError(t, err)
	assert.Equal(t, "0xsig-over-"+testHash, res.Signature)

	host.mu.Lock()
	require.Len(t, host.signCalls, 1)
	sent := host.signCalls[0]
	host.mu.Unlock()
	assert.Equal(t, primaryAddr, sent.Address)
	assert.Empty(t, sent.Group)
	assert.Nil(t, sent.KeyIndex)
}

func TestManagerReinitializeClearsCache(t *testing.T) {
	m, _, store := newTestManager(t)
	initManager(t, m)

	_, err := m.DeriveAddress(context.Background(), 1, DeriveOptions{})
	require.NoError(t, err)
	require.Len(t, m.Addresses(), 2)

	require.NoError(t, m.Reinitialize(context.Background()))
	waitReconciled(m)

	// Only the freshly derived primary survives a reinitialization.
	assert.Len(t, m.Addresses(), 1)
	assert.Equal(t, primaryAddr, m.CurrentAddress())

	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}
