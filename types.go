package connect

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Default timeouts. RequestTimeout bounds each protocol request; LoadTimeout
// bounds the surface mount; ReadyTimeout bounds the wait for the peer's READY
// signal. The latter two are independent of the request timeout.
const (
	defaultRequestTimeout = 30 * time.Second
	defaultLoadTimeout    = 10 * time.Second
	defaultReadyTimeout   = 10 * time.Second
)

// SignerType selects one of the two mutually address-incompatible signing
// strategies the wallet frontend offers.
type SignerType string

const (
	// SignerPasskey is the hardware-isolated direct signing mode, backed
	// by platform credentials.
	SignerPasskey SignerType = "passkey"
	// SignerDerivation is the software key-derivation signing mode. It is
	// a universal wallet: its connect carries no caller-identifying
	// metadata.
	SignerDerivation SignerType = "derivation"
)

// KeyGroup is the address family of a derived key.
type KeyGroup string

const (
	GroupEVM     KeyGroup = "evm"
	GroupSolana  KeyGroup = "solana"
	GroupBitcoin KeyGroup = "bitcoin"
)

// Curve is the signature curve family.
type Curve string

const (
	CurveSecp256k1 Curve = "secp256k1"
	CurveEd25519   Curve = "ed25519"
)

// Bitcoin-specific derivation options.
type (
	BitcoinAddressType string
	BitcoinNetwork     string
)

const (
	BitcoinP2PKH  BitcoinAddressType = "p2pkh"
	BitcoinP2WPKH BitcoinAddressType = "p2wpkh"
	BitcoinP2TR   BitcoinAddressType = "p2tr"

	BitcoinMainnet BitcoinNetwork = "mainnet"
	BitcoinTestnet BitcoinNetwork = "testnet"
)

// maxKeyIndex is the upper bound of the non-hardened derivation index range.
const maxKeyIndex = int64(1)<<31 - 1

// DerivedAddressRecord is one address previously derived through the wallet
// frontend. Records are unique by (KeyIndex, Group, BitcoinNetwork): the same
// index and group legitimately produce different records across bitcoin
// networks.
type DerivedAddressRecord struct {
	KeyIndex           int64              `json:"keyIndex"`
	Address            string             `json:"address"`
	Group              KeyGroup           `json:"group"`
	Curve              Curve              `json:"curve"`
	BitcoinAddressType BitcoinAddressType `json:"bitcoinAddressType,omitempty"`
	BitcoinNetwork     BitcoinNetwork     `json:"bitcoinNetwork,omitempty"`
}

// sameKey reports whether two records share the cache uniqueness key.
func (r DerivedAddressRecord) sameKey(o DerivedAddressRecord) bool {
	return r.KeyIndex == o.KeyIndex && r.Group == o.Group && r.BitcoinNetwork == o.BitcoinNetwork
}

// AppMetadata identifies the calling application to the wallet frontend.
// Only the passkey connect carries it.
type AppMetadata struct {
	Name   string `json:"name,omitempty"`
	Origin string `json:"origin,omitempty"`
	Locale string `json:"locale,omitempty"`
}

// TransactionInfo is optional human-readable context shown in the wallet
// frontend's confirmation UI alongside a signing request.
type TransactionInfo struct {
	ChainID int64  `json:"chainId,omitempty"`
	To      string `json:"to,omitempty"`
	Value   string `json:"value,omitempty"`
	Note    string `json:"note,omitempty"`
}

// ---------------------------------------------------------------------------
// Wire payloads: one concrete shape per message type and variant, so illegal
// field combinations are unrepresentable on the host side.
// ---------------------------------------------------------------------------

// connectPasskeyPayload is the CONNECT payload for the passkey signer.
type connectPasskeyPayload struct {
	SignerType SignerType  `json:"signerType"`
	App        AppMetadata `json:"app"`
}

// connectDerivationPayload is the CONNECT payload for the derivation signer.
// It deliberately omits caller-identifying metadata.
type connectDerivationPayload struct {
	SignerType SignerType `json:"signerType"`
}

// ConnectResult is the peer's answer to a connect request. The credential
// fields are populated only for the passkey signer.
type ConnectResult struct {
	SignerType         SignerType `json:"signerType"`
	CredentialIDs      []string   `json:"credentialIds,omitempty"`
	ActiveCredentialID string     `json:"activeCredentialId,omitempty"`
}

type passkeySignPayload struct {
	Hash   string           `json:"hash"`
	KeyID  string           `json:"keyId"`
	TxInfo *TransactionInfo `json:"txInfo,omitempty"`
}

type derivationSignPayload struct {
	Hash     string           `json:"hash"`
	Address  string           `json:"address,omitempty"`
	Group    KeyGroup         `json:"group,omitempty"`
	KeyIndex *int64           `json:"keyIndex,omitempty"`
	TxInfo   *TransactionInfo `json:"txInfo,omitempty"`
}

// SignResult is the peer's answer to either signing request.
type SignResult struct {
	Signature string `json:"signature"`
}

type derivePayload struct {
	KeyIndex           int64              `json:"keyIndex"`
	Curve              Curve              `json:"curve"`
	Group              KeyGroup           `json:"group"`
	BitcoinAddressType BitcoinAddressType `json:"bitcoinAddressType,omitempty"`
	BitcoinNetwork     BitcoinNetwork     `json:"bitcoinNetwork,omitempty"`
}

// DeriveAddressResult is the peer's answer to a derive request.
type DeriveAddressResult struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey,omitempty"`
}

// resultEnvelope wraps every peer response: the correlation id plus the
// typed result.
type resultEnvelope struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

// errorPayload is the ERROR message body: a request-level failure reported
// by the peer through the same rejection path as transport errors.
type errorPayload struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// onboardingPayload accompanies NEEDS_ONBOARDING: the connect request that
// triggered it stays pending until the peer follows up.
type onboardingPayload struct {
	RequestID string `json:"requestId"`
}

// ---------------------------------------------------------------------------
// Caller-facing options
// ---------------------------------------------------------------------------

// ConnectOptions selects the signer mode for a connect.
type ConnectOptions struct {
	SignerType SignerType
}

// PasskeySignOptions parametrizes SignWithPasskey.
type PasskeySignOptions struct {
	// KeyID is the credential id, a 0x-prefixed hex string.
	KeyID  string
	TxInfo *TransactionInfo
}

// DerivationSignOptions parametrizes SignWithDerivation. Exactly one of
// Address or the Group+KeyIndex pair must be supplied; KeyIndex without
// Group is rejected the same as an empty selector.
type DerivationSignOptions struct {
	Address  string
	Group    KeyGroup
	KeyIndex *int64
	// ShowConfirmation mounts the confirmation UI for this signature.
	ShowConfirmation bool
	TxInfo           *TransactionInfo
}

// DeriveOptions parametrizes DeriveAddress. Curve defaults to secp256k1 and
// Group to evm when unset.
type DeriveOptions struct {
	KeyIndex           int64
	Curve              Curve
	Group              KeyGroup
	BitcoinAddressType BitcoinAddressType
	BitcoinNetwork     BitcoinNetwork
}

// ---------------------------------------------------------------------------
// Input validation
// ---------------------------------------------------------------------------

var (
	hashPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	keyIDPattern = regexp.MustCompile(`^0x(?:[0-9a-fA-F]{2}){16,64}$`)
)

// validateHash requires a 0x-prefixed 32-byte hex digest.
func validateHash(hash string) error {
	if !hashPattern.MatchString(hash) {
		return newError(CodeValidationFailed, "hash must be a 0x-prefixed 32-byte hex string")
	}
	return nil
}

// validateKeyID requires a 0x-prefixed hex credential id of 16 to 64 bytes.
func validateKeyID(keyID string) error {
	if !keyIDPattern.MatchString(keyID) {
		return newError(CodeValidationFailed, "keyId must be a 0x-prefixed hex string of 16 to 64 bytes")
	}
	return nil
}

// validateEVMAddress checks the structural form and, when the address is
// mixed-case, the EIP-55 checksum.
func validateEVMAddress(address string) error {
	if !ethcommon.IsHexAddress(address) {
		return newError(CodeValidationFailed, "address %q is not a valid EVM address", address)
	}
	body := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		// All-lowercase or all-uppercase addresses carry no checksum.
		return nil
	}
	if ethcommon.HexToAddress(address).Hex() != address {
		return newError(CodeValidationFailed, "address %q fails checksum validation", address)
	}
	return nil
}

// validateKeyIndex bounds the derivation index to the non-hardened range.
func validateKeyIndex(keyIndex int64) error {
	if keyIndex < 0 || keyIndex > maxKeyIndex {
		return newError(CodeValidationFailed, "keyIndex %d out of range [0, %d]", keyIndex, maxKeyIndex)
	}
	return nil
}
