// Package connect is the client SDK for embedding the OhMyWallet frontend in
// an application and requesting wallet operations (connect, derive address,
// sign) from it. Key material never reaches this package: the wallet frontend
// is an isolated peer, and this SDK is the messaging side: correlation of
// asynchronous request/response pairs, origin and source authentication of
// inbound traffic, the connection readiness state machine, and a best-effort
// local mirror of previously derived addresses.
//
// The typical entry point is WalletHost for direct control, or WalletManager
// for the higher-level flow that also maintains the persisted address cache.
package connect

// version is set at build time via -ldflags "-X github.com/ohmywallet/connect.version=x.y.z"
var version = "dev"

// buildEnv is set at build time via -ldflags "-X github.com/ohmywallet/connect.buildEnv=production".
// Production builds reject the wildcard origin policy outright.
var buildEnv = "development"

// Version returns the SDK version baked in at build time.
func Version() string {
	return version
}

// IsProduction reports whether this is a production-flagged build.
func IsProduction() bool {
	return buildEnv == "production"
}
