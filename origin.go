package connect

import (
	"log/slog"
	"net/url"
)

// Origin policy values accepted in place of a concrete origin.
const (
	// OriginWildcard accepts any origin. It is honored only in
	// non-production builds; a production build rejects it outright.
	OriginWildcard = "*"

	// OriginLocalhost accepts loopback origins on any port, for local
	// development against a locally served wallet frontend.
	OriginLocalhost = "localhost"
)

// ValidOrigin reports whether actualOrigin satisfies the allowedOrigin
// policy under the current build environment.
func ValidOrigin(actualOrigin, allowedOrigin string) bool {
	return validOrigin(actualOrigin, allowedOrigin, IsProduction(), slog.Default())
}

func validOrigin(actualOrigin, allowedOrigin string, production bool, logger *slog.Logger) bool {
	if actualOrigin == allowedOrigin {
		return true
	}

	switch allowedOrigin {
	case OriginWildcard:
		if production {
			// An open-origin policy must never ship. Log it as a
			// security event and refuse.
			logger.Warn("rejected wildcard origin policy in production build",
				"origin", actualOrigin)
			return false
		}
		return true

	case OriginLocalhost:
		return isLoopbackOrigin(actualOrigin)
	}

	return false
}

// isLoopbackOrigin accepts http(s) origins whose host is localhost or
// 127.0.0.1, at any port.
func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// originOf reduces a URL to its origin (scheme://host[:port]). The wallet
// frontend URL's origin becomes the single trusted origin for the channel.
func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", newError(CodeValidationFailed, "URL %q has no origin", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
