package protocol

import "strings"

// Machine-readable prefixes relays put in OK/CLOSED messages (NIP-01).
const (
	PrefixDuplicate    = "duplicate"
	PrefixPoW          = "pow"
	PrefixBlocked      = "blocked"
	PrefixRateLimited  = "rate-limited"
	PrefixInvalid      = "invalid"
	PrefixRestricted   = "restricted"
	PrefixError        = "error"
	PrefixAuthRequired = "auth-required"
)

var knownPrefixes = map[string]struct{}{
	PrefixDuplicate:    {},
	PrefixPoW:          {},
	PrefixBlocked:      {},
	PrefixRateLimited:  {},
	PrefixInvalid:      {},
	PrefixRestricted:   {},
	PrefixError:        {},
	PrefixAuthRequired: {},
}

// Prefix extracts the machine-readable prefix of a relay message ("" if none).
func Prefix(msg string) string {
	i := strings.Index(msg, ":")
	if i <= 0 {
		return ""
	}
	return strings.TrimSpace(msg[:i])
}

func IsKnownPrefix(p string) bool {
	if p == "" {
		return true
	}
	_, ok := knownPrefixes[p]
	return ok
}

// Retryable reports whether a rejected publish is worth sending again later.
func Retryable(msg string) bool {
	switch Prefix(msg) {
	case PrefixRateLimited, PrefixError:
		return true
	default:
		return false
	}
}
