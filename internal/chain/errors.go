package chain

import "strings"

// nonce-family error fragments. Any match invalidates the cached nonce and
// triggers a single resync-and-retry.
var nonceErrorFragments = []string{
	"nonce too high",
	"nonce too low",
	"invalid nonce",
	"replacement transaction underpriced",
	"nonce",
}

// IsNonceError reports whether an error belongs to the stale-nonce family.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	raw := strings.ToLower(err.Error())
	for _, frag := range nonceErrorFragments {
		if strings.Contains(raw, frag) {
			return true
		}
	}
	return false
}

// IsInsufficientFunds reports whether the node rejected for lack of balance.
func IsInsufficientFunds(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

// IsTimeout reports whether the error looks like an RPC deadline or
// connectivity failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	raw := strings.ToLower(err.Error())
	return strings.Contains(raw, "timeout") ||
		strings.Contains(raw, "deadline exceeded") ||
		strings.Contains(raw, "connection refused")
}
