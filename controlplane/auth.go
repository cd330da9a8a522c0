package controlplane

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	keyPrefix = "mk_"
	keyBytes  = 32
)

// GenerateAPIKey creates a new bearer key of the form mk_<32 random bytes,
// base64url, unpadded>. Ported from auth.rs's generate_api_key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("controlplane: generate api key: %w", err)
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashKey returns the hex-encoded SHA-256 digest of an API key, the form the
// key is looked up by in storage (keys are never stored in the clear).
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateID returns a short random lowercase-alphanumeric id of length n,
// used for user, app, and node ids and for derived hostnames.
func GenerateID(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(idAlphabet))))
		if err != nil {
			return "", fmt.Errorf("controlplane: generate id: %w", err)
		}
		out[i] = idAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// TierLimits bounds what a subscription tier may do.
type TierLimits struct {
	MaxApps          int64
	MaxSSEClients    int64
	MaxRequestsMonth int64
}

// TierLimitsFor returns the limits for a tier name, falling back to the
// "free" tier's limits for any unrecognized tier. Mirrors auth.rs's
// tier_limits table exactly.
func TierLimitsFor(tier string) TierLimits {
	switch tier {
	case "pro":
		return TierLimits{MaxApps: 20, MaxSSEClients: 50, MaxRequestsMonth: 100_000}
	case "scale":
		return TierLimits{MaxApps: 1_000, MaxSSEClients: 500, MaxRequestsMonth: 1_000_000}
	default:
		return TierLimits{MaxApps: 100, MaxSSEClients: 50, MaxRequestsMonth: 100_000}
	}
}

// HasKeyPrefix reports whether a bearer token looks like one of this
// service's API keys (as opposed to some other scheme the caller sent by
// mistake).
func HasKeyPrefix(token string) bool {
	return len(token) > len(keyPrefix) && token[:len(keyPrefix)] == keyPrefix
}
