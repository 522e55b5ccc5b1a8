package fingerprint

import (
	"crypto/sha1" //nolint:gosec // content addressing, not authentication
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Compute returns a stable hex-encoded SHA-1 over the canonical JSON
// serialization of payload. encoding/json sorts map keys lexicographically at
// every nesting level, which pins the serialized form regardless of insertion
// order.
func Compute(payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint: unable to serialize payload: %w", err)
	}

	sum := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}
