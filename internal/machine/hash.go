package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash computes a stable SHA-256 digest of a definition's canonical
// serializable form. The raw bytes are round-tripped through untyped
// maps so that key order and whitespace never influence the digest:
// hashing the same definition twice yields the same hex string, and any
// structural change yields a different one.
func Hash(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("machine.Hash: decode: %w", err)
	}

	// encoding/json writes map keys in sorted order, which makes the
	// re-encoded form canonical.
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("machine.Hash: canonicalize: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
