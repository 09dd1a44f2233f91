package recalc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint derives the stable identity of a metric spec: canonicalize the
// JSON (object keys sorted, insignificant whitespace dropped) and hash it.
// Two specs that differ only in formatting or key order fingerprint the same;
// any semantic edit produces a new fingerprint and therefore new partitions
// and new result rows.
func Fingerprint(spec []byte) (string, error) {
	var v any
	if err := json.Unmarshal(spec, &v); err != nil {
		return "", fmt.Errorf("fingerprint: invalid metric spec: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize metric spec: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:32], nil
}
