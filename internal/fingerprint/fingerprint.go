// Package fingerprint computes the content and feature digests used as cache keys.
//
// Content digests deduplicate embeddings: two documents with byte-identical text
// produce the same digest and share one stored embedding. Feature digests key
// cached analysis results: the feature map is serialized with sorted keys so the
// same logical features always hash identically regardless of map iteration order.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// keySeparator joins the components of a composite analysis cache id.
// It cannot appear in entity keys or analysis kinds, so distinct component
// tuples can never collide by concatenation.
const keySeparator = "\x1f"

// Content returns the SHA-256 digest of the exact text as a 64-char hex string.
// Deterministic across processes and restarts.
func Content(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Features returns the SHA-256 digest of the feature map serialized with sorted
// keys. encoding/json marshals map keys in sorted order, which is the property
// this function depends on.
func Features(features map[string]any) (string, error) {
	data, err := json.Marshal(features)
	if err != nil {
		return "", fmt.Errorf("serializing features: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// AnalysisKey derives the deterministic cache id for an analysis result from
// its four keying inputs. Re-deriving with the same inputs always yields the
// same id; changing any input (including the prompt version) yields a
// structurally different id.
func AnalysisKey(entityKey, analysisKind, featureFingerprint, promptVersion string) string {
	sum := sha256.Sum256([]byte(
		entityKey + keySeparator +
			analysisKind + keySeparator +
			featureFingerprint + keySeparator +
			promptVersion,
	))
	return hex.EncodeToString(sum[:])
}
