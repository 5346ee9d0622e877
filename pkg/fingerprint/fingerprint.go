// Package fingerprint computes the deterministic request fingerprint used
// as the coalescing and artifact key (spec §3): a SHA-256 hash over the
// canonical tuple (model_id, prompt, temperature?, top_p?, top_k?,
// max_tokens?, seed?), keys sorted, undefined fields omitted.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Request is the canonical input tuple. Pointer fields are "undefined" when
// nil and are omitted from the hash entirely, so identical requests produce
// identical fingerprints across restarts. A non-nil field is always hashed,
// even when it holds the runtime's default value, so setting a field and
// leaving it unset give different fingerprints.
type Request struct {
	ModelID     string
	Prompt      string
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   *int
	Seed        *int64
}

// Of computes the fingerprint for r. Field order in the canonical encoding
// is fixed and alphabetic by field name, independent of struct field order,
// so that the fingerprint is stable under any future reordering of Request.
func Of(r Request) string {
	fields := map[string]string{
		"model_id": r.ModelID,
		"prompt":   r.Prompt,
	}
	if r.Temperature != nil {
		fields["temperature"] = formatFloat(*r.Temperature)
	}
	if r.TopP != nil {
		fields["top_p"] = formatFloat(*r.TopP)
	}
	if r.TopK != nil {
		fields["top_k"] = strconv.Itoa(*r.TopK)
	}
	if r.MaxTokens != nil {
		fields["max_tokens"] = strconv.Itoa(*r.MaxTokens)
	}
	if r.Seed != nil {
		fields["seed"] = strconv.FormatInt(*r.Seed, 10)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// formatFloat normalizes floats to a fixed precision so that, e.g., 0.7 and
// 0.70000000001 arising from different client serializers never diverge in
// the canonical key=value encoding.
func formatFloat(f float64) string {
	return fmt.Sprintf("%.6f", f)
}
