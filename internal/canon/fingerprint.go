package canon

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint computes the 256-bit deterministic hash used as both the
// response-cache key and the ABTest routing bucket key. Numeric parameters
// are canonicalised to 6 significant digits so that 1.0 and 1 hash
// identically; message order is preserved (it is semantically significant)
// rather than sorted.
func Fingerprint(r *Request) [32]byte {
	return sha256.Sum256([]byte(CanonicalForm(r)))
}

// CanonicalForm renders r into the delimited canonical string that both
// Fingerprint and the cache's collision discriminator are built from.
func CanonicalForm(r *Request) string {
	var sb strings.Builder
	sb.WriteString(string(r.Kind))
	sb.WriteByte('\x00')
	sb.WriteString(r.Model)
	sb.WriteByte('\x00')

	for _, m := range r.Messages {
		sb.WriteString(string(m.Role))
		sb.WriteByte('\x01')
		sb.WriteString(m.Content)
		sb.WriteByte('\x1e') // record separator between messages
	}
	sb.WriteByte('\x00')

	sb.WriteString(r.Prompt)
	sb.WriteByte('\x00')

	sb.WriteString(canonFloat(r.Temperature))
	sb.WriteByte('\x00')
	sb.WriteString(canonFloat(r.TopP))
	sb.WriteByte('\x00')
	sb.WriteString(strconv.Itoa(r.MaxTokens))
	sb.WriteByte('\x00')

	stops := append([]string(nil), r.Stop...)
	sort.Strings(stops)
	sb.WriteString(strings.Join(stops, "\x1f"))
	sb.WriteByte('\x00')

	inputs := append([]string(nil), r.Input...)
	sb.WriteString(strings.Join(inputs, "\x1f"))
	sb.WriteByte('\x00')

	if r.Hints.PreferredProvider != "" {
		sb.WriteString(r.Hints.PreferredProvider)
	}

	return sb.String()
}

// canonFloat prints a pointer-to-float64 parameter at 6 significant digits
// so that equal values produce identical text regardless of how they were
// originally written (e.g. 1.0 and 1).
func canonFloat(f *float64) string {
	if f == nil {
		return "nil"
	}
	return fmt.Sprintf("%.6g", *f)
}

// FingerprintBucket maps a request's fingerprint onto [0, 100) for ABTest
// routing splits.
func FingerprintBucket(r *Request) int {
	fp := Fingerprint(r)
	// Use the low 4 bytes as a uint32 for a stable, well-distributed bucket.
	v := uint32(fp[28])<<24 | uint32(fp[29])<<16 | uint32(fp[30])<<8 | uint32(fp[31])
	return int(v % 100)
}
