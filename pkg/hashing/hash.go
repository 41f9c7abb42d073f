// Package hashing implements the salted bucketing hash that underlies
// every layer assignment decision.
package hashing

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// BucketSize is the process-wide bucket space. It must stay constant
// for the lifetime of a running process: changing it invalidates the
// distribution every existing salt was tuned against.
const BucketSize uint32 = 10000

// Hasher computes deterministic bucket assignments from a key and a
// per-layer salt.
type Hasher struct{}

// NewHasher creates a bucketing hasher.
func NewHasher() *Hasher {
	return &Hasher{}
}

// HashToBucket concatenates key and salt (key bytes followed by salt
// bytes, no separator) and reduces a 64-bit hash mod BucketSize. The
// exact algorithm and concatenation order are part of the wire
// contract: changing either reassigns every existing bucket.
func (h *Hasher) HashToBucket(key, salt string) uint32 {
	return HashToBucket(key, salt)
}

// HashToBucket is the package-level form of Hasher.HashToBucket, kept
// free-standing because it has no state and is called from hot paths
// that would otherwise need to thread a *Hasher through for no reason.
func HashToBucket(key, salt string) uint32 {
	d := xxhash.New()
	_, _ = d.WriteString(key)
	_, _ = d.WriteString(salt)
	return uint32(d.Sum64() % uint64(BucketSize))
}

// StringifyHashKeyValue converts a context-provided hash key value to
// its canonical string form. Only strings and numbers are accepted;
// anything else returns ok=false and the caller must skip the layer.
//
// Integral numbers stringify via canonical decimal form (no trailing
// ".0", no exponent); non-integral numbers use Go's shortest
// round-trip form. This choice is load-bearing: it must never change
// without changing every bucket assignment that depends on a numeric
// hash key.
func StringifyHashKeyValue(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int:
		return strconv.FormatInt(int64(t), 10), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case float32:
		f := float64(t)
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10), true
		}
		return strconv.FormatFloat(f, 'g', -1, 32), true
	default:
		return "", false
	}
}
