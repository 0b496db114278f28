// Package codec provides pluggable (de)serialization for cached values.
// The cache engine wraps codec output in its own wire envelope, so codecs
// only concern themselves with the caller's value type.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
