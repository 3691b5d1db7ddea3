package protocol

import "math"

// Unset is the sentinel for a missing OrderKey field. Missing fields sort
// after every set value so unordered items trail their ordered siblings.
const Unset = math.MaxUint64

// OrderKey is the total order on events within a session:
// (request ordinal, output index, sequence number).
type OrderKey struct {
	Request  uint64
	Output   uint64
	Sequence uint64
}

// NewOrderKey builds a fully specified key.
func NewOrderKey(request, output, sequence uint64) OrderKey {
	return OrderKey{Request: request, Output: output, Sequence: sequence}
}

// PartialOrderKey builds a key from optional wire fields; nil means unset.
func PartialOrderKey(request uint64, output *uint32, sequence *uint64) OrderKey {
	k := OrderKey{Request: request, Output: Unset, Sequence: Unset}
	if output != nil {
		k.Output = uint64(*output)
	}
	if sequence != nil {
		k.Sequence = *sequence
	}
	return k
}

// IsZero reports whether the key carries no ordering information at all.
func (k OrderKey) IsZero() bool {
	return k.Request == Unset && k.Output == Unset && k.Sequence == Unset
}

// Compare returns -1, 0, or 1 ordering k against other lexicographically by
// (Request, Output, Sequence).
func (k OrderKey) Compare(other OrderKey) int {
	if c := cmpU64(k.Request, other.Request); c != 0 {
		return c
	}
	if c := cmpU64(k.Output, other.Output); c != 0 {
		return c
	}
	return cmpU64(k.Sequence, other.Sequence)
}

// SameStream reports whether two keys belong to the same (request, output)
// event stream; keyless placement attaches to the nearest such neighbor.
func (k OrderKey) SameStream(other OrderKey) bool {
	return k.Request == other.Request && k.Output == other.Output
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
