package types

import "bytes"

// Key is the core tree's notion of a key: an opaque byte sequence
// compared lexicographically as unsigned bytes. Key never does type
// assertions and never panics on a mismatched operand.
type Key []byte

// Compare returns the sign of k - other, comparing byte-for-byte.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// Clone returns a copy of k that does not alias the caller's slice.
// Cursors must clone keys they hand back to callers, since the
// underlying page bytes can be reused once a latch is released.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	c := make(Key, len(k))
	copy(c, k)
	return c
}

// Value is the core tree's notion of a stored value. A nil Value
// denotes a deletion (or, on a leaf entry still locked by an
// uncommitted deleter, a ghost). NotLoaded is a distinct sentinel
// from nil: it means "the caller asked not to fetch the value", not
// "the entry has no value".
type Value []byte

// notLoadedSentinel is the concrete backing array for NotLoaded.
var notLoadedSentinel = []byte("\x00NOT_LOADED\x00")

// NotLoaded marks "value deliberately not fetched", distinct from a
// missing entry (nil) or a zero-length value ([]byte{}).
var NotLoaded Value = notLoadedSentinel

// IsNotLoaded reports whether v is the NotLoaded sentinel by identity,
// not by content, so a real value that happens to match the sentinel
// bytes is never confused with it.
func (v Value) IsNotLoaded() bool {
	return len(v) > 0 && &v[0] == &notLoadedSentinel[0]
}

// Clone returns a copy of v that does not alias the caller's slice.
func (v Value) Clone() Value {
	if v == nil || v.IsNotLoaded() {
		return v
	}
	c := make(Value, len(v))
	copy(c, v)
	return c
}
