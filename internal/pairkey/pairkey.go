// Package pairkey canonicalizes token identifiers into the string keys the
// cache uses to index pairs and directed routes.
package pairkey

import "strings"

// TokenId identifies a token. Equality is case-sensitive byte comparison;
// callers are responsible for normalizing case before it reaches the cache.
type TokenId string

// PairKey identifies an unordered token pair.
type PairKey string

// DirectedKey identifies a source->target route within a pair.
type DirectedKey string

// SEP separates the two halves of a composite key. It cannot appear inside
// a token id (token ids are hex addresses), so it is safe as a delimiter.
const SEP = "|"

// Pair returns the canonical, order-independent key for a and b. The two
// tokens are sorted lexicographically so Pair(a, b) == Pair(b, a).
func Pair(a, b TokenId) PairKey {
	if a <= b {
		return PairKey(string(a) + SEP + string(b))
	}
	return PairKey(string(b) + SEP + string(a))
}

// Directed returns the key for a route from source to target. Unlike Pair,
// order matters: Directed(a, b) != Directed(b, a).
func Directed(source, target TokenId) DirectedKey {
	return DirectedKey(string(source) + SEP + string(target))
}

// Split decomposes a PairKey back into its two tokens in canonical
// (sorted) order. It panics if k was not produced by Pair, matching the
// teacher's convention of treating malformed internal keys as a bug rather
// than a recoverable error.
func Split(k PairKey) (TokenId, TokenId) {
	parts := strings.SplitN(string(k), SEP, 2)
	if len(parts) != 2 {
		panic("pairkey: malformed pair key " + string(k))
	}
	return TokenId(parts[0]), TokenId(parts[1])
}
