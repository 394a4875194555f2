package fairness

// Shuffle returns a permuted copy of seq. It is a Fisher-Yates pass where the
// swap index for position i is digest[i mod 32] mod (i+1), so the result is
// fully determined by the seed pair.
func Shuffle[T any](seq []T, pair SeedPair) []T {
	out := append([]T(nil), seq...)
	digest := pair.Digest()
	for i := len(out) - 1; i > 0; i-- {
		j := int(digest[i%len(digest)]) % (i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Verify re-derives the permutation of original and compares it to claimed.
func Verify[T comparable](original, claimed []T, pair SeedPair) bool {
	if len(original) != len(claimed) {
		return false
	}
	derived := Shuffle(original, pair)
	for i := range derived {
		if derived[i] != claimed[i] {
			return false
		}
	}
	return true
}
