package btpage

// CommonPrefix returns the length of the longest prefix shared by every
// key in the half-open key range [one, two), together with the byte of
// one that follows the prefix (or the final prefix byte when one is
// exhausted). one must sort before two.
//
// The shared prefix is usually the byte-wise common prefix of the two
// bounds, but it extends one byte further when two ends immediately
// after the first differing byte and that byte is exactly one above
// one's: no key below two can then differ from one in that position.
func CommonPrefix(one, two []byte) (int, byte) {
	min := len(one)
	if len(two) < min {
		min = len(two)
	}

	i := 0
	for i < min && one[i] == two[i] {
		i++
	}

	n := i
	if i < min && i == len(two)-1 && one[i] == two[i]-1 {
		n = i + 1
	}

	var boundary byte
	switch {
	case n < len(one):
		boundary = one[n]
	case n > 0:
		boundary = one[n-1]
	}
	return n, boundary
}

// SplitTerm derives a short separator s with one < s <= two, letting a
// parent store less than the full first key of a split-off page. The
// byte after the common prefix is chosen midway between the two bounds,
// rounding up. It returns nil when the bounds are equal and no separator
// exists.
func SplitTerm(one, two []byte) []byte {
	min := len(one)
	if len(two) < min {
		min = len(two)
	}

	for i := 0; i < min; i++ {
		if one[i] != two[i] {
			s := make([]byte, i+1)
			copy(s, two[:i])
			s[i] = byte((int(one[i]) + int(two[i]) + 1) / 2)
			return s
		}
	}

	switch {
	case min < len(two):
		s := make([]byte, min+1)
		copy(s, two[:min])
		s[min] = (two[min] + 1) / 2
		return s
	case min < len(one):
		s := make([]byte, min+1)
		copy(s, one[:min])
		s[min] = (one[min] + 1) / 2
		return s
	default:
		return nil
	}
}
