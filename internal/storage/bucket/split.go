package bucket

import "bytes"

// splitItem classifies the next element of the merged walk over the
// bucket entries and the pending entry.
type splitItem int

const (
	itemPending splitItem = iota // the pending entry alone
	itemEntry                    // the next bucket entry alone
	itemPair                     // pending and an equal bucket entry together
)

// FindSplitEntry picks where to split a full bucket that could not take
// one more entry of size bytes under key. It walks the bucket entries
// merged with the pending entry in sort order, accumulating key and value
// bytes, and splits at the element that straddles the midpoint of the
// total, placing the straddler on whichever side balances better.
//
// rng widens the midpoint into a window. Inside the window every split
// position is a candidate and the one whose separator key is shortest
// wins, with ties broken toward the position nearest the midpoint. A
// shorter separator means a smaller entry pushed into the parent. rng 0
// degenerates to the plain balanced split.
//
// It returns the number of bucket entries that stay in the left bucket
// and whether the pending entry belongs on the left.
func (c Codec) FindSplitEntry(buf []byte, rng int, key []byte, size int) (int, bool) {
	n := c.Entries(buf)
	pending := len(key) + size
	half := (c.Utilised(buf) + c.KeyBytes(buf) + pending) / 2

	sum := 0
	terms := 0    // bucket entries consumed so far
	consumed := false // pending entry consumed

	// next returns the item the merged order yields now and its weight.
	next := func() (splitItem, int) {
		if terms >= n {
			return itemPending, pending
		}
		k := c.KeyAt(buf, terms)
		w := len(k) + c.sizeAt(buf, terms)
		if consumed {
			return itemEntry, w
		}
		switch cmp := bytes.Compare(key, k); {
		case cmp < 0:
			return itemPending, pending
		case cmp > 0:
			return itemEntry, w
		default:
			return itemPair, w + pending
		}
	}

	consume := func(it splitItem) {
		switch it {
		case itemPending:
			consumed = true
		case itemEntry:
			terms++
		case itemPair:
			consumed = true
			terms++
		}
	}

	// walk up to the first element that reaches the window
	for {
		it, w := next()
		if sum+w >= half-rng {
			if sum+w >= half+rng {
				// straddles the whole window: this is the split
				// point, pick the better side for the straddler
				straddleLeft := sum+w-half < half-sum
				switch it {
				case itemPending:
					return terms, straddleLeft
				case itemEntry:
					at := terms
					if straddleLeft {
						at++
					}
					return at, consumed
				default: // itemPair
					at := terms
					if straddleLeft {
						at++
					}
					return at, straddleLeft
				}
			}
			break
		}
		sum += w
		consume(it)
		if consumed && terms >= n {
			// everything fit below the window; split off nothing
			return n, true
		}
	}

	// every position inside the window is a candidate; prefer the
	// shortest separator key, then the position nearest the midpoint
	bestAt, bestLeft := -1, false
	bestLen, bestDisp := int(^uint(0)>>1), int(^uint(0)>>1)
	for sum < half+rng && (terms < n || !consumed) {
		it, w := next()
		sep := key
		if it != itemPending {
			sep = c.KeyAt(buf, terms)
		}
		disp := half - sum
		if disp < 0 {
			disp = -disp
		}
		if len(sep) < bestLen || (len(sep) == bestLen && disp < bestDisp) {
			bestLen, bestDisp = len(sep), disp
			bestAt = terms
			bestLeft = consumed && it != itemPending && it != itemPair
		}
		sum += w
		consume(it)
	}
	if bestAt < 0 {
		return terms, consumed
	}
	return bestAt, bestLeft
}
