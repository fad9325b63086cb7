package crdt

import (
	"math"
	"math/rand"
	"strconv"
)

const (
	maxDigit = math.MaxInt32
	// boundary caps how far past the lower neighbour a fresh digit is placed,
	// leaving room for later inserts at the same spot.
	boundary = 10
)

// Identifier is one digit of a Logoot position.
type Identifier struct {
	Int   int    `json:"int"`
	Site  string `json:"site"`
	Clock int    `json:"clock"`
}

// Position orders atoms in the document. Positions are compared digit by
// digit; a proper prefix sorts first.
type Position []Identifier

var (
	minIdentifier = Identifier{Int: 0}
	maxIdentifier = Identifier{Int: maxDigit}
)

func compareIdentifier(a, b Identifier) int {
	switch {
	case a.Int < b.Int:
		return -1
	case a.Int > b.Int:
		return 1
	case a.Site < b.Site:
		return -1
	case a.Site > b.Site:
		return 1
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	default:
		return 0
	}
}

func Compare(a, b Position) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareIdentifier(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func (p Position) key() string {
	buf := make([]byte, 0, len(p)*16)
	for _, id := range p {
		buf = strconv.AppendInt(buf, int64(id.Int), 10)
		buf = append(buf, ':')
		buf = append(buf, id.Site...)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(id.Clock), 10)
		buf = append(buf, '|')
	}
	return string(buf)
}

// between generates a position strictly between lo and hi. Either bound may
// be nil, meaning the beginning or end of the document.
func between(lo, hi Position, site string, clock int, rng *rand.Rand) Position {
	out := make(Position, 0, len(lo)+1)
	hiBound := true
	for depth := 0; ; depth++ {
		l := minIdentifier
		if depth < len(lo) {
			l = lo[depth]
		}
		h := maxIdentifier
		if hiBound && depth < len(hi) {
			h = hi[depth]
		}
		if gap := h.Int - l.Int - 1; gap > 0 {
			step := gap
			if step > boundary {
				step = boundary
			}
			digit := l.Int + 1 + rng.Intn(step)
			return append(out, Identifier{Int: digit, Site: site, Clock: clock})
		}
		out = append(out, l)
		if hiBound && compareIdentifier(l, h) < 0 {
			hiBound = false
		}
	}
}
