// Package version implements the total order on version strings used to
// pick the "latest" image tag, ported from VersionComparator.java.
package version

import "strconv"

const noSuffix = ""

// Comparator is a total order on version strings with configurable
// "latest" aliases and a suffix table for end-token tie-breaking.
type Comparator struct {
	suffixDelimiter byte
	latestOrder     map[string]int
	suffixOrder     map[string]int
}

// Builder configures a Comparator before Build.
type Builder struct {
	suffixDelimiter byte
	emptySuffixLast bool
	latest          []string
	suffix          []string
}

// NewBuilder returns a Builder with the teacher defaults: '_' delimiter,
// empty/absent suffix sorts last.
func NewBuilder() *Builder {
	return &Builder{suffixDelimiter: '_', emptySuffixLast: true}
}

func (b *Builder) SuffixDelimiter(d byte) *Builder {
	b.suffixDelimiter = d
	return b
}

func (b *Builder) EmptySuffixLast(v bool) *Builder {
	b.emptySuffixLast = v
	return b
}

// AddLatest registers an alias (e.g. "latest", "nightly") as greater than
// any ordinary version; later additions are considered greater.
func (b *Builder) AddLatest(item string) *Builder {
	b.latest = append(b.latest, item)
	return b
}

// AddSuffix registers an end-token suffix (e.g. "rc", "GA") in ascending
// order.
func (b *Builder) AddSuffix(item string) *Builder {
	b.suffix = append(b.suffix, item)
	return b
}

// Build constructs the immutable Comparator.
func (b *Builder) Build() *Comparator {
	c := &Comparator{
		suffixDelimiter: b.suffixDelimiter,
		latestOrder:     orderOf(b.latest),
		suffixOrder:     orderOf(b.suffix),
	}
	if b.emptySuffixLast {
		c.suffixOrder[noSuffix] = maxInt
	} else {
		c.suffixOrder[noSuffix] = minInt
	}
	return c
}

const (
	maxInt = int(^uint(0) >> 1)
	minInt = -maxInt - 1
)

func orderOf(items []string) map[string]int {
	m := make(map[string]int, len(items))
	for i, s := range items {
		m[s] = i
	}
	return m
}

// Default is the comparator with no aliases or suffixes configured,
// equivalent to VersionComparator.INSTANCE.
var Default = NewBuilder().Build()

// Compare returns -1, 0 or 1 comparing left to right. nil is strictly less
// than non-nil; nil vs nil is equal.
func (c *Comparator) Compare(left, right *string) int {
	if left == nil || right == nil {
		if left == nil {
			if right == nil {
				return 0
			}
			return -1
		}
		return 1
	}
	return c.compareStr(*left, *right)
}

// CompareStrings is the non-nullable convenience form used by sort.Slice.
func (c *Comparator) CompareStrings(left, right string) int {
	return c.compareStr(left, right)
}

func (c *Comparator) compareStr(left, right string) int {
	if left == right {
		return 0
	}
	lo, lok := c.latestOrder[left]
	ro, rok := c.latestOrder[right]
	if lok || rok {
		return compareOrders(lo, lok, ro, rok)
	}

	lpp, rpp := 0, 0
	for {
		lli := indexOfFrom(left, '.', lpp)
		rli := indexOfFrom(right, '.', rpp)
		if lli < 0 || rli < 0 {
			return c.compareEnds(left[lpp:], right[rpp:])
		}
		if res := compareTokens(left[lpp:lli], right[rpp:rli]); res != 0 {
			return res
		}
		lpp = lli + 1
		rpp = rli + 1
	}
}

func indexOfFrom(s string, b byte, from int) int {
	for i := from; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func compareOrders(lo int, lok bool, ro int, rok bool) int {
	if !lok {
		return -1
	}
	if !rok {
		return 1
	}
	switch {
	case lo < ro:
		return -1
	case lo > ro:
		return 1
	default:
		return 0
	}
}

// compareEnds splits each remaining tail at the suffix delimiter and
// compares the prefix as a normal token, breaking ties via the suffix
// table (unknown suffixes fall back to lexicographic order).
func (c *Comparator) compareEnds(ltoken, rtoken string) int {
	lsp := indexOfFrom(ltoken, c.suffixDelimiter, 0)
	rsp := indexOfFrom(rtoken, c.suffixDelimiter, 0)

	lp := ltoken
	if lsp >= 0 {
		lp = ltoken[:lsp]
	}
	rp := rtoken
	if rsp >= 0 {
		rp = rtoken[:rsp]
	}

	res := compareTokens(lp, rp)
	if res == 0 && (lsp >= 0 || rsp >= 0) {
		ls, rs := noSuffix, noSuffix
		if lsp >= 0 {
			ls = ltoken[lsp+1:]
		}
		if rsp >= 0 {
			rs = rtoken[rsp+1:]
		}
		lo, lok := c.suffixOrder[ls]
		ro, rok := c.suffixOrder[rs]
		if !lok && !rok {
			return compareLexical(ls, rs)
		}
		return compareOrders(lo, lok, ro, rok)
	}
	return res
}

// compareTokens compares two '.'-split tokens: numerically if both parse as
// integers, lexicographically (sign-truncated) otherwise.
func compareTokens(ltoken, rtoken string) int {
	li, lerr := strconv.Atoi(ltoken)
	ri, rerr := strconv.Atoi(rtoken)
	if lerr == nil && rerr == nil {
		switch {
		case li < ri:
			return -1
		case li > ri:
			return 1
		default:
			return 0
		}
	}
	return compareLexical(ltoken, rtoken)
}

func compareLexical(left, right string) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

// Max returns the greatest string in vs under c, or nil if vs is empty.
func (c *Comparator) Max(vs []string) *string {
	if len(vs) == 0 {
		return nil
	}
	best := vs[0]
	for _, v := range vs[1:] {
		if c.CompareStrings(v, best) > 0 {
			best = v
		}
	}
	return &best
}
