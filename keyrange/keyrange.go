// Package keyrange implements a KeyRange bound type: an
// inclusive/exclusive interval over lexicographically ordered string keys.
// It lives in its own package so that both the root objectdb package and
// the index/backend packages can share one definition without an import
// cycle.
package keyrange

// Range is an inclusive/exclusive bound over lexicographically ordered
// string keys. A nil lo/hi means unbounded on that side.
type Range struct {
	lo, hi                   *string
	loExclusive, hiExclusive bool
}

// LowerBound returns a range with only a lower bound.
func LowerBound(k string, exclusive bool) *Range {
	return &Range{lo: &k, loExclusive: exclusive}
}

// UpperBound returns a range with only an upper bound.
func UpperBound(k string, exclusive bool) *Range {
	return &Range{hi: &k, hiExclusive: exclusive}
}

// Bound returns a two-sided range.
func Bound(lo, hi string, loExclusive, hiExclusive bool) *Range {
	return &Range{lo: &lo, hi: &hi, loExclusive: loExclusive, hiExclusive: hiExclusive}
}

// Only returns a range that includes exactly one key.
func Only(k string) *Range {
	return &Range{lo: &k, hi: &k}
}

// Includes reports whether k falls within the range. A nil receiver means
// "no query" and includes everything.
func (r *Range) Includes(k string) bool {
	if r == nil {
		return true
	}
	if r.lo != nil {
		if r.loExclusive {
			if k <= *r.lo {
				return false
			}
		} else if k < *r.lo {
			return false
		}
	}
	if r.hi != nil {
		if r.hiExclusive {
			if k >= *r.hi {
				return false
			}
		} else if k > *r.hi {
			return false
		}
	}
	return true
}

// LowerBoundAbove returns a copy of r with its lower bound raised to an
// exclusive bound at k. Used to restart a minKey search past a candidate
// that turned out to be staged for removal.
func (r *Range) LowerBoundAbove(k string) *Range {
	nr := r.clone()
	nr.lo = &k
	nr.loExclusive = true
	return nr
}

// UpperBoundBelow returns a copy of r with its upper bound lowered to an
// exclusive bound at k. Used to restart a maxKey search.
func (r *Range) UpperBoundBelow(k string) *Range {
	nr := r.clone()
	nr.hi = &k
	nr.hiExclusive = true
	return nr
}

func (r *Range) clone() *Range {
	if r == nil {
		return &Range{}
	}
	nr := *r
	return &nr
}

// Lo exposes the raw lower bound. ok is false when unbounded.
func (r *Range) Lo() (s string, exclusive, ok bool) {
	if r == nil || r.lo == nil {
		return "", false, false
	}
	return *r.lo, r.loExclusive, true
}

// Hi exposes the raw upper bound. ok is false when unbounded.
func (r *Range) Hi() (s string, exclusive, ok bool) {
	if r == nil || r.hi == nil {
		return "", false, false
	}
	return *r.hi, r.hiExclusive, true
}
