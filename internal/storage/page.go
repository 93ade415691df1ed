package storage

// Pagination defaults applied when a caller does not set a limit.
const (
	DefaultPageLimit = 30
	MaxPageLimit     = 100
)

// Page selects a window of an id-ordered listing.
// StartAfter is exclusive; with Reverse the listing walks ids downward.
type Page struct {
	Limit      int
	StartAfter *uint64
	Reverse    bool
}

// EffectiveLimit clamps the limit to [1, MaxPageLimit], defaulting to DefaultPageLimit.
func (p Page) EffectiveLimit() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageLimit
	case p.Limit > MaxPageLimit:
		return MaxPageLimit
	}
	return p.Limit
}

// Admits reports whether id lies after the cursor in the page direction.
func (p Page) Admits(id uint64) bool {
	if p.StartAfter == nil {
		return true
	}
	if p.Reverse {
		return id < *p.StartAfter
	}
	return id > *p.StartAfter
}

// After returns a page continuing after id in the same direction.
func (p Page) After(id uint64) Page {
	next := p
	next.StartAfter = &id
	return next
}
