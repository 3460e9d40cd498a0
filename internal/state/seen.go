package state

import "sort"

// SeenIDs is the cross-category set of product identities already
// classified as new in previous cycles. It is passed explicitly to the
// paginator and classifier; nothing else shares it.
type SeenIDs struct {
	ids map[string]bool
}

// NewSeenIDs creates an empty identity set
func NewSeenIDs() *SeenIDs {
	return &SeenIDs{ids: make(map[string]bool)}
}

// Add records an identity
func (s *SeenIDs) Add(id string) {
	s.ids[id] = true
}

// Contains reports whether an identity was seen before
func (s *SeenIDs) Contains(id string) bool {
	return s.ids[id]
}

// Len returns the number of recorded identities
func (s *SeenIDs) Len() int {
	return len(s.ids)
}

// Slice returns the identities in stable order for persistence
func (s *SeenIDs) Slice() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
