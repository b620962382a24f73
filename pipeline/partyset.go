package pipeline

// PartySet is an insertion-ordered set of party names. It fixes the party
// column order of a run once every municipality has been visited.
type PartySet struct {
	index map[string]int
	names []string
}

// NewPartySet returns an empty set.
func NewPartySet() *PartySet {
	return &PartySet{index: make(map[string]int)}
}

// Add appends names not seen before, keeping first-seen order.
func (s *PartySet) Add(names ...string) {
	for _, name := range names {
		if _, ok := s.index[name]; ok {
			continue
		}
		s.index[name] = len(s.names)
		s.names = append(s.names, name)
	}
}

// Contains reports whether name is in the set.
func (s *PartySet) Contains(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Len returns the number of distinct names.
func (s *PartySet) Len() int {
	return len(s.names)
}

// Names returns a copy of the names in insertion order.
func (s *PartySet) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}
