package ledger

// OrderedSet is a set of ids that remembers insertion order
type OrderedSet struct {
	items []int
	index map[int]bool
}

func NewOrderedSet(ids ...int) *OrderedSet {
	s := &OrderedSet{index: make(map[int]bool, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add appends id unless it is already present. Returns true if added.
func (s *OrderedSet) Add(id int) bool {
	if s.index[id] {
		return false
	}
	s.index[id] = true
	s.items = append(s.items, id)
	return true
}

func (s *OrderedSet) Remove(id int) bool {
	if !s.index[id] {
		return false
	}
	delete(s.index, id)
	for i, v := range s.items {
		if v == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	return true
}

func (s *OrderedSet) Has(id int) bool { return s.index[id] }

func (s *OrderedSet) Len() int { return len(s.items) }

// Items returns a copy of the ids in insertion order
func (s *OrderedSet) Items() []int {
	return append([]int{}, s.items...)
}
