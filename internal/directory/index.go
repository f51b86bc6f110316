package directory

// Tree is an arena index over the structure forest: structures live in one
// contiguous slice, linked by slice indices, so descendant expansion walks the
// arena without further store lookups.
type Tree struct {
	structures []Structure
	byID       map[int64]int
	children   [][]int
}

// NewTree builds an index over the given structures. Rows referencing a
// missing parent are treated as roots.
func NewTree(structures []Structure) *Tree {
	t := &Tree{
		structures: structures,
		byID:       make(map[int64]int, len(structures)),
		children:   make([][]int, len(structures)),
	}
	for i, s := range structures {
		t.byID[s.ID] = i
	}
	for i, s := range structures {
		if s.ParentID == nil {
			continue
		}
		if parent, ok := t.byID[*s.ParentID]; ok {
			t.children[parent] = append(t.children[parent], i)
		}
	}
	return t
}

// Contains reports whether the structure id is indexed.
func (t *Tree) Contains(id int64) bool {
	_, ok := t.byID[id]
	return ok
}

// Len returns the number of indexed structures.
func (t *Tree) Len() int {
	return len(t.structures)
}

// DescendantIDs returns the ids of every transitive descendant of root,
// excluding root itself. Unknown roots yield nil.
func (t *Tree) DescendantIDs(root int64) []int64 {
	start, ok := t.byID[root]
	if !ok {
		return nil
	}
	var out []int64
	queue := append([]int(nil), t.children[start]...)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		out = append(out, t.structures[i].ID)
		queue = append(queue, t.children[i]...)
	}
	return out
}
