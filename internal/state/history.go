package state

// DefaultHistoryLimit bounds the number of undo snapshots kept.
const DefaultHistoryLimit = 50

// History is a cursor over immutable full-document snapshots.
//
// entries[:cursor] are undo targets. When the cursor sits at the tip, the
// first Undo appends the live document so that Redo can come back to it.
type History struct {
	entries []*Snapshot
	cursor  int
	limit   int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Push records the document as it was right before a local mutation.
func (h *History) Push(s *Snapshot) {
	h.entries = append(h.entries[:h.cursor:h.cursor], s)
	h.cursor = len(h.entries)
	h.evict()
}

// Undo steps back. current is the live document, used as the redo target
// when undoing from the tip.
func (h *History) Undo(current *Snapshot) (*Snapshot, bool) {
	if h.cursor == 0 {
		return nil, false
	}
	if h.cursor == len(h.entries) {
		h.entries = append(h.entries, current)
		h.evict()
	}
	h.cursor--
	return h.entries[h.cursor], true
}

func (h *History) Redo() (*Snapshot, bool) {
	if h.cursor+1 >= len(h.entries) {
		return nil, false
	}
	h.cursor++
	return h.entries[h.cursor], true
}

func (h *History) CanUndo() bool { return h.cursor > 0 }

func (h *History) CanRedo() bool { return h.cursor+1 < len(h.entries) }

// Len is the number of retained snapshots, including an implicit redo target.
func (h *History) Len() int { return len(h.entries) }

func (h *History) Clear() {
	h.entries = nil
	h.cursor = 0
}

func (h *History) evict() {
	for len(h.entries) > h.limit+1 || (len(h.entries) > h.limit && h.cursor == len(h.entries)) {
		h.entries = h.entries[1:]
		if h.cursor > 0 {
			h.cursor--
		}
	}
}
