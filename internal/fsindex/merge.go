package fsindex

// MergeInto streams the last-writer-wins merge of srcs into w. The
// sources yield names in descending order; at each step the largest
// pending name is emitted once, taken from the source appearing latest
// in srcs (callers order newer sources last), and every source holding
// that name advances past it.
func MergeInto(w *Writer, srcs ...*EntryIter) error {
	type head struct {
		e  *Entry
		it *EntryIter
	}
	heads := make([]head, 0, len(srcs))
	for _, it := range srcs {
		if it.Next() {
			heads = append(heads, head{e: it.Cur(), it: it})
		} else if err := it.Err(); err != nil {
			return err
		}
	}
	for len(heads) > 0 {
		best := 0
		for i := 1; i < len(heads); i++ {
			if heads[i].e.Name >= heads[best].e.Name {
				best = i
			}
		}
		name := heads[best].e.Name
		if err := w.AddEntry(heads[best].e); err != nil {
			return err
		}
		keep := heads[:0]
		for _, h := range heads {
			if h.e.Name == name {
				if !h.it.Next() {
					if err := h.it.Err(); err != nil {
						return err
					}
					continue
				}
				h.e = h.it.Cur()
			}
			keep = append(keep, h)
		}
		heads = keep
	}
	return nil
}
