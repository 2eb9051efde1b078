package fsindex

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	mmap "github.com/edsrzf/mmap-go"
)

// Reader maps an index file read-write and iterates its entries in the
// stored (descending) order. In-place entry updates go back through the
// shared mapping; Save flushes them. A missing file yields an empty
// reader so first-time updates need no special case.
type Reader struct {
	path     string
	m        mmap.MMap
	writable bool
}

// OpenReader opens filename, validating the header if the file exists.
func OpenReader(filename string) (*Reader, error) {
	r := &Reader{path: filename}
	f, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	defer f.Close()

	hdr := make([]byte, len(indexHeader))
	if _, err := f.Read(hdr); err == nil && !bytes.Equal(hdr, []byte(indexHeader)) {
		return nil, fmt.Errorf("fsindex: %s: bad header %q", filename, hdr)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > int64(len(indexHeader)) {
		m, err := mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("fsindex: map %s: %w", filename, err)
		}
		r.m = m
		r.writable = true
	}
	return r, nil
}

// Iter returns a fresh cursor over the entries. The scan-start time is
// captured here; entries compare their ctime against it to catch files
// modified while the scan runs.
func (r *Reader) Iter() *EntryIter {
	return &EntryIter{r: r, ofs: len(indexHeader), tstart: time.Now().Unix()}
}

// Save flushes in-place entry updates to disk.
func (r *Reader) Save() error {
	if !r.writable || r.m == nil {
		return nil
	}
	return r.m.Flush()
}

// Close flushes and unmaps. Entries from this reader are invalid
// afterwards.
func (r *Reader) Close() error {
	if r.m == nil {
		return nil
	}
	m := r.m
	r.m = nil
	if err := m.Flush(); err != nil {
		m.Unmap()
		return err
	}
	return m.Unmap()
}

// EntryIter walks entries front to back (descending name order).
type EntryIter struct {
	r      *Reader
	ofs    int
	cur    *Entry
	err    error
	tstart int64
}

// Next advances to the next entry, returning false at the end or on a
// malformed file (see Err).
func (it *EntryIter) Next() bool {
	it.cur = nil
	m := it.r.m
	if m == nil || it.ofs >= len(m) {
		return false
	}
	eon := bytes.IndexByte(m[it.ofs:], 0)
	if eon < 0 || it.ofs+eon+1+entLen > len(m) {
		it.err = fmt.Errorf("fsindex: %s: truncated entry at offset %d", it.r.path, it.ofs)
		return false
	}
	name := string(m[it.ofs : it.ofs+eon])
	it.cur = parseEntry(name, m, it.ofs+eon+1)
	it.ofs += eon + 1 + entLen
	return true
}

// Cur returns the entry Next stopped on, or nil.
func (it *EntryIter) Cur() *Entry { return it.cur }

// Err reports a malformed-file condition encountered by Next.
func (it *EntryIter) Err() error { return it.err }

// Tstart returns the scan-start time captured when the cursor was
// created.
func (it *EntryIter) Tstart() int64 { return it.tstart }

// Filter yields (display name, entry) for entries covered by the given
// path list, which must be reduced (no element contains another) and in
// descending Real order to match the entry stream. The display name
// substitutes the user-supplied spelling for the resolved prefix.
func (r *Reader) Filter(paths []PathPair, fn func(name string, e *Entry) error) error {
	if len(paths) == 0 {
		return nil
	}
	pi := 0
	it := r.Iter()
	for it.Next() {
		e := it.Cur()
		for e.Name < paths[pi].Real {
			pi++
			if pi >= len(paths) {
				return it.Err() // nothing below can match
			}
		}
		if !strings.HasPrefix(e.Name, paths[pi].Real) {
			continue
		}
		name := paths[pi].Display + e.Name[len(paths[pi].Real):]
		if name == "" {
			name = "./"
		}
		if err := fn(name, e); err != nil {
			return err
		}
	}
	return it.Err()
}
