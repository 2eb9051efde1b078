package fsindex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// Writer builds a new index file in a temp file beside the target, so
// the final rename is atomic on the same filesystem. Names must arrive
// in strictly descending order. Close commits; Abort discards; both are
// idempotent, and an abandoned writer left unclosed commits nothing.
type Writer struct {
	path  string
	tmp   string
	f     *os.File
	bw    *bufio.Writer
	count int
	last  string
	has   bool // last is meaningful (distinguishes "" from unset)
}

// NewWriter creates a temp index next to filename and writes the
// header.
func NewWriter(filename string) (*Writer, error) {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(abs), filepath.Base(abs)+"-*.tmp")
	if err != nil {
		return nil, err
	}
	w := &Writer{path: abs, tmp: f.Name(), f: f, bw: bufio.NewWriterSize(f, 1<<16)}
	if _, err := w.bw.WriteString(indexHeader); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// Count returns the number of entries written.
func (w *Writer) Count() int { return w.count }

func (w *Writer) checkOrder(name string) error {
	if w.has && w.last <= name {
		return fmt.Errorf("fsindex: %q must come before %q", name, w.last)
	}
	w.last = name
	w.has = true
	return nil
}

func (w *Writer) writeEntry(name string, packed [entLen]byte) error {
	if w.f == nil {
		return fmt.Errorf("fsindex: writer for %s is closed", w.path)
	}
	if _, err := w.bw.WriteString(name); err != nil {
		return err
	}
	if err := w.bw.WriteByte(0); err != nil {
		return err
	}
	if _, err := w.bw.Write(packed[:]); err != nil {
		return err
	}
	w.count++
	return nil
}

// Add appends a fresh entry for name from a stat result. hashgen, when
// non-nil and successful, stamps the content hash and marks it valid;
// otherwise the entry starts with the zero hash.
func (w *Writer) Add(name string, st Stat, hashgen HashGen) error {
	if err := w.checkOrder(name); err != nil {
		return err
	}
	e := Entry{
		Name:  name,
		Dev:   st.Dev,
		Ctime: st.Ctime,
		Mtime: st.Mtime,
		UID:   st.UID,
		GID:   st.GID,
		Size:  st.Size,
		Flags: FlagExists,
	}
	if hashgen != nil {
		if sha, ok := hashgen(name); ok {
			e.SHA = sha
			e.Flags |= FlagHashValid
		}
	}
	return w.writeEntry(name, e.packed())
}

// AddEntry appends an existing entry (typically during a merge).
func (w *Writer) AddEntry(e *Entry) error {
	if err := w.checkOrder(e.Name); err != nil {
		return err
	}
	return w.writeEntry(e.Name, e.packed())
}

// NewReader flushes buffered output and opens a reader over the temp
// file, for merging the writer's entries with an existing index.
func (w *Writer) NewReader() (*Reader, error) {
	if w.f == nil {
		return nil, fmt.Errorf("fsindex: writer for %s is closed", w.path)
	}
	if err := w.bw.Flush(); err != nil {
		return nil, err
	}
	return OpenReader(w.tmp)
}

// Close commits the temp file over the target.
func (w *Writer) Close() error {
	f := w.f
	if f == nil {
		return nil
	}
	w.f = nil
	if err := w.bw.Flush(); err != nil {
		f.Close()
		os.Remove(w.tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(w.tmp)
		return err
	}
	if err := os.Rename(w.tmp, w.path); err != nil {
		os.Remove(w.tmp)
		return err
	}
	return nil
}

// Abort discards the temp file.
func (w *Writer) Abort() error {
	f := w.f
	if f == nil {
		return nil
	}
	w.f = nil
	f.Close()
	return os.Remove(w.tmp)
}
