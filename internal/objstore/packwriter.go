package objstore

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"time"
)

var packHeader = []byte{'P', 'A', 'C', 'K', 0, 0, 0, 2, 0, 0, 0, 0}

// TreeEntry is one child of a tree object: an octal mode string (no
// leading zero), a name, and the child's id.
type TreeEntry struct {
	Mode string
	Name string
	ID   ObjectID
}

// treeSortKey appends "/" to directory names so that a directory sorts
// after a plain file with the same prefix ("foo.txt" < "foo/"), the
// ordering trees are defined over.
func treeSortKey(e TreeEntry) string {
	mode, err := strconv.ParseUint(e.Mode, 8, 32)
	if err == nil && mode&0o170000 == 0o040000 {
		return e.Name + "/"
	}
	return e.Name
}

// PackWriter is an append-only pack builder. Nothing touches the disk
// until the first write; the pack then lives at objects/bup<pid>.pack
// until Close or Breakpoint finalises it into objects/pack/. Abort
// discards the temp file and is safe to call at any point, including
// after Close.
type PackWriter struct {
	repo       *Repo
	count      uint32
	outbytes   int64
	filename   string // temp path prefix, without extension
	f          *os.File
	cacheMaker func() (ObjCache, error)
	cache      ObjCache
	buf        []byte
}

// NewPackWriter returns a writer for the repository. cacheMaker, if
// non-nil, supplies the deduplication cache on first use; the default
// is a MultiPackIndex over the repository's own pack directory.
func NewPackWriter(repo *Repo, cacheMaker func() (ObjCache, error)) *PackWriter {
	if cacheMaker == nil {
		cacheMaker = func() (ObjCache, error) {
			return OpenMultiPackIndex(repo.PackDir())
		}
	}
	return &PackWriter{repo: repo, cacheMaker: cacheMaker}
}

func (w *PackWriter) objCache() (ObjCache, error) {
	if w.cache == nil {
		c, err := w.cacheMaker()
		if err != nil {
			return nil, err
		}
		w.cache = c
	}
	return w.cache, nil
}

func (w *PackWriter) open() error {
	if w.f != nil {
		return nil
	}
	w.filename = w.repo.Sub("objects", fmt.Sprintf("bup%d", os.Getpid()))
	f, err := os.OpenFile(w.filename+".pack", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(packHeader); err != nil {
		f.Close()
		os.Remove(w.filename + ".pack")
		return err
	}
	w.f = f
	return nil
}

// AppendRecord writes one already-encoded object record (size prefix
// plus compressed payload) to the pack. The server side of
// receive-objects appends client frames through this.
func (w *PackWriter) AppendRecord(rec []byte) error {
	if err := w.open(); err != nil {
		return err
	}
	if _, err := w.f.Write(rec); err != nil {
		return err
	}
	w.outbytes += int64(len(rec))
	w.count++
	return nil
}

// Write appends content unconditionally and returns its id.
func (w *PackWriter) Write(t ObjectType, content []byte) (ObjectID, error) {
	id := CalcHash(t, content)
	rec, err := encodePackObj(w.buf[:0], t, content)
	if err != nil {
		return ObjectID{}, err
	}
	w.buf = rec[:0]
	if err := w.AppendRecord(rec); err != nil {
		return ObjectID{}, err
	}
	return id, nil
}

// MaybeWrite appends content only if no pack already holds it, and
// returns its id either way.
func (w *PackWriter) MaybeWrite(t ObjectType, content []byte) (ObjectID, error) {
	id := CalcHash(t, content)
	cache, err := w.objCache()
	if err != nil {
		return ObjectID{}, err
	}
	if cache.Exists(id) {
		return id, nil
	}
	rec, err := encodePackObj(w.buf[:0], t, content)
	if err != nil {
		return ObjectID{}, err
	}
	w.buf = rec[:0]
	if err := w.AppendRecord(rec); err != nil {
		return ObjectID{}, err
	}
	cache.Add(id)
	return id, nil
}

// NewBlob stores bytes as a blob.
func (w *PackWriter) NewBlob(content []byte) (ObjectID, error) {
	return w.MaybeWrite(Blob, content)
}

// NewTree stores a tree over entries, sorting them into tree order.
func (w *PackWriter) NewTree(entries []TreeEntry) (ObjectID, error) {
	buf, err := EncodeTree(entries)
	if err != nil {
		return ObjectID{}, err
	}
	return w.MaybeWrite(Tree, buf)
}

// NewCommit stores a commit pointing at tree, with an optional parent.
// The author and committer lines identify the current user and host at
// the current time.
func (w *PackWriter) NewCommit(parent, tree ObjectID, msg string) (ObjectID, error) {
	return w.MaybeWrite(Commit, EncodeCommit(parent, tree, msg, time.Now()))
}

// EncodeTree returns the canonical tree object content for entries,
// sorted into tree order.
func EncodeTree(entries []TreeEntry) ([]byte, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortKey(sorted[i]) < treeSortKey(sorted[j])
	})
	var buf []byte
	for _, e := range sorted {
		if e.Mode == "" || e.Mode[0] == '0' {
			return nil, fmt.Errorf("objstore: invalid tree entry mode %q", e.Mode)
		}
		if e.Name == "" {
			return nil, fmt.Errorf("objstore: empty tree entry name")
		}
		buf = append(buf, e.Mode...)
		buf = append(buf, ' ')
		buf = append(buf, e.Name...)
		buf = append(buf, 0)
		buf = append(buf, e.ID[:]...)
	}
	return buf, nil
}

// EncodeCommit returns the canonical commit object content: the tree
// line, an optional parent line, author and committer stamps for the
// current user, a blank line, and the message.
func EncodeCommit(parent, tree ObjectID, msg string, when time.Time) []byte {
	who := userLine()
	var b strings.Builder
	fmt.Fprintf(&b, "tree %s\n", tree.Hex())
	if !parent.IsZero() {
		fmt.Fprintf(&b, "parent %s\n", parent.Hex())
	}
	fmt.Fprintf(&b, "author %s %d %s\n", who, when.Unix(), when.Format("-0700"))
	fmt.Fprintf(&b, "committer %s %d %s\n", who, when.Unix(), when.Format("-0700"))
	b.WriteString("\n")
	b.WriteString(msg)
	return []byte(b.String())
}

func userLine() string {
	login := "unknown"
	full := ""
	if u, err := user.Current(); err == nil {
		login = u.Username
		full = strings.SplitN(u.Name, ",", 2)[0]
	}
	if full == "" {
		full = login
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s <%s@%s>", full, login, host)
}

// Breakpoint finalises the current pack and starts a fresh one, capping
// pack sizes during long runs. It returns the finished pack's base
// path, or "" when nothing had been written.
func (w *PackWriter) Breakpoint() (string, error) {
	name, err := w.end()
	if err != nil {
		return "", err
	}
	w.count, w.outbytes = 0, 0
	return name, nil
}

// Count returns the number of objects written to the current pack.
func (w *PackWriter) Count() uint32 { return w.count }

// OutBytes returns the number of record bytes written to the current
// pack.
func (w *PackWriter) OutBytes() int64 { return w.outbytes }

// Abort discards the in-flight pack, if any. Idempotent.
func (w *PackWriter) Abort() error {
	f := w.f
	w.f = nil
	w.releaseCache()
	if f == nil {
		return nil
	}
	f.Close()
	return os.Remove(w.filename + ".pack")
}

// Close finalises the pack and returns its base path inside
// objects/pack (without extension), or "" when nothing was written.
func (w *PackWriter) Close() (string, error) {
	return w.end()
}

func (w *PackWriter) releaseCache() {
	if w.cache != nil {
		w.cache.Close()
		w.cache = nil
	}
}

// end patches the object count into the header, appends the SHA-1 of
// everything before it, indexes the pack, and renames pack and index
// into the permanent directory under the checksum-derived name.
func (w *PackWriter) end() (string, error) {
	f := w.f
	if f == nil {
		w.releaseCache()
		return "", nil
	}
	w.f = nil
	w.releaseCache()

	var be [4]byte
	binary.BigEndian.PutUint32(be[:], w.count)
	if _, err := f.WriteAt(be[:], 8); err != nil {
		f.Close()
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return "", err
	}
	sum := sha1.New()
	if _, err := io.Copy(sum, f); err != nil {
		f.Close()
		return "", err
	}
	if _, err := f.Write(sum.Sum(nil)); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	idxPath, packSHA, err := BuildPackIndex(w.filename + ".pack")
	if err != nil {
		// The temp .pack stays behind for inspection; the caller owns
		// cleanup of a pack that failed to index.
		return "", err
	}
	base := w.repo.Sub("objects", "pack", "pack-"+packSHA.Hex())
	if err := os.Rename(w.filename+".pack", base+".pack"); err != nil {
		return "", err
	}
	if err := os.Rename(idxPath, base+".idx"); err != nil {
		return "", err
	}
	return base, nil
}
