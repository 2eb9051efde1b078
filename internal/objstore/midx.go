package objstore

import (
	"bytes"
	"container/heap"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	mmap "github.com/edsrzf/mmap-go"
)

// Midx layout: "MIDX" ver=2(4) bits(u32 BE) fanout[2^bits](u32 BE)
// hashes[N](20, sorted) packnames(NUL-joined). fanout[i] is the count
// of hashes whose top `bits` bits are <= i.
const (
	midxHeaderLen = 12
	midxVersion   = 2
)

var midxMagic = []byte{'M', 'I', 'D', 'X'}

// shaPerPage sizes the fan-out so one bucket's hash span stays around a
// page: 4096 bytes / ~200 bytes of effective entry cost.
const shaPerPage = 4096.0 / 200.0

// midxBits returns the fan-out width for a table of total hashes.
func midxBits(total int) uint {
	pages := float64(total) / shaPerPage
	if pages < 1 {
		pages = 1
	}
	bits := math.Ceil(math.Log2(pages))
	if bits < 0 {
		bits = 0
	}
	return uint(bits)
}

// extractBits returns the top `bits` bits of id read as a big-endian
// bit stream.
func extractBits(id ObjectID, bits uint) uint32 {
	if bits == 0 {
		return 0
	}
	v := binary.BigEndian.Uint32(id[:4])
	return v >> (32 - bits)
}

// idxCursor pairs a pack index iterator with its lookahead for the
// k-way merge.
type idxCursor struct {
	cur ObjectID
	it  *IDIter
}

type cursorHeap []*idxCursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	return h[i].cur.Compare(h[j].cur) < 0
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*idxCursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// WriteMidx merges the given pack indexes into one sorted midx file.
// If outFilename is empty, the output lands in outDir under a name
// derived from the inputs. The finished path is returned; when the
// inputs hold no objects, WriteMidx does nothing and returns "".
// onProgress, if non-nil, is called as hashes are emitted.
func WriteMidx(outDir, outFilename string, idxNames []string, onProgress func(done, total int)) (string, error) {
	if outFilename == "" {
		if outDir == "" {
			return "", fmt.Errorf("objstore: midx needs an output directory or filename")
		}
		sum := sha1.Sum([]byte(strings.Join(idxNames, "\x00")))
		outFilename = filepath.Join(outDir, fmt.Sprintf("midx-%x.midx", sum))
	}

	inputs := make([]*PackIndex, 0, len(idxNames))
	defer func() {
		for _, ix := range inputs {
			ix.Close()
		}
	}()
	total := 0
	for _, name := range idxNames {
		ix, err := OpenPackIndex(name)
		if err != nil {
			return "", err
		}
		inputs = append(inputs, ix)
		total += ix.Len()
	}
	if total == 0 {
		return "", nil
	}

	bits := midxBits(total)
	entries := 1 << bits
	table := make([]uint32, entries)

	tmp, err := os.CreateTemp(filepath.Dir(outFilename), filepath.Base(outFilename)+"-*.tmp")
	if err != nil {
		return "", err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	var be [4]byte
	tmp.Write(midxMagic)
	binary.BigEndian.PutUint32(be[:], midxVersion)
	tmp.Write(be[:])
	binary.BigEndian.PutUint32(be[:], uint32(bits))
	if _, err := tmp.Write(be[:]); err != nil {
		cleanup()
		return "", err
	}
	if _, err := tmp.Write(make([]byte, entries*4)); err != nil {
		cleanup()
		return "", err
	}

	// K-way merge. Identical hashes appearing in several packs are
	// emitted once.
	h := make(cursorHeap, 0, len(inputs))
	for _, ix := range inputs {
		it := ix.Iter()
		if id, ok := it.Next(); ok {
			h = append(h, &idxCursor{cur: id, it: it})
		}
	}
	heap.Init(&h)
	count := 0
	var last ObjectID
	haveLast := false
	for h.Len() > 0 {
		c := h[0]
		id := c.cur
		if next, ok := c.it.Next(); ok {
			c.cur = next
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
		if haveLast && id == last {
			continue
		}
		if _, err := tmp.Write(id[:]); err != nil {
			cleanup()
			return "", err
		}
		count++
		table[extractBits(id, bits)] = uint32(count)
		last, haveLast = id, true
		if onProgress != nil && count%10000 == 0 {
			onProgress(count, total)
		}
	}
	if onProgress != nil {
		onProgress(count, total)
	}

	names := make([]string, len(idxNames))
	for i, n := range idxNames {
		names[i] = filepath.Base(n)
	}
	if _, err := tmp.WriteString(strings.Join(names, "\x00")); err != nil {
		cleanup()
		return "", err
	}

	// Buckets that received no hashes still need the running count so
	// the table stays monotonic.
	for i := 1; i < entries; i++ {
		if table[i] < table[i-1] {
			table[i] = table[i-1]
		}
	}
	fan := make([]byte, entries*4)
	for i, v := range table {
		binary.BigEndian.PutUint32(fan[i*4:], v)
	}
	if _, err := tmp.WriteAt(fan, midxHeaderLen); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), outFilename); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return outFilename, nil
}

// PackMidx is a memory-mapped midx: one sorted hash table summarizing
// several pack indexes.
type PackMidx struct {
	// Name is the path of the .midx file.
	Name string

	m        mmap.MMap
	bits     uint
	entries  int
	nsha     uint32
	shaOfs   int
	idxNames []string
}

// OpenPackMidx maps filename read-only and validates its header.
func OpenPackMidx(filename string) (*PackMidx, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < midxHeaderLen {
		return nil, corruptf(filename, "midx too small (%d bytes)", fi.Size())
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("objstore: map %s: %w", filename, err)
	}
	p := &PackMidx{Name: filename, m: m}
	if err := p.parse(); err != nil {
		m.Unmap()
		return nil, err
	}
	return p, nil
}

func (p *PackMidx) parse() error {
	if !bytes.Equal(p.m[:4], midxMagic) {
		return corruptf(p.Name, "bad midx magic %x", p.m[:4])
	}
	if v := binary.BigEndian.Uint32(p.m[4:8]); v != midxVersion {
		return corruptf(p.Name, "midx version %d, want %d", v, midxVersion)
	}
	p.bits = uint(binary.BigEndian.Uint32(p.m[8:12]))
	if p.bits > 30 {
		return corruptf(p.Name, "midx fan-out width %d too large", p.bits)
	}
	p.entries = 1 << p.bits
	p.shaOfs = midxHeaderLen + p.entries*4
	if p.shaOfs > len(p.m) {
		return corruptf(p.Name, "midx truncated before hash table")
	}
	p.nsha = p.fanout(p.entries - 1)
	namesOfs := p.shaOfs + int(p.nsha)*20
	if namesOfs > len(p.m) {
		return corruptf(p.Name, "midx truncated: %d hashes in %d bytes", p.nsha, len(p.m))
	}
	if namesOfs < len(p.m) {
		p.idxNames = strings.Split(string(p.m[namesOfs:]), "\x00")
	}
	return nil
}

// fanout returns the end index of bucket i; -1 yields 0.
func (p *PackMidx) fanout(i int) uint32 {
	if i < 0 {
		return 0
	}
	return binary.BigEndian.Uint32(p.m[midxHeaderLen+i*4:])
}

// Len returns the number of distinct hashes in the table.
func (p *PackMidx) Len() int { return int(p.nsha) }

// IdxNames returns the base names of the pack indexes merged into this
// midx.
func (p *PackMidx) IdxNames() []string { return p.idxNames }

// Exists reports whether id is in the table.
func (p *PackMidx) Exists(id ObjectID) bool {
	prefix := int(extractBits(id, p.bits))
	lo, hi := int(p.fanout(prefix-1)), int(p.fanout(prefix))
	want := id[:]
	for lo < hi {
		mid := lo + (hi-lo)/2
		v := p.m[p.shaOfs+mid*20 : p.shaOfs+mid*20+20]
		switch bytes.Compare(v, want) {
		case -1:
			lo = mid + 1
		case 1:
			hi = mid
		default:
			return true
		}
	}
	return false
}

// Iter returns a restartable cursor over the hashes in ascending order.
func (p *PackMidx) Iter() *IDIter {
	return &IDIter{src: p.entryID, n: p.Len()}
}

func (p *PackMidx) entryID(i int) ObjectID {
	var id ObjectID
	copy(id[:], p.m[p.shaOfs+i*20:])
	return id
}

// Close unmaps the midx.
func (p *PackMidx) Close() error {
	if p.m == nil {
		return nil
	}
	m := p.m
	p.m = nil
	return m.Unmap()
}
