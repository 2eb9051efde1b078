package objstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// Pack index v2 layout constants. The file is:
//
//	"\377tOc" ver=2(4) fanout[256](u32 BE) hashes[N](20, sorted)
//	crc32[N](4) ofs32[N](u32 BE) ofs64[K](u64 BE) packSha(20) idxSha(20)
//
// fanout[i] is the count of hashes whose first byte is <= i, so
// fanout[255] == N. An ofs32 entry with the high bit set indexes the
// ofs64 table with its low 31 bits.
const (
	idxHeaderLen   = 8
	idxFanoutLen   = 256 * 4
	idxLargeFlag   = uint32(1) << 31
	idxLargeMask   = idxLargeFlag - 1
	idxTrailersLen = 20 + 20
)

var idxMagic = []byte{0xff, 't', 'O', 'c', 0, 0, 0, 2}

// PackIndex is a memory-mapped v2 pack index. It exclusively owns its
// mapping; values returned by iteration are copies and remain valid
// after Close.
type PackIndex struct {
	// Name is the path of the .idx file the index was opened from.
	Name string

	m      mmap.MMap
	nsha   uint32
	fanout [257]uint32 // shifted by one: fanout[0] is the synthetic -1 entry
	shaOfs int
	ofsOfs int
	ofs64  int
}

// OpenPackIndex maps filename read-only and validates its header.
func OpenPackIndex(filename string) (*PackIndex, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < idxHeaderLen+idxFanoutLen+idxTrailersLen {
		return nil, corruptf(filename, "pack index too small (%d bytes)", fi.Size())
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("objstore: map %s: %w", filename, err)
	}
	ix := &PackIndex{Name: filename, m: m}
	if err := ix.parse(); err != nil {
		m.Unmap()
		return nil, err
	}
	return ix, nil
}

func (ix *PackIndex) parse() error {
	if !bytes.Equal(ix.m[:idxHeaderLen], idxMagic) {
		return corruptf(ix.Name, "bad pack index magic/version %x", ix.m[:idxHeaderLen])
	}
	for i := 0; i < 256; i++ {
		v := binary.BigEndian.Uint32(ix.m[idxHeaderLen+i*4:])
		if v < ix.fanout[i] {
			return corruptf(ix.Name, "fanout not monotonic at byte %#02x", i)
		}
		ix.fanout[i+1] = v
	}
	ix.nsha = ix.fanout[256]
	ix.shaOfs = idxHeaderLen + idxFanoutLen
	ix.ofsOfs = ix.shaOfs + int(ix.nsha)*20 + int(ix.nsha)*4
	ix.ofs64 = ix.ofsOfs + int(ix.nsha)*4
	if ix.ofs64+idxTrailersLen > len(ix.m) {
		return corruptf(ix.Name, "pack index truncated: %d objects in %d bytes", ix.nsha, len(ix.m))
	}
	return nil
}

// Close unmaps the index. Entries previously returned remain valid;
// further lookups do not.
func (ix *PackIndex) Close() error {
	if ix.m == nil {
		return nil
	}
	m := ix.m
	ix.m = nil
	return m.Unmap()
}

// Len returns the number of objects in the index.
func (ix *PackIndex) Len() int { return int(ix.nsha) }

// PackSHA returns the checksum of the pack this index describes.
func (ix *PackIndex) PackSHA() ObjectID {
	var id ObjectID
	copy(id[:], ix.m[len(ix.m)-idxTrailersLen:])
	return id
}

// entryID returns the i-th hash in sorted order.
func (ix *PackIndex) entryID(i int) ObjectID {
	var id ObjectID
	copy(id[:], ix.m[ix.shaOfs+i*20:])
	return id
}

// idxFromHash binary-searches the bucket selected by the first byte of
// id. It returns -1 on a miss.
func (ix *PackIndex) idxFromHash(id ObjectID) int {
	b := int(id[0])
	lo, hi := int(ix.fanout[b]), int(ix.fanout[b+1])
	want := id[:]
	for lo < hi {
		mid := lo + (hi-lo)/2
		v := ix.m[ix.shaOfs+mid*20 : ix.shaOfs+mid*20+20]
		switch bytes.Compare(v, want) {
		case -1:
			lo = mid + 1
		case 1:
			hi = mid
		default:
			return mid
		}
	}
	return -1
}

// FindOffset returns the pack file offset of id, or false if the index
// does not contain it.
func (ix *PackIndex) FindOffset(id ObjectID) (int64, bool) {
	i := ix.idxFromHash(id)
	if i < 0 {
		return 0, false
	}
	off, err := ix.offsetAt(i)
	if err != nil {
		// An out-of-range ofs64 pointer means the file is corrupt, but
		// FindOffset has no error channel by design; treat as missing.
		return 0, false
	}
	return off, true
}

func (ix *PackIndex) offsetAt(i int) (int64, error) {
	ofs := binary.BigEndian.Uint32(ix.m[ix.ofsOfs+i*4:])
	if ofs&idxLargeFlag == 0 {
		return int64(ofs), nil
	}
	j := int(ofs & idxLargeMask)
	pos := ix.ofs64 + j*8
	if pos+8 > len(ix.m)-idxTrailersLen {
		return 0, corruptf(ix.Name, "large offset %d out of range", j)
	}
	return int64(binary.BigEndian.Uint64(ix.m[pos:])), nil
}

// Exists reports whether id is present in the index.
func (ix *PackIndex) Exists(id ObjectID) bool {
	return ix.idxFromHash(id) >= 0
}

// Iter returns a restartable cursor over the hashes in ascending order.
func (ix *PackIndex) Iter() *IDIter {
	return &IDIter{src: ix.entryID, n: ix.Len()}
}

// IDIter is a finite, restartable cursor over a sorted hash sequence.
type IDIter struct {
	src func(int) ObjectID
	n   int
	i   int
}

// Next returns the next id in order, or false when exhausted.
func (it *IDIter) Next() (ObjectID, bool) {
	if it.i >= it.n {
		return ObjectID{}, false
	}
	id := it.src(it.i)
	it.i++
	return id, true
}

// Reset rewinds the cursor to the first id.
func (it *IDIter) Reset() { it.i = 0 }
