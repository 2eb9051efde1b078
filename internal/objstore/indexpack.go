package objstore

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// BuildPackIndex scans a finished pack file and writes the v2 index
// beside it (same path with .idx instead of .pack). It verifies the
// pack's trailing checksum during the scan and returns it; the checksum
// names the pack once finalised.
//
// The scan decodes every record: the size prefix gives the type, the
// payload is inflated and re-hashed to recover the object id, and the
// raw on-disk record bytes are CRC'd for the index's crc32 table. Delta
// records are rejected; the writer never emits them.
func BuildPackIndex(packPath string) (idxPath string, packSHA ObjectID, err error) {
	f, err := os.Open(packPath)
	if err != nil {
		return "", ObjectID{}, err
	}
	defer f.Close()

	sr := &scanReader{r: bufio.NewReaderSize(f, 1<<16), sum: sha1.New()}

	var hdr [12]byte
	if _, err := io.ReadFull(sr, hdr[:]); err != nil {
		return "", ObjectID{}, corruptf(packPath, "short pack header: %v", err)
	}
	if string(hdr[:4]) != "PACK" || binary.BigEndian.Uint32(hdr[4:8]) != 2 {
		return "", ObjectID{}, corruptf(packPath, "bad pack magic/version %x", hdr[:8])
	}
	count := binary.BigEndian.Uint32(hdr[8:12])

	type idxEnt struct {
		id  ObjectID
		ofs int64
		crc uint32
	}
	ents := make([]idxEnt, 0, count)

	var zr io.ReadCloser
	objSum := sha1.New()
	for i := uint32(0); i < count; i++ {
		ofs := sr.n
		sr.crc = crc32.NewIEEE()
		t, size, err := readObjHeader(sr)
		if err != nil {
			return "", ObjectID{}, corruptf(packPath, "object %d at %d: %v", i, ofs, err)
		}
		if zr == nil {
			zr, err = zlib.NewReader(sr)
		} else {
			err = zr.(zlib.Resetter).Reset(sr, nil)
		}
		if err != nil {
			return "", ObjectID{}, corruptf(packPath, "object %d at %d: %v", i, ofs, err)
		}
		objSum.Reset()
		fmt.Fprintf(objSum, "%s %d\x00", t, size)
		n, err := io.Copy(objSum, zr)
		if err != nil {
			return "", ObjectID{}, corruptf(packPath, "object %d at %d: inflate: %v", i, ofs, err)
		}
		if uint64(n) != size {
			return "", ObjectID{}, corruptf(packPath, "object %d at %d: size %d, header says %d", i, ofs, n, size)
		}
		ent := idxEnt{ofs: ofs, crc: sr.crc.Sum32()}
		copy(ent.id[:], objSum.Sum(nil))
		ents = append(ents, ent)
		sr.crc = nil
	}

	// Everything before the trailer has gone through the running sum.
	copy(packSHA[:], sr.sum.Sum(nil))
	var trailer ObjectID
	if _, err := io.ReadFull(sr, trailer[:]); err != nil {
		return "", ObjectID{}, corruptf(packPath, "short pack trailer: %v", err)
	}
	if trailer != packSHA {
		return "", ObjectID{}, corruptf(packPath, "pack checksum mismatch: stored %s, computed %s", trailer, packSHA)
	}

	sort.Slice(ents, func(i, j int) bool {
		return ents[i].id.Compare(ents[j].id) < 0
	})
	// Identical content written twice yields duplicate ids; the index
	// keeps the earliest record so the hashes stay strictly ascending.
	uniq := ents[:0]
	for _, e := range ents {
		if n := len(uniq); n > 0 && uniq[n-1].id == e.id {
			if e.ofs < uniq[n-1].ofs {
				uniq[n-1] = e
			}
			continue
		}
		uniq = append(uniq, e)
	}
	ents = uniq

	idxPath = strings.TrimSuffix(packPath, ".pack") + ".idx"
	tmp, err := os.CreateTemp(filepath.Dir(idxPath), filepath.Base(idxPath)+"-*.tmp")
	if err != nil {
		return "", ObjectID{}, err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	idxSum := sha1.New()
	w := bufio.NewWriter(io.MultiWriter(tmp, idxSum))

	w.Write(idxMagic)
	var fanout [256]uint32
	for _, e := range ents {
		fanout[e.id[0]]++
	}
	var run uint32
	var be [8]byte
	for i := 0; i < 256; i++ {
		run += fanout[i]
		binary.BigEndian.PutUint32(be[:4], run)
		w.Write(be[:4])
	}
	for _, e := range ents {
		w.Write(e.id[:])
	}
	for _, e := range ents {
		binary.BigEndian.PutUint32(be[:4], e.crc)
		w.Write(be[:4])
	}
	var large []int64
	for _, e := range ents {
		if e.ofs < int64(idxLargeFlag) {
			binary.BigEndian.PutUint32(be[:4], uint32(e.ofs))
		} else {
			binary.BigEndian.PutUint32(be[:4], idxLargeFlag|uint32(len(large)))
			large = append(large, e.ofs)
		}
		w.Write(be[:4])
	}
	for _, ofs := range large {
		binary.BigEndian.PutUint64(be[:], uint64(ofs))
		w.Write(be[:])
	}
	w.Write(packSHA[:])
	if err = w.Flush(); err != nil {
		return "", ObjectID{}, err
	}
	// The index's own checksum covers everything written so far and is
	// not part of its input.
	if _, err = tmp.Write(idxSum.Sum(nil)); err != nil {
		return "", ObjectID{}, err
	}
	if err = tmp.Close(); err != nil {
		return "", ObjectID{}, err
	}
	if err = os.Rename(tmp.Name(), idxPath); err != nil {
		os.Remove(tmp.Name())
		return "", ObjectID{}, err
	}
	return idxPath, packSHA, nil
}

// readObjHeader decodes a pack object size prefix from a byte stream.
// Identical encoding to parseObjHeader, but suited to sequential scans.
func readObjHeader(r io.ByteReader) (ObjectType, uint64, error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	t := ObjectType((c >> 4) & 0x07)
	size := uint64(c & 0x0f)
	shift := uint(4)
	for c&0x80 != 0 {
		if shift > 63 {
			return 0, 0, fmt.Errorf("object size prefix overflow")
		}
		if c, err = r.ReadByte(); err != nil {
			return 0, 0, err
		}
		size |= uint64(c&0x7f) << shift
		shift += 7
	}
	switch t {
	case Commit, Tree, Blob, Tag:
		return t, size, nil
	default:
		return 0, 0, fmt.Errorf("unsupported object type code %d", t)
	}
}

// scanReader counts consumed bytes, feeds them to the pack checksum,
// and, while crc is set, to the current record's CRC. Implementing
// io.ByteReader keeps the zlib decompressor from reading past the end
// of each compressed payload.
type scanReader struct {
	r   *bufio.Reader
	n   int64
	sum hash.Hash
	crc hash.Hash32
}

func (s *scanReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.n += int64(n)
		s.sum.Write(p[:n])
		if s.crc != nil {
			s.crc.Write(p[:n])
		}
	}
	return n, err
}

func (s *scanReader) ReadByte() (byte, error) {
	c, err := s.r.ReadByte()
	if err != nil {
		return 0, err
	}
	s.n++
	s.sum.Write([]byte{c})
	if s.crc != nil {
		s.crc.Write([]byte{c})
	}
	return c, nil
}
