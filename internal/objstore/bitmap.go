package objstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mmap "github.com/edsrzf/mmap-go"
)

// mapBits is the width of the presence filter: each pack carries a
// 2^20-bit sidecar (.map) indexed by the top 20 bits of an object id.
// A clear bit proves absence; a set bit only permits the binary search.
const mapBits = 20

const mapSize = 1 << (mapBits - 3) // bytes

// PackBitmap is the mmap'd presence filter for one pack index.
type PackBitmap struct {
	// IdxName is the .idx file this bitmap was derived from.
	IdxName string

	mapName string
	m       mmap.MMap
}

// OpenPackBitmap opens the .map sidecar for idxName, generating it from
// the index first if it does not exist.
func OpenPackBitmap(idxName string) (*PackBitmap, error) {
	if !strings.HasSuffix(idxName, ".idx") {
		return nil, fmt.Errorf("objstore: %q is not a pack index name", idxName)
	}
	mapName := strings.TrimSuffix(idxName, ".idx") + ".map"
	if _, err := os.Stat(mapName); os.IsNotExist(err) {
		if err := generateMap(idxName, mapName); err != nil {
			return nil, err
		}
	}
	f, err := os.Open(mapName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() != mapSize {
		return nil, corruptf(mapName, "bitmap is %d bytes, want %d", fi.Size(), mapSize)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("objstore: map %s: %w", mapName, err)
	}
	return &PackBitmap{IdxName: idxName, mapName: mapName, m: m}, nil
}

// generateMap builds the filter by iterating the pack index and writes
// it atomically next to the index.
func generateMap(idxName, mapName string) error {
	ix, err := OpenPackIndex(idxName)
	if err != nil {
		return err
	}
	defer ix.Close()

	buf := make([]byte, mapSize)
	it := ix.Iter()
	for id, ok := it.Next(); ok; id, ok = it.Next() {
		bit := bitIndex(id)
		buf[bit/8] |= 1 << (7 - bit%8)
	}

	tmp, err := os.CreateTemp(filepath.Dir(mapName), filepath.Base(mapName)+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), mapName); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// bitIndex extracts the top mapBits bits of id as a big-endian bit
// stream.
func bitIndex(id ObjectID) uint32 {
	return uint32(id[0])<<12 | uint32(id[1])<<4 | uint32(id[2])>>4
}

// MightExist reports whether id could be in the pack. False is
// definitive; true must be confirmed against the index.
func (b *PackBitmap) MightExist(id ObjectID) bool {
	bit := bitIndex(id)
	return b.m[bit/8]&(1<<(7-bit%8)) != 0
}

// Close unmaps the bitmap.
func (b *PackBitmap) Close() error {
	if b.m == nil {
		return nil
	}
	m := b.m
	b.m = nil
	return m.Unmap()
}
