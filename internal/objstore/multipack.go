package objstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// ObjCache is what a pack writer consults to avoid re-writing objects
// that already exist somewhere. MultiPackIndex is the default
// implementation; the remote writer substitutes one over a cache of the
// server's indexes.
type ObjCache interface {
	// Exists reports whether id is already stored.
	Exists(id ObjectID) bool
	// Add records id as written to the in-flight pack.
	Add(id ObjectID)
	// Refresh picks up indexes that appeared since the cache was opened.
	Refresh() error
	Close() error
}

// mpiLive enforces that at most one MultiPackIndex exists per process.
// Construction while another instance is live is a programming error:
// two instances would fight over MRU ordering and double-map every
// index.
var mpiLive atomic.Int32

// MultiPackIndex aggregates every pack index in a directory behind one
// lookup, screening each index with its presence bitmap and keeping the
// most recently hit pack at the front of the search order.
type MultiPackIndex struct {
	dir    string
	also   map[ObjectID]struct{}
	packs  []*PackIndex
	maps   []*PackBitmap
	closed bool
}

// OpenMultiPackIndex scans dir for .idx files and opens them all. Only
// one instance may be live per process; a second construction panics.
func OpenMultiPackIndex(dir string) (*MultiPackIndex, error) {
	if n := mpiLive.Add(1); n != 1 {
		mpiLive.Add(-1)
		panic(fmt.Sprintf("objstore: %d MultiPackIndex instances live, want at most 1", n))
	}
	m := &MultiPackIndex{
		dir:  dir,
		also: make(map[ObjectID]struct{}),
	}
	if err := m.Refresh(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Contains returns the name of the pack index holding id, or false.
// The in-flight set reports the empty name.
func (m *MultiPackIndex) Contains(id ObjectID) (string, bool) {
	if _, ok := m.also[id]; ok {
		return "", true
	}
	for i, bm := range m.maps {
		if !bm.MightExist(id) {
			continue
		}
		p := m.packs[i]
		if !p.Exists(id) {
			continue
		}
		// Most recently used pack moves to the front so hot packs are
		// searched first.
		if i > 0 {
			copy(m.packs[1:i+1], m.packs[:i])
			copy(m.maps[1:i+1], m.maps[:i])
			m.packs[0] = p
			m.maps[0] = bm
		}
		return p.Name, true
	}
	return "", false
}

// Exists reports whether id is stored in any tracked pack or the
// in-flight set.
func (m *MultiPackIndex) Exists(id ObjectID) bool {
	_, ok := m.Contains(id)
	return ok
}

// Add records an id written to the in-flight pack, which has no index
// yet.
func (m *MultiPackIndex) Add(id ObjectID) {
	m.also[id] = struct{}{}
}

// ZapAlso forgets the in-flight set, typically after the pack holding
// those objects has been finalised and its index picked up by Refresh.
func (m *MultiPackIndex) ZapAlso() {
	m.also = make(map[ObjectID]struct{})
}

// Refresh rescans the directory and appends any pack indexes not yet
// tracked, generating missing bitmaps as a side effect.
func (m *MultiPackIndex) Refresh() error {
	tracked := make(map[string]bool, len(m.packs))
	for _, p := range m.packs {
		tracked[p.Name] = true
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".idx") {
			continue
		}
		full := filepath.Join(m.dir, ent.Name())
		if tracked[full] {
			continue
		}
		bm, err := OpenPackBitmap(full)
		if err != nil {
			return err
		}
		ix, err := OpenPackIndex(full)
		if err != nil {
			bm.Close()
			return err
		}
		m.maps = append(m.maps, bm)
		m.packs = append(m.packs, ix)
	}
	return nil
}

// Close unmaps every tracked index and bitmap and releases the
// single-instance slot.
func (m *MultiPackIndex) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var first error
	for _, p := range m.packs {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, bm := range m.maps {
		if err := bm.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.packs, m.maps = nil, nil
	mpiLive.Add(-1)
	return first
}
