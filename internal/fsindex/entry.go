// Package fsindex stores per-path file metadata in a reverse-sorted,
// memory-mapped log. The ordering matches the depth-first descending
// directory walk, so an update pass can stream old and new state in
// lockstep, and a hash-valid flag per entry records whether the stored
// content hash still matches the file.
package fsindex

import (
	"encoding/binary"
	"os"
	"syscall"
)

// Header and fixed entry size of the on-disk format. Each entry is
// name, NUL, then the packed fields below, big-endian:
//
//	dev(u32) ctime(u32) mtime(u32) uid(u32) gid(u32) size(u64)
//	sha(20) flags(u16)
const (
	indexHeader = "BUPI\x00\x00\x00\x01"
	entLen      = 50
)

// Entry flags.
const (
	// FlagExists marks a path that was present at the last scan.
	FlagExists uint16 = 0x8000
	// FlagHashValid asserts the recorded sha matches the current file
	// contents.
	FlagHashValid uint16 = 0x4000
)

// EmptySHA is the placeholder hash of a never-hashed entry; FakeSHA is
// stamped by --fake-valid.
var (
	EmptySHA = [20]byte{}
	FakeSHA  = [20]byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
)

// Stat is the subset of lstat results an entry records.
type Stat struct {
	Dev   uint32
	Ctime uint32
	Mtime uint32
	UID   uint32
	GID   uint32
	Size  uint64
}

// FileStat extracts the recorded fields from an Lstat result.
func FileStat(fi os.FileInfo) Stat {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Stat{Size: uint64(fi.Size()), Mtime: uint32(fi.ModTime().Unix())}
	}
	return Stat{
		Dev:   uint32(st.Dev),
		Ctime: uint32(st.Ctim.Sec),
		Mtime: uint32(st.Mtim.Sec),
		UID:   st.Uid,
		GID:   st.Gid,
		Size:  uint64(st.Size),
	}
}

// HashGen supplies a content hash for a path during an update; ok=false
// leaves the entry without a valid hash.
type HashGen func(path string) (sha [20]byte, ok bool)

// Entry is a view over one record: the backing mapping plus the offset
// of its packed fields. Mutations become durable through Repack, which
// re-serialises the fields to the same offset. Entries are invalidated
// when their Reader closes.
type Entry struct {
	Name  string
	Dev   uint32
	Ctime uint32
	Mtime uint32
	UID   uint32
	GID   uint32
	Size  uint64
	SHA   [20]byte
	Flags uint16

	m   []byte
	ofs int
}

func parseEntry(name string, m []byte, ofs int) *Entry {
	e := &Entry{Name: name, m: m, ofs: ofs}
	b := m[ofs : ofs+entLen]
	e.Dev = binary.BigEndian.Uint32(b[0:])
	e.Ctime = binary.BigEndian.Uint32(b[4:])
	e.Mtime = binary.BigEndian.Uint32(b[8:])
	e.UID = binary.BigEndian.Uint32(b[12:])
	e.GID = binary.BigEndian.Uint32(b[16:])
	e.Size = binary.BigEndian.Uint64(b[20:])
	copy(e.SHA[:], b[28:48])
	e.Flags = binary.BigEndian.Uint16(b[48:])
	return e
}

// packed serialises the fields into their 50-byte on-disk form.
func (e *Entry) packed() [entLen]byte {
	var b [entLen]byte
	binary.BigEndian.PutUint32(b[0:], e.Dev)
	binary.BigEndian.PutUint32(b[4:], e.Ctime)
	binary.BigEndian.PutUint32(b[8:], e.Mtime)
	binary.BigEndian.PutUint32(b[12:], e.UID)
	binary.BigEndian.PutUint32(b[16:], e.GID)
	binary.BigEndian.PutUint64(b[20:], e.Size)
	copy(b[28:48], e.SHA[:])
	binary.BigEndian.PutUint16(b[48:], e.Flags)
	return b
}

// Repack writes the current field values back into the mapping.
func (e *Entry) Repack() {
	if e.m == nil {
		return
	}
	b := e.packed()
	copy(e.m[e.ofs:e.ofs+entLen], b[:])
}

// FromStat refreshes the stat fields from st and reports whether the
// entry is dirty: any recorded field (or the exists bit) changed, or
// the file's ctime is at or after the scan start, meaning it may have
// been modified while the scan ran. A dirty entry loses FlagHashValid.
func (e *Entry) FromStat(st Stat, tstart int64) bool {
	same := e.Dev == st.Dev &&
		e.Ctime == st.Ctime &&
		e.Mtime == st.Mtime &&
		e.UID == st.UID &&
		e.GID == st.GID &&
		e.Size == st.Size &&
		e.Flags&FlagExists != 0
	e.Dev = st.Dev
	e.Ctime = st.Ctime
	e.Mtime = st.Mtime
	e.UID = st.UID
	e.GID = st.GID
	e.Size = st.Size
	e.Flags |= FlagExists
	if int64(st.Ctime) >= tstart || !same {
		e.Flags &^= FlagHashValid
		return true
	}
	return false
}
