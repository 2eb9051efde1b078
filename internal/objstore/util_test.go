package objstore

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"math/rand"
	"os"
	"sort"
	"testing"
	"time"
)

// testTime returns a fixed timestamp so encodings under test are
// deterministic.
func testTime(t *testing.T) time.Time {
	t.Helper()
	return time.Unix(1700000000, 0).UTC()
}

// fixtureEnt is one (id, offset) pair for a handwritten index file.
type fixtureEnt struct {
	id  ObjectID
	ofs int64
}

// writeTestIdx writes a v2 pack index from scratch; the pack checksum
// is arbitrary since these fixtures have no pack behind them.
func writeTestIdx(t *testing.T, path string, ents []fixtureEnt) {
	t.Helper()
	sort.Slice(ents, func(i, j int) bool { return ents[i].id.Compare(ents[j].id) < 0 })

	var buf bytes.Buffer
	sum := sha1.New()
	w := func(b []byte) {
		buf.Write(b)
		sum.Write(b)
	}
	w(idxMagic)
	var fanout [256]uint32
	for _, e := range ents {
		fanout[e.id[0]]++
	}
	var run uint32
	var be [8]byte
	for i := 0; i < 256; i++ {
		run += fanout[i]
		binary.BigEndian.PutUint32(be[:4], run)
		w(be[:4])
	}
	for _, e := range ents {
		w(e.id[:])
	}
	for range ents { // crc32 column, zeroed
		binary.BigEndian.PutUint32(be[:4], 0)
		w(be[:4])
	}
	var large []int64
	for _, e := range ents {
		if e.ofs < int64(idxLargeFlag) {
			binary.BigEndian.PutUint32(be[:4], uint32(e.ofs))
		} else {
			binary.BigEndian.PutUint32(be[:4], idxLargeFlag|uint32(len(large)))
			large = append(large, e.ofs)
		}
		w(be[:4])
	}
	for _, ofs := range large {
		binary.BigEndian.PutUint64(be[:], uint64(ofs))
		w(be[:])
	}
	var packSHA [20]byte
	w(packSHA[:])
	buf.Write(sum.Sum(nil))

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// randomIDs returns n distinct pseudo-random ids from a fixed seed.
func randomIDs(t *testing.T, n int, seed int64) []ObjectID {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	seen := make(map[ObjectID]bool, n)
	out := make([]ObjectID, 0, n)
	for len(out) < n {
		var id ObjectID
		rng.Read(id[:])
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func readFileBytes(t *testing.T, path string) ([]byte, int) {
	t.Helper()
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return buf, len(buf)
}

func writeFileBytes(t *testing.T, path string, buf []byte) {
	t.Helper()
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

// newTestRepo initialises a repository under a test temp dir.
func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return repo
}
