package objstore

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildRawPack assembles a pack file by hand from encoded records.
func buildRawPack(t *testing.T, path string, records [][]byte, corruptTrailer bool) {
	t.Helper()
	var buf bytes.Buffer
	hdr := []byte{'P', 'A', 'C', 'K', 0, 0, 0, 2, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(records)))
	buf.Write(hdr)
	for _, rec := range records {
		buf.Write(rec)
	}
	sum := sha1.Sum(buf.Bytes())
	if corruptTrailer {
		sum[0] ^= 0xff
	}
	buf.Write(sum[:])
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildPackIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "pack-x.pack")

	contents := [][]byte{[]byte("alpha"), []byte("beta"), bytes.Repeat([]byte("gamma"), 1000)}
	var records [][]byte
	var want []ObjectID
	for _, c := range contents {
		rec, err := EncodeRecord(Blob, c)
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, rec)
		want = append(want, CalcHash(Blob, c))
	}
	buildRawPack(t, packPath, records, false)

	idxPath, packSHA, err := BuildPackIndex(packPath)
	if err != nil {
		t.Fatal(err)
	}
	if packSHA.IsZero() {
		t.Error("BuildPackIndex returned a zero pack checksum")
	}

	ix, err := OpenPackIndex(idxPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	if ix.Len() != len(contents) {
		t.Fatalf("index holds %d objects, want %d", ix.Len(), len(contents))
	}
	for i, id := range want {
		ofs, ok := ix.FindOffset(id)
		if !ok {
			t.Fatalf("FindOffset(%s) missed", id)
		}
		typ, got, err := readPackedObjectAt(packPath, ofs)
		if err != nil {
			t.Fatal(err)
		}
		if typ != Blob || !bytes.Equal(got, contents[i]) {
			t.Errorf("object %s read back wrong", id)
		}
	}
}

func TestBuildPackIndexDetectsBadTrailer(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "pack-bad.pack")
	rec, err := EncodeRecord(Blob, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	buildRawPack(t, packPath, [][]byte{rec}, true)
	if _, _, err := BuildPackIndex(packPath); err == nil {
		t.Error("BuildPackIndex accepted a corrupt trailer")
	}
}

func TestBuildPackIndexCollapsesDuplicates(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "pack-dup.pack")
	rec, err := EncodeRecord(Blob, []byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	buildRawPack(t, packPath, [][]byte{rec, rec}, false)

	idxPath, _, err := BuildPackIndex(packPath)
	if err != nil {
		t.Fatal(err)
	}
	ix, err := OpenPackIndex(idxPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	if ix.Len() != 1 {
		t.Errorf("index holds %d entries for one distinct id", ix.Len())
	}
	// The surviving entry must be the earliest record.
	if ofs, _ := ix.FindOffset(CalcHash(Blob, []byte("same"))); ofs != 12 {
		t.Errorf("duplicate resolved to offset %d, want 12", ofs)
	}
}
