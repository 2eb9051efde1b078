package objstore

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Writing a few blobs, finalising, and reading everything back through
// the index covers the writer, the native indexer, and the reader in
// one pass.
func TestPackWriterEndToEnd(t *testing.T) {
	repo := newTestRepo(t)
	pw := NewPackWriter(repo, nil)

	contents := []string{"", "a", "hello world\n"}
	want := make([]ObjectID, len(contents))
	for i, c := range contents {
		id, err := pw.NewBlob([]byte(c))
		if err != nil {
			t.Fatalf("NewBlob(%q): %v", c, err)
		}
		if id.Hex() != knownBlobs[i].hex {
			t.Errorf("NewBlob(%q) = %s, want %s", c, id.Hex(), knownBlobs[i].hex)
		}
		want[i] = id
	}

	base, err := pw.Close()
	if err != nil {
		t.Fatal(err)
	}
	if base == "" {
		t.Fatal("Close returned no pack name")
	}
	if !strings.HasPrefix(filepath.Base(base), "pack-") {
		t.Errorf("pack base name %q", filepath.Base(base))
	}

	// The trailing 20 bytes are the SHA-1 of everything before them.
	packBytes, err := os.ReadFile(base + ".pack")
	if err != nil {
		t.Fatal(err)
	}
	sum := sha1.Sum(packBytes[:len(packBytes)-20])
	if !bytes.Equal(sum[:], packBytes[len(packBytes)-20:]) {
		t.Error("pack trailer does not checksum the preceding bytes")
	}

	ix, err := OpenPackIndex(base + ".idx")
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
		typ, got, err := readPackedObjectAt(base+".pack", ofs)
		if err != nil {
			t.Fatalf("read object %s back: %v", id, err)
		}
		if typ != Blob || string(got) != contents[i] {
			t.Errorf("object %s = (%v, %q), want (blob, %q)", id, typ, got, contents[i])
		}
	}
	if _, ok := ix.FindOffset(CalcHash(Blob, []byte("b"))); ok {
		t.Error("index hit for an id that was never written")
	}
}

func TestPackWriterMaybeWriteDeduplicates(t *testing.T) {
	repo := newTestRepo(t)
	pw := NewPackWriter(repo, nil)

	if _, err := pw.NewBlob([]byte("dup")); err != nil {
		t.Fatal(err)
	}
	if _, err := pw.NewBlob([]byte("dup")); err != nil {
		t.Fatal(err)
	}
	if pw.Count() != 1 {
		t.Errorf("wrote %d records for identical content, want 1", pw.Count())
	}
	if _, err := pw.Close(); err != nil {
		t.Fatal(err)
	}

	// A second writer over the finalised pack must dedup against it.
	pw2 := NewPackWriter(repo, nil)
	if _, err := pw2.NewBlob([]byte("dup")); err != nil {
		t.Fatal(err)
	}
	if pw2.Count() != 0 {
		t.Errorf("second writer wrote %d records for stored content, want 0", pw2.Count())
	}
	if err := pw2.Abort(); err != nil {
		t.Fatal(err)
	}
}

func TestPackWriterBreakpoint(t *testing.T) {
	repo := newTestRepo(t)
	pw := NewPackWriter(repo, nil)
	if _, err := pw.NewBlob([]byte("first pack")); err != nil {
		t.Fatal(err)
	}
	base1, err := pw.Breakpoint()
	if err != nil {
		t.Fatal(err)
	}
	if base1 == "" {
		t.Fatal("Breakpoint returned no name")
	}
	if _, err := pw.NewBlob([]byte("second pack")); err != nil {
		t.Fatal(err)
	}
	base2, err := pw.Close()
	if err != nil {
		t.Fatal(err)
	}
	if base1 == base2 {
		t.Error("breakpoint did not start a new pack")
	}
	for _, base := range []string{base1, base2} {
		if _, err := os.Stat(base + ".idx"); err != nil {
			t.Errorf("missing index for %s: %v", base, err)
		}
	}
}

func TestPackWriterAbort(t *testing.T) {
	repo := newTestRepo(t)
	pw := NewPackWriter(repo, nil)
	if _, err := pw.Write(Blob, []byte("doomed")); err != nil {
		t.Fatal(err)
	}
	if err := pw.Abort(); err != nil {
		t.Fatal(err)
	}
	if err := pw.Abort(); err != nil {
		t.Errorf("second Abort: %v", err)
	}
	entries, err := os.ReadDir(repo.Sub("objects"))
	if err != nil {
		t.Fatal(err)
	}
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), ".pack") {
			t.Errorf("abort left %s behind", ent.Name())
		}
	}
}

func TestPackWriterCloseEmpty(t *testing.T) {
	repo := newTestRepo(t)
	pw := NewPackWriter(repo, nil)
	base, err := pw.Close()
	if err != nil {
		t.Fatal(err)
	}
	if base != "" {
		t.Errorf("empty writer produced pack %q", base)
	}
}

func TestEncodeTreeOrdering(t *testing.T) {
	id := CalcHash(Blob, []byte("x"))
	entries := []TreeEntry{
		{Mode: "40000", Name: "foo", ID: id},
		{Mode: "100644", Name: "foo.txt", ID: id},
		{Mode: "100644", Name: "bar", ID: id},
	}
	buf, err := EncodeTree(entries)
	if err != nil {
		t.Fatal(err)
	}
	// Directory "foo" sorts as "foo/", which lands after "foo.txt".
	wantOrder := []string{"bar", "foo.txt", "foo"}
	var gotOrder []string
	rest := buf
	for len(rest) > 0 {
		nul := bytes.IndexByte(rest, 0)
		hdr := string(rest[:nul])
		gotOrder = append(gotOrder, strings.SplitN(hdr, " ", 2)[1])
		rest = rest[nul+21:]
	}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("tree order %v, want %v", gotOrder, wantOrder)
		}
	}
}

func TestEncodeTreeRejectsBadEntries(t *testing.T) {
	id := CalcHash(Blob, []byte("x"))
	if _, err := EncodeTree([]TreeEntry{{Mode: "0644", Name: "x", ID: id}}); err == nil {
		t.Error("accepted a zero-padded mode")
	}
	if _, err := EncodeTree([]TreeEntry{{Mode: "100644", Name: "", ID: id}}); err == nil {
		t.Error("accepted an empty name")
	}
}

func TestEncodeCommitShape(t *testing.T) {
	tree := CalcHash(Tree, nil)
	parent := CalcHash(Commit, []byte("p"))
	buf := string(EncodeCommit(parent, tree, "snapshot message", testTime(t)))
	lines := strings.Split(buf, "\n")
	if !strings.HasPrefix(lines[0], "tree "+tree.Hex()) {
		t.Errorf("first line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "parent "+parent.Hex()) {
		t.Errorf("second line %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "author ") || !strings.HasPrefix(lines[3], "committer ") {
		t.Errorf("identity lines %q, %q", lines[2], lines[3])
	}
	if lines[4] != "" || lines[5] != "snapshot message" {
		t.Errorf("message framing %q", lines[4:])
	}

	// Without a parent, the parent line is omitted entirely.
	buf = string(EncodeCommit(ObjectID{}, tree, "m", testTime(t)))
	if strings.Contains(buf, "parent ") {
		t.Error("zero parent still produced a parent line")
	}
}
