package objstore

import (
	"bytes"
	"errors"
	"testing"
)

func TestCatPipeJoin(t *testing.T) {
	repo := newTestRepo(t)
	pw := NewPackWriter(repo, nil)

	aID, err := pw.NewBlob([]byte("contents of a"))
	if err != nil {
		t.Fatal(err)
	}
	bID, err := pw.NewBlob([]byte("contents of b"))
	if err != nil {
		t.Fatal(err)
	}
	treeID, err := pw.NewTree([]TreeEntry{
		{Mode: "100644", Name: "b", ID: bID},
		{Mode: "100644", Name: "a", ID: aID},
	})
	if err != nil {
		t.Fatal(err)
	}
	commitID, err := pw.NewCommit(ObjectID{}, treeID, "snap")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pw.Close(); err != nil {
		t.Fatal(err)
	}

	cp, err := NewCatPipe(repo)
	if err != nil {
		t.Fatal(err)
	}
	defer cp.Close()

	// Tree entries come back in sorted order: a before b.
	want := "contents of acontents of b"
	for _, id := range []ObjectID{treeID, commitID} {
		var out bytes.Buffer
		if err := cp.Join(&out, id.Hex()); err != nil {
			t.Fatalf("Join(%s): %v", id, err)
		}
		if out.String() != want {
			t.Errorf("Join(%s) = %q, want %q", id, out.String(), want)
		}
	}

	var out bytes.Buffer
	if err := cp.Join(&out, aID.Hex()); err != nil {
		t.Fatal(err)
	}
	if out.String() != "contents of a" {
		t.Errorf("Join(blob) = %q", out.String())
	}
}

func TestCatPipeMissingObject(t *testing.T) {
	repo := newTestRepo(t)
	cp, err := NewCatPipe(repo)
	if err != nil {
		t.Fatal(err)
	}
	defer cp.Close()

	var out bytes.Buffer
	err = cp.Join(&out, CalcHash(Blob, []byte("nope")).Hex())
	if !errors.Is(err, ErrObjectMissing) {
		t.Errorf("Join(missing) = %v, want ErrObjectMissing", err)
	}
}

func TestParseTree(t *testing.T) {
	a := CalcHash(Blob, []byte("a"))
	buf, err := EncodeTree([]TreeEntry{
		{Mode: "100644", Name: "file", ID: a},
		{Mode: "40000", Name: "dir", ID: a},
	})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := parseTree(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("parsed %d entries, want 2", len(entries))
	}
	if entries[0].Name != "file" || entries[0].Mode != "100644" || entries[0].ID != a {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Name != "dir" || entries[1].Mode != "40000" {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	if _, err := parseTree([]byte("100644 truncated")); err == nil {
		t.Error("parseTree accepted a truncated entry")
	}
}
