package objstore

import (
	"testing"
)

// Reference ids computed by the upstream tooling for the same inputs.
var knownBlobs = []struct {
	content string
	hex     string
}{
	{"", "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"},
	{"a", "2e65efe2a145dda7ee51d1741299f848e5bf752e"},
	{"hello world\n", "3b18e512dba79e4c8300dd08aeb37f8e728b8dad"},
}

func TestCalcHashKnownValues(t *testing.T) {
	for _, kb := range knownBlobs {
		id := CalcHash(Blob, []byte(kb.content))
		if id.Hex() != kb.hex {
			t.Errorf("CalcHash(blob, %q) = %s, want %s", kb.content, id.Hex(), kb.hex)
		}
	}
}

func TestParseIDRoundTrip(t *testing.T) {
	id := CalcHash(Blob, []byte("round trip"))
	got, err := ParseID(id.Hex())
	if err != nil {
		t.Fatalf("ParseID(%q): %v", id.Hex(), err)
	}
	if got != id {
		t.Errorf("ParseID(Hex()) = %s, want %s", got, id)
	}
}

func TestParseIDRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "abc", "zz65efe2a145dda7ee51d1741299f848e5bf752e"} {
		if _, err := ParseID(s); err == nil {
			t.Errorf("ParseID(%q) succeeded, want error", s)
		}
	}
}

func TestObjectIDCompare(t *testing.T) {
	lo := ObjectID{0x00, 0x01}
	hi := ObjectID{0xff, 0x00}
	if lo.Compare(hi) >= 0 {
		t.Errorf("Compare treats bytes as signed: %s vs %s", lo, hi)
	}
	if hi.Compare(lo) <= 0 {
		t.Errorf("Compare(%s, %s) <= 0", hi, lo)
	}
	if lo.Compare(lo) != 0 {
		t.Errorf("Compare is not reflexive")
	}
}

func TestTypeFromString(t *testing.T) {
	for _, typ := range []ObjectType{Commit, Tree, Blob, Tag} {
		got, ok := TypeFromString(typ.String())
		if !ok || got != typ {
			t.Errorf("TypeFromString(%q) = %v, %v", typ.String(), got, ok)
		}
	}
	if _, ok := TypeFromString("gadget"); ok {
		t.Error("TypeFromString accepted an unknown name")
	}
}
