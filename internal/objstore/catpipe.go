package objstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// CatPipe is the read side of the store: it resolves object ids against
// loose objects and every pack in the repository, and reconstructs the
// byte stream an object graph encodes.
type CatPipe struct {
	repo *Repo
	mpi  *MultiPackIndex
}

// NewCatPipe opens a reader over the repository's object store.
func NewCatPipe(repo *Repo) (*CatPipe, error) {
	mpi, err := OpenMultiPackIndex(repo.PackDir())
	if err != nil {
		return nil, err
	}
	return &CatPipe{repo: repo, mpi: mpi}, nil
}

// Close releases the pack mappings.
func (c *CatPipe) Close() error {
	if c.mpi == nil {
		return nil
	}
	mpi := c.mpi
	c.mpi = nil
	return mpi.Close()
}

// Get returns the type and content of the object id, looking at loose
// objects first and then the packs.
func (c *CatPipe) Get(id ObjectID) (ObjectType, []byte, error) {
	hex := id.Hex()
	loose := c.repo.Sub("objects", hex[:2], hex[2:])
	if buf, err := os.ReadFile(loose); err == nil {
		t, content, err := decodeLooseObj(buf)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: %w", loose, err)
		}
		return t, content, nil
	}

	idxName, ok := c.mpi.Contains(id)
	if !ok || idxName == "" {
		// The in-flight sentinel ("" name) has no readable pack either.
		return 0, nil, fmt.Errorf("%w: %s", ErrObjectMissing, hex)
	}
	ix, err := OpenPackIndex(idxName)
	if err != nil {
		return 0, nil, err
	}
	defer ix.Close()
	ofs, ok := ix.FindOffset(id)
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrObjectMissing, hex)
	}
	packPath := strings.TrimSuffix(idxName, ".idx") + ".pack"
	return readPackedObjectAt(packPath, ofs)
}

// readPackedObjectAt reads one non-delta object record from a pack file.
func readPackedObjectAt(packPath string, offset int64) (ObjectType, []byte, error) {
	f, err := os.Open(packPath)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, nil, err
	}
	br := bufio.NewReader(f)
	t, size, err := readObjHeader(br)
	if err != nil {
		return 0, nil, corruptf(packPath, "object at %d: %v", offset, err)
	}
	zr, err := zlib.NewReader(br)
	if err != nil {
		return 0, nil, corruptf(packPath, "object at %d: %v", offset, err)
	}
	defer zr.Close()
	content := make([]byte, 0, size)
	buf := bytes.NewBuffer(content)
	if _, err := io.Copy(buf, zr); err != nil {
		return 0, nil, corruptf(packPath, "object at %d: inflate: %v", offset, err)
	}
	if uint64(buf.Len()) != size {
		return 0, nil, corruptf(packPath, "object at %d: size %d, header says %d", offset, buf.Len(), size)
	}
	return t, buf.Bytes(), nil
}

// parseTree splits a tree object's content into entries.
func parseTree(buf []byte) ([]TreeEntry, error) {
	var out []TreeEntry
	for len(buf) > 0 {
		nul := bytes.IndexByte(buf, 0)
		if nul <= 0 || nul+1+20 > len(buf) {
			return nil, corruptf("", "malformed tree entry")
		}
		sp := bytes.IndexByte(buf[:nul], ' ')
		if sp <= 0 {
			return nil, corruptf("", "malformed tree entry header %q", buf[:nul])
		}
		var e TreeEntry
		e.Mode = string(buf[:sp])
		e.Name = string(buf[sp+1 : nul])
		copy(e.ID[:], buf[nul+1:nul+21])
		out = append(out, e)
		buf = buf[nul+21:]
	}
	return out, nil
}

// Join streams the concatenated blob content of the graph rooted at the
// given hex id: blobs yield their bytes, trees join each child in
// order, commits join their tree. Tree descent uses an explicit stack.
func (c *CatPipe) Join(w io.Writer, idHex string) error {
	root, err := ParseID(idHex)
	if err != nil {
		return err
	}
	stack := []ObjectID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		t, content, err := c.Get(id)
		if err != nil {
			return err
		}
		switch t {
		case Blob:
			if _, err := w.Write(content); err != nil {
				return err
			}
		case Tree:
			entries, err := parseTree(content)
			if err != nil {
				return fmt.Errorf("tree %s: %w", id, err)
			}
			// Children push in reverse so they pop in tree order.
			for i := len(entries) - 1; i >= 0; i-- {
				stack = append(stack, entries[i].ID)
			}
		case Commit:
			line, _, _ := strings.Cut(string(content), "\n")
			after, ok := strings.CutPrefix(line, "tree ")
			if !ok {
				return corruptf("", "commit %s has no tree line", id)
			}
			tree, err := ParseID(after)
			if err != nil {
				return fmt.Errorf("commit %s: %w", id, err)
			}
			stack = append(stack, tree)
		default:
			return fmt.Errorf("objstore: cannot join object type %s", t)
		}
	}
	return nil
}
