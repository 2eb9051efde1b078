package objstore

import (
	"errors"
	"fmt"
)

// CorruptError reports an on-disk format violation: a bad magic number,
// a size prefix that runs off the end of its buffer, a trailing checksum
// mismatch, or an out-of-order index. These are fatal for the file that
// produced them.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	if e.Path == "" {
		return "objstore: corrupt data: " + e.Reason
	}
	return fmt.Sprintf("objstore: %s: %s", e.Path, e.Reason)
}

func corruptf(path, format string, args ...any) error {
	return &CorruptError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// ErrObjectMissing is wrapped by lookups for ids that exist nowhere in
// the store.
var ErrObjectMissing = errors.New("objstore: object not found")
