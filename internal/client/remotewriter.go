package client

import (
	"time"

	"github.com/rybkr/bup/internal/objstore"
	"github.com/rybkr/bup/internal/proto"
)

// RemotePackWriter mirrors the local pack writer over a receive-objects
// stream: each object becomes one frame carrying its encoded record,
// and a zero frame ends the pack. Deduplication consults the synced
// mirror of the server's indexes plus the set written this session.
type RemotePackWriter struct {
	conn    *proto.Conn
	cache   objstore.ObjCache
	count   uint32
	onClose func()
	closed  bool
}

// Write sends content unconditionally and returns its id.
func (w *RemotePackWriter) Write(t objstore.ObjectType, content []byte) (objstore.ObjectID, error) {
	id := objstore.CalcHash(t, content)
	if err := w.send(t, content); err != nil {
		return objstore.ObjectID{}, err
	}
	return id, nil
}

// MaybeWrite sends content only if the server does not already have
// it, and returns its id either way.
func (w *RemotePackWriter) MaybeWrite(t objstore.ObjectType, content []byte) (objstore.ObjectID, error) {
	id := objstore.CalcHash(t, content)
	if w.cache.Exists(id) {
		return id, nil
	}
	if err := w.send(t, content); err != nil {
		return objstore.ObjectID{}, err
	}
	w.cache.Add(id)
	return id, nil
}

func (w *RemotePackWriter) send(t objstore.ObjectType, content []byte) error {
	rec, err := objstore.EncodeRecord(t, content)
	if err != nil {
		return err
	}
	if err := w.conn.WriteFrame(rec); err != nil {
		return err
	}
	w.count++
	return nil
}

// NewBlob stores bytes as a blob.
func (w *RemotePackWriter) NewBlob(content []byte) (objstore.ObjectID, error) {
	return w.MaybeWrite(objstore.Blob, content)
}

// NewTree stores a tree over entries.
func (w *RemotePackWriter) NewTree(entries []objstore.TreeEntry) (objstore.ObjectID, error) {
	buf, err := objstore.EncodeTree(entries)
	if err != nil {
		return objstore.ObjectID{}, err
	}
	return w.MaybeWrite(objstore.Tree, buf)
}

// NewCommit stores a commit pointing at tree with an optional parent.
func (w *RemotePackWriter) NewCommit(parent, tree objstore.ObjectID, msg string) (objstore.ObjectID, error) {
	return w.MaybeWrite(objstore.Commit, objstore.EncodeCommit(parent, tree, msg, time.Now()))
}

// Count returns the number of objects sent this session.
func (w *RemotePackWriter) Count() uint32 { return w.count }

// Close ends the stream with a zero frame, waits for the server to
// finalise its pack, and releases the channel.
func (w *RemotePackWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.release()
	if err := w.conn.WriteFrame(nil); err != nil {
		return err
	}
	return w.conn.CheckOK()
}

func (w *RemotePackWriter) release() {
	if w.cache != nil {
		w.cache.Close()
		w.cache = nil
	}
	if w.onClose != nil {
		w.onClose()
		w.onClose = nil
	}
}
