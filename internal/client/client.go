// Package client speaks the framed store protocol to a server reached
// through a subprocess tunnel, keeping a local mirror of the server's
// pack indexes so deduplication decisions never cross the wire.
package client

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rybkr/bup/internal/objstore"
	"github.com/rybkr/bup/internal/proto"
)

// BusyError reports an attempted command while a streaming command
// still owns the channel. The channel stays usable once the stream
// finishes.
type BusyError struct {
	Command string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("client: channel busy with %q", e.Command)
}

// ErrIndexesNotSynced is returned by NewPackWriter before SyncIndexes
// has populated the local cache.
var ErrIndexesNotSynced = errors.New("client: indexes not synced")

var cacheNameRe = regexp.MustCompile(`[^@:\w]`)

// Client owns one server tunnel. Exactly one streaming command
// (receive-objects or cat) may be outstanding; everything else checks
// the busy interlock first.
type Client struct {
	host string
	dir  string

	cachedir string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	conn     *proto.Conn

	busy          string
	indexesSynced bool
}

// Dial spawns the server for remote and selects its repository
// directory. remote is "path" for a local subprocess or "host:path"
// for an ssh tunnel. create initialises the remote repository.
func Dial(repo *objstore.Repo, remote string, create bool) (*Client, error) {
	host, dir := "NONE", remote
	var argv []string
	if h, d, ok := strings.Cut(remote, ":"); ok {
		host, dir = h, d
		argv = []string{"ssh", host, "--", "bup", "server"}
	} else {
		exe, err := os.Executable()
		if err != nil {
			exe = "bup"
		}
		argv = []string{exe, "server"}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("client: start server tunnel: %w", err)
	}

	cachedir, err := repo.IndexCacheDir(cacheNameRe.ReplaceAllString(host+":"+dir, "_"))
	if err != nil {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	c := &Client{
		host:     host,
		dir:      dir,
		cachedir: cachedir,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		conn:     proto.NewConn(stdout, stdin),
	}
	if err := c.selectDir(create); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an existing stream pair instead of spawning a subprocess;
// tests and in-process servers use this.
func New(in io.Reader, out io.Writer, cachedir, dir string, create bool) (*Client, error) {
	c := &Client{
		host:     "NONE",
		dir:      dir,
		cachedir: cachedir,
		conn:     proto.NewConn(in, out),
	}
	if err := c.selectDir(create); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) selectDir(create bool) error {
	if c.dir == "" {
		return nil
	}
	dir := strings.NewReplacer("\r", " ", "\n", " ").Replace(c.dir)
	verb := "set-dir"
	if create {
		verb = "init-dir"
	}
	if err := c.conn.WriteLine("%s %s", verb, dir); err != nil {
		return err
	}
	return c.conn.CheckOK()
}

func (c *Client) checkBusy() error {
	if c.busy != "" {
		return &BusyError{Command: c.busy}
	}
	return nil
}

func (c *Client) notBusy() { c.busy = "" }

// Close sends quit if the channel is idle, tears down the tunnel, and
// surfaces a non-zero server exit.
func (c *Client) Close() error {
	var firstErr error
	if c.conn != nil && c.busy == "" {
		if err := c.conn.WriteLine("quit"); err == nil {
			c.conn.Flush()
		}
	}
	c.conn = nil
	if c.stdin != nil {
		c.stdin.Close()
		c.stdin = nil
	}
	if c.stdout != nil {
		io.Copy(io.Discard, c.stdout)
		c.stdout.Close()
		c.stdout = nil
	}
	if c.cmd != nil {
		err := c.cmd.Wait()
		c.cmd = nil
		if err != nil {
			firstErr = fmt.Errorf("client: server tunnel: %w", err)
		}
	}
	return firstErr
}

// SyncIndexes reconciles the local cache with the server's index list:
// indexes the server no longer has are pruned, missing ones are fetched
// into place through a temp file.
func (c *Client) SyncIndexes() error {
	if err := c.checkBusy(); err != nil {
		return err
	}
	if err := c.conn.WriteLine("list-indexes"); err != nil {
		return err
	}
	all := make(map[string]bool)
	var needed []string
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
		if strings.Contains(line, "/") {
			return &proto.ProtocolError{Line: line}
		}
		all[line] = true
		if _, err := os.Stat(filepath.Join(c.cachedir, line)); os.IsNotExist(err) {
			needed = append(needed, line)
		}
	}
	if err := c.conn.CheckOK(); err != nil {
		return err
	}

	entries, err := os.ReadDir(c.cachedir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), ".idx") && !all[ent.Name()] {
			os.Remove(filepath.Join(c.cachedir, ent.Name()))
		}
	}

	for _, name := range needed {
		if err := c.fetchIndex(name); err != nil {
			return err
		}
	}
	c.indexesSynced = true
	return nil
}

func (c *Client) fetchIndex(name string) error {
	if err := c.conn.WriteLine("send-index %s", name); err != nil {
		return err
	}
	var be [4]byte
	if err := c.conn.ReadFull(be[:]); err != nil {
		return err
	}
	n := int64(be[0])<<24 | int64(be[1])<<16 | int64(be[2])<<8 | int64(be[3])
	if n == 0 {
		return fmt.Errorf("client: server sent empty index %q", name)
	}
	path := filepath.Join(c.cachedir, name)
	f, err := os.Create(path + ".tmp")
	if err != nil {
		return err
	}
	buf := make([]byte, 1<<16)
	for n > 0 {
		chunk := buf
		if n < int64(len(chunk)) {
			chunk = chunk[:n]
		}
		if err := c.conn.ReadFull(chunk); err != nil {
			f.Close()
			os.Remove(path + ".tmp")
			return err
		}
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			os.Remove(path + ".tmp")
			return err
		}
		n -= int64(len(chunk))
	}
	if err := c.conn.CheckOK(); err != nil {
		f.Close()
		os.Remove(path + ".tmp")
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path + ".tmp")
		return err
	}
	return os.Rename(path+".tmp", path)
}

// NewPackWriter starts receive-objects and returns a writer whose
// deduplication cache is the synced index mirror. The channel is busy
// until the writer closes or aborts.
func (c *Client) NewPackWriter() (*RemotePackWriter, error) {
	if !c.indexesSynced {
		return nil, ErrIndexesNotSynced
	}
	if err := c.checkBusy(); err != nil {
		return nil, err
	}
	cache, err := objstore.OpenMultiPackIndex(c.cachedir)
	if err != nil {
		return nil, err
	}
	if err := c.conn.WriteLine("receive-objects"); err != nil {
		cache.Close()
		return nil, err
	}
	c.busy = "receive-objects"
	return &RemotePackWriter{conn: c.conn, cache: cache, onClose: c.notBusy}, nil
}

// ReadRef returns the server-side value of a ref, or ok=false when it
// does not exist.
func (c *Client) ReadRef(name string) (objstore.ObjectID, bool, error) {
	if err := c.checkBusy(); err != nil {
		return objstore.ObjectID{}, false, err
	}
	if err := c.conn.WriteLine("read-ref %s", name); err != nil {
		return objstore.ObjectID{}, false, err
	}
	line, err := c.conn.ReadLine()
	if err != nil {
		return objstore.ObjectID{}, false, err
	}
	if err := c.conn.CheckOK(); err != nil {
		return objstore.ObjectID{}, false, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return objstore.ObjectID{}, false, nil
	}
	id, err := objstore.ParseID(line)
	if err != nil {
		return objstore.ObjectID{}, false, err
	}
	return id, true, nil
}

// UpdateRef asks the server for a compare-and-swap ref update.
func (c *Client) UpdateRef(name string, newVal, oldVal objstore.ObjectID) error {
	if err := c.checkBusy(); err != nil {
		return err
	}
	if err := c.conn.WriteLine("update-ref %s\n%s\n%s", name, newVal.Hex(), oldVal.Hex()); err != nil {
		return err
	}
	return c.conn.CheckOK()
}

// Cat streams the reconstructed content of the object graph rooted at
// idHex. The channel is busy until the returned reader drains to its
// terminating zero frame (or is closed).
func (c *Client) Cat(idHex string) (*CatReader, error) {
	if err := c.checkBusy(); err != nil {
		return nil, err
	}
	idHex = strings.NewReplacer("\r", "_", "\n", "_").Replace(idHex)
	if err := c.conn.WriteLine("cat %s", idHex); err != nil {
		return nil, err
	}
	c.busy = "cat"
	return &CatReader{conn: c.conn, onClose: c.notBusy}, nil
}

// CatReader reads the framed response of a cat command.
type CatReader struct {
	conn    *proto.Conn
	onClose func()
	buf     []byte
	done    bool
	err     error
}

func (r *CatReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		frame, err := r.conn.ReadFrame()
		if err != nil {
			r.err = err
			r.finish()
			return 0, err
		}
		if frame == nil {
			r.done = true
			if err := r.conn.CheckOK(); err != nil {
				r.err = err
				r.finish()
				return 0, err
			}
			r.finish()
			return 0, io.EOF
		}
		r.buf = frame
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *CatReader) finish() {
	if r.onClose != nil {
		r.onClose()
		r.onClose = nil
	}
}

// Close drains the stream so the channel returns to idle.
func (r *CatReader) Close() error {
	if r.done || r.err != nil {
		return nil
	}
	_, err := io.Copy(io.Discard, r)
	return err
}
