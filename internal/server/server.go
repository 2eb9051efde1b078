// Package server implements the store side of the framed protocol: a
// command loop over a stream pair (normally the stdio of a subprocess
// tunnel) that exposes a repository's indexes, objects and refs.
package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rybkr/bup/internal/objstore"
	"github.com/rybkr/bup/internal/proto"
)

// Server answers one client over one channel. The client enforces the
// busy interlock; the server just processes commands in order.
type Server struct {
	conn   *proto.Conn
	repo   *objstore.Repo
	logger *slog.Logger
}

// New prepares a server over the given stream pair. No repository is
// selected until the client sends init-dir or set-dir.
func New(in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{conn: proto.NewConn(in, out), logger: logger}
}

// Run processes commands until quit or end of stream. A returned error
// means the channel died or a command hit a fatal condition; the tunnel
// exits non-zero and the client surfaces it.
func (s *Server) Run() error {
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		s.logger.Debug("command", "cmd", cmd, "arg", arg)
		switch cmd {
		case "":
			continue
		case "quit":
			return s.conn.Flush()
		case "init-dir":
			err = s.initDir(arg)
		case "set-dir":
			err = s.setDir(arg)
		case "list-indexes":
			err = s.listIndexes()
		case "send-index":
			err = s.sendIndex(arg)
		case "receive-objects":
			err = s.receiveObjects()
		case "read-ref":
			err = s.readRef(arg)
		case "update-ref":
			err = s.updateRef(arg)
		case "cat":
			err = s.cat(arg)
		default:
			err = fmt.Errorf("server: unknown command %q", cmd)
		}
		if err != nil {
			// Anything that is not the ok marker is fatal for the
			// client, so report once and tear the channel down.
			s.logger.Error("command failed", "cmd", cmd, "err", err)
			s.conn.WriteLine("error: %v", err)
			s.conn.Flush()
			return err
		}
	}
}

func (s *Server) needRepo() (*objstore.Repo, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("server: no repository selected")
	}
	return s.repo, nil
}

func (s *Server) initDir(dir string) error {
	repo, err := objstore.Init(dir)
	if err != nil {
		return err
	}
	s.repo = repo
	return s.conn.SendOK()
}

func (s *Server) setDir(dir string) error {
	repo, err := objstore.Open(dir)
	if err != nil {
		return err
	}
	s.repo = repo
	return s.conn.SendOK()
}

// listIndexes writes one .idx base name per line, then the ok marker.
func (s *Server) listIndexes() error {
	repo, err := s.needRepo()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(repo.PackDir())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), ".idx") {
			if err := s.conn.WriteLine("%s", ent.Name()); err != nil {
				return err
			}
		}
	}
	return s.conn.SendOK()
}

// sendIndex streams one index file: a uint32 length then the bytes.
func (s *Server) sendIndex(name string) error {
	repo, err := s.needRepo()
	if err != nil {
		return err
	}
	if name == "" || strings.Contains(name, "/") || !strings.HasSuffix(name, ".idx") {
		return fmt.Errorf("server: bad index name %q", name)
	}
	buf, err := os.ReadFile(filepath.Join(repo.PackDir(), name))
	if err != nil {
		return err
	}
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], uint32(len(buf)))
	if _, err := s.conn.Write(be[:]); err != nil {
		return err
	}
	if _, err := s.conn.Write(buf); err != nil {
		return err
	}
	return s.conn.SendOK()
}

// receiveObjects appends client frames to a fresh pack, one object
// record per frame, and finalises the pack on the zero frame.
func (s *Server) receiveObjects() error {
	repo, err := s.needRepo()
	if err != nil {
		return err
	}
	pw := objstore.NewPackWriter(repo, nil)
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			pw.Abort()
			return err
		}
		if frame == nil {
			name, err := pw.Close()
			if err != nil {
				pw.Abort()
				return err
			}
			s.logger.Info("received pack", "name", filepath.Base(name), "objects", pw.Count())
			return s.conn.SendOK()
		}
		if err := pw.AppendRecord(frame); err != nil {
			pw.Abort()
			return err
		}
	}
}

// readRef writes the ref's hex value, or an empty line when absent.
func (s *Server) readRef(name string) error {
	repo, err := s.needRepo()
	if err != nil {
		return err
	}
	id, ok, err := repo.ReadRef(name)
	if err != nil {
		return err
	}
	val := ""
	if ok {
		val = id.Hex()
	}
	if err := s.conn.WriteLine("%s", val); err != nil {
		return err
	}
	return s.conn.SendOK()
}

// updateRef reads the new and old values on the two following lines and
// performs the compare-and-swap.
func (s *Server) updateRef(name string) error {
	repo, err := s.needRepo()
	if err != nil {
		return err
	}
	newLine, err := s.conn.ReadLine()
	if err != nil {
		return err
	}
	oldLine, err := s.conn.ReadLine()
	if err != nil {
		return err
	}
	newVal, err := objstore.ParseID(strings.TrimSpace(newLine))
	if err != nil {
		return err
	}
	var oldVal objstore.ObjectID
	if trimmed := strings.TrimSpace(oldLine); trimmed != "" {
		if oldVal, err = objstore.ParseID(trimmed); err != nil {
			return err
		}
	}
	if err := repo.UpdateRef(name, newVal, oldVal); err != nil {
		return err
	}
	return s.conn.SendOK()
}

// cat streams the joined content of an object graph in frames,
// terminated by a zero frame.
func (s *Server) cat(idHex string) error {
	repo, err := s.needRepo()
	if err != nil {
		return err
	}
	cp, err := objstore.NewCatPipe(repo)
	if err != nil {
		return err
	}
	defer cp.Close()
	fw := &frameWriter{conn: s.conn}
	if err := cp.Join(fw, idHex); err != nil {
		return err
	}
	if err := fw.flush(); err != nil {
		return err
	}
	if err := s.conn.WriteFrame(nil); err != nil {
		return err
	}
	return s.conn.SendOK()
}

// frameWriter batches Join output into bounded frames.
type frameWriter struct {
	conn *proto.Conn
	buf  []byte
}

const frameMax = 1 << 16

func (w *frameWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		room := frameMax - len(w.buf)
		if room == 0 {
			if err := w.flush(); err != nil {
				return n - len(p), err
			}
			room = frameMax
		}
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
		p = p[room:]
	}
	return n, nil
}

func (w *frameWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.conn.WriteFrame(w.buf)
	w.buf = w.buf[:0]
	return err
}
