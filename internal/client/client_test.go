package client

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rybkr/bup/internal/objstore"
	"github.com/rybkr/bup/internal/server"
)

type testPeer struct {
	client    *Client
	serverDir string
	cachedir  string
	srvDone   chan error
	closeEnds func()
}

// startPeer wires a client to an in-process server over pipes, with the
// server told to initialise a fresh repository.
func startPeer(t *testing.T) *testPeer {
	t.Helper()
	serverDir := filepath.Join(t.TempDir(), "repo")
	cachedir := t.TempDir()

	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := server.New(serverIn, serverOut, quiet)
	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	c, err := New(clientIn, clientOut, cachedir, serverDir, true)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return &testPeer{
		client:    c,
		serverDir: serverDir,
		cachedir:  cachedir,
		srvDone:   done,
		closeEnds: func() {
			clientOut.Close()
			serverOut.Close()
		},
	}
}

func (p *testPeer) shutdown(t *testing.T) {
	t.Helper()
	if err := p.client.Close(); err != nil {
		t.Errorf("client close: %v", err)
	}
	if err := <-p.srvDone; err != nil {
		t.Errorf("server exit: %v", err)
	}
	p.closeEnds()
}

func TestReceiveObjectsAndRefs(t *testing.T) {
	p := startPeer(t)

	if err := p.client.SyncIndexes(); err != nil {
		t.Fatal(err)
	}
	pw, err := p.client.NewPackWriter()
	if err != nil {
		t.Fatal(err)
	}
	contents := []string{"one", "two", "three"}
	ids := make([]objstore.ObjectID, len(contents))
	for i, c := range contents {
		if ids[i], err = pw.NewBlob([]byte(c)); err != nil {
			t.Fatal(err)
		}
	}
	if err := pw.Close(); err != nil {
		t.Fatal(err)
	}

	// The server finalised one pack holding all three objects.
	matches, err := filepath.Glob(filepath.Join(p.serverDir, "objects", "pack", "*.idx"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("server pack dir: %v, %v", matches, err)
	}
	ix, err := objstore.OpenPackIndex(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if !ix.Exists(id) {
			t.Errorf("server index missing %s", id)
		}
	}
	ix.Close()

	// Refs: absent, then created with a zero old value, then read back.
	if _, ok, err := p.client.ReadRef("refs/heads/main"); err != nil || ok {
		t.Fatalf("ReadRef(absent) = ok=%v err=%v", ok, err)
	}
	if err := p.client.UpdateRef("refs/heads/main", ids[0], objstore.ObjectID{}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := p.client.ReadRef("refs/heads/main")
	if err != nil || !ok || got != ids[0] {
		t.Fatalf("ReadRef after update = (%s, %v, %v)", got, ok, err)
	}

	p.shutdown(t)
}

// A fetched index must be byte-identical to the server's copy.
func TestSyncIndexesMirrorsServer(t *testing.T) {
	p := startPeer(t)

	if err := p.client.SyncIndexes(); err != nil {
		t.Fatal(err)
	}
	pw, err := p.client.NewPackWriter()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pw.NewBlob([]byte("mirrored")); err != nil {
		t.Fatal(err)
	}
	if err := pw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := p.client.SyncIndexes(); err != nil {
		t.Fatal(err)
	}
	serverIdx, err := filepath.Glob(filepath.Join(p.serverDir, "objects", "pack", "*.idx"))
	if err != nil || len(serverIdx) != 1 {
		t.Fatalf("server idx glob: %v, %v", serverIdx, err)
	}
	want, err := os.ReadFile(serverIdx[0])
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(p.cachedir, filepath.Base(serverIdx[0])))
	if err != nil {
		t.Fatalf("cache copy missing: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("cached index differs from the server's")
	}

	// A second writer session now deduplicates against the mirror.
	pw2, err := p.client.NewPackWriter()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pw2.NewBlob([]byte("mirrored")); err != nil {
		t.Fatal(err)
	}
	if pw2.Count() != 0 {
		t.Errorf("re-sent %d objects the server already has", pw2.Count())
	}
	if err := pw2.Close(); err != nil {
		t.Fatal(err)
	}

	p.shutdown(t)
}

func TestCatStreamsAndBusyInterlock(t *testing.T) {
	p := startPeer(t)

	if err := p.client.SyncIndexes(); err != nil {
		t.Fatal(err)
	}
	pw, err := p.client.NewPackWriter()
	if err != nil {
		t.Fatal(err)
	}
	content := strings.Repeat("streamed content ", 10000)
	id, err := pw.NewBlob([]byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if err := pw.Close(); err != nil {
		t.Fatal(err)
	}

	cr, err := p.client.Cat(id.Hex())
	if err != nil {
		t.Fatal(err)
	}

	// Mid-stream, every other command is refused.
	var be *BusyError
	if _, _, err := p.client.ReadRef("refs/heads/main"); !errors.As(err, &be) {
		t.Fatalf("ReadRef during cat = %v, want BusyError", err)
	}
	if err := p.client.SyncIndexes(); !errors.As(err, &be) {
		t.Fatalf("SyncIndexes during cat = %v, want BusyError", err)
	}

	got, err := io.ReadAll(cr)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Fatalf("cat returned %d bytes, want %d", len(got), len(content))
	}

	// Draining the stream released the channel.
	if _, _, err := p.client.ReadRef("refs/heads/main"); err != nil {
		t.Errorf("ReadRef after cat: %v", err)
	}

	p.shutdown(t)
}

func TestBusyWriterBlocksCommands(t *testing.T) {
	p := startPeer(t)
	if err := p.client.SyncIndexes(); err != nil {
		t.Fatal(err)
	}
	pw, err := p.client.NewPackWriter()
	if err != nil {
		t.Fatal(err)
	}
	var be *BusyError
	if _, err := p.client.NewPackWriter(); !errors.As(err, &be) {
		t.Fatalf("second writer = %v, want BusyError", err)
	}
	if err := pw.Close(); err != nil {
		t.Fatal(err)
	}
	p.shutdown(t)
}

func TestNewPackWriterRequiresSync(t *testing.T) {
	p := startPeer(t)
	if _, err := p.client.NewPackWriter(); !errors.Is(err, ErrIndexesNotSynced) {
		t.Errorf("NewPackWriter before sync = %v", err)
	}
	p.shutdown(t)
}
