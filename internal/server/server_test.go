package server

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rybkr/bup/internal/proto"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runServer feeds input to a server and returns its full output.
func runServer(t *testing.T, input string) (string, error) {
	t.Helper()
	var out strings.Builder
	srv := New(strings.NewReader(input), &out, quietLogger())
	err := srv.Run()
	return out.String(), err
}

func TestQuit(t *testing.T) {
	out, err := runServer(t, "quit\n")
	if err != nil {
		t.Fatalf("Run = %v", err)
	}
	if out != "" {
		t.Errorf("quit produced output %q", out)
	}
}

func TestEndOfStreamIsClean(t *testing.T) {
	if _, err := runServer(t, ""); err != nil {
		t.Errorf("EOF without quit = %v", err)
	}
}

func TestUnknownCommandIsFatal(t *testing.T) {
	out, err := runServer(t, "frobnicate\n")
	if err == nil {
		t.Fatal("unknown command accepted")
	}
	if !strings.Contains(out, "error:") {
		t.Errorf("no error line sent before teardown: %q", out)
	}
}

func TestCommandsRequireRepository(t *testing.T) {
	for _, cmd := range []string{"list-indexes", "read-ref x", "receive-objects", "cat 00"} {
		if _, err := runServer(t, cmd+"\n"); err == nil {
			t.Errorf("%q without a repository accepted", cmd)
		}
	}
}

func TestSetDirRejectsNonRepository(t *testing.T) {
	dir := t.TempDir()
	if _, err := runServer(t, "set-dir "+dir+"\nquit\n"); err == nil {
		t.Error("set-dir accepted a plain directory")
	}
}

func TestInitDirThenListIndexes(t *testing.T) {
	dir := t.TempDir() + "/repo"
	out, err := runServer(t, "init-dir "+dir+"\nlist-indexes\nquit\n")
	if err != nil {
		t.Fatalf("Run = %v (output %q)", err, out)
	}
	// Two commands, two ok markers, no index lines in a fresh repo.
	if got := strings.Count(out, "\nok\n"); got != 2 {
		t.Errorf("output %q has %d ok markers, want 2", out, got)
	}
}

func TestSendIndexValidatesName(t *testing.T) {
	dir := t.TempDir() + "/repo"
	for _, name := range []string{"../../etc/passwd", "not-an-index", "a/b.idx"} {
		input := "init-dir " + dir + "\nsend-index " + name + "\n"
		if _, err := runServer(t, input); err == nil {
			t.Errorf("send-index %q accepted", name)
		}
	}
}

// A truncated frame must fail receive-objects and leave neither a temp
// pack nor a finalised pack behind; the client-side test exercises the
// full path.
func TestReceiveObjectsAbortsOnTruncatedStream(t *testing.T) {
	dir := t.TempDir() + "/repo"
	var out strings.Builder
	var in strings.Builder
	in.WriteString("init-dir " + dir + "\nreceive-objects\n")
	// One frame header promising more bytes than arrive.
	in.Write([]byte{0, 0, 1, 0})
	in.WriteString("short")

	srv := New(strings.NewReader(in.String()), &out, quietLogger())
	if err := srv.Run(); err == nil {
		t.Fatal("truncated receive-objects accepted")
	}
	temp, _ := filepath.Glob(filepath.Join(dir, "objects", "*.pack"))
	final, _ := filepath.Glob(filepath.Join(dir, "objects", "pack", "*.pack"))
	if len(temp)+len(final) != 0 {
		t.Errorf("truncated stream left packs behind: %v %v", temp, final)
	}
}

// The error line sent on failure must be something CheckOK treats as
// fatal, not something it skips.
func TestErrorLineIsProtocolViolation(t *testing.T) {
	out, err := runServer(t, "set-dir /does/not/exist\n")
	if err == nil {
		t.Fatal("set-dir of a missing path accepted")
	}
	line, _, _ := strings.Cut(out, "\n")
	if line == "" || line == "ok" {
		t.Fatalf("error line %q would be skipped by the client", line)
	}
	c := proto.NewConn(strings.NewReader(out), io.Discard)
	var pe *proto.ProtocolError
	if err := c.CheckOK(); !errors.As(err, &pe) {
		t.Errorf("client-side CheckOK on %q = %v, want ProtocolError", out, err)
	}
}
