// Package proto implements the framed command channel between a client
// and a server sharing a byte-stream pair: newline-framed command and
// status lines, uint32-length-prefixed frames for bulk data, and the
// blank-line-then-"ok" synchronisation every command ends with.
package proto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// ProtocolError reports a line from the peer that is neither empty nor
// "ok" where a success marker was required. The channel is unusable
// afterwards.
type ProtocolError struct {
	Line string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("proto: expected \"ok\", got %q", e.Line)
}

// Conn frames messages over an input/output stream pair. Writes are
// buffered; every read flushes pending output first, since the peer
// only answers what it has seen.
type Conn struct {
	in  *bufio.Reader
	out *bufio.Writer
}

// NewConn wraps a stream pair.
func NewConn(in io.Reader, out io.Writer) *Conn {
	return &Conn{
		in:  bufio.NewReaderSize(in, 1<<16),
		out: bufio.NewWriterSize(out, 1<<16),
	}
}

// Flush forces buffered output to the peer.
func (c *Conn) Flush() error { return c.out.Flush() }

// WriteLine sends one newline-terminated line.
func (c *Conn) WriteLine(format string, args ...any) error {
	if _, err := fmt.Fprintf(c.out, format, args...); err != nil {
		return err
	}
	return c.out.WriteByte('\n')
}

// Write sends raw bytes.
func (c *Conn) Write(p []byte) (int, error) { return c.out.Write(p) }

// ReadLine returns the next line without its trailing newline.
func (c *Conn) ReadLine() (string, error) {
	if err := c.out.Flush(); err != nil {
		return "", err
	}
	line, err := c.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// ReadFull fills buf from the peer.
func (c *Conn) ReadFull(buf []byte) error {
	if err := c.out.Flush(); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.in, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("proto: short read: %w", err)
	}
	return nil
}

// WriteFrame sends one length-prefixed frame. A nil or empty payload is
// the zero frame that terminates a stream.
func (c *Conn) WriteFrame(p []byte) error {
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], uint32(len(p)))
	if _, err := c.out.Write(be[:]); err != nil {
		return err
	}
	_, err := c.out.Write(p)
	return err
}

// ReadFrame returns the next frame's payload; a zero-length frame
// returns (nil, nil).
func (c *Conn) ReadFrame() ([]byte, error) {
	var be [4]byte
	if err := c.ReadFull(be[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(be[:])
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if err := c.ReadFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SendOK writes the blank-line-plus-ok marker that ends every command.
func (c *Conn) SendOK() error {
	if _, err := c.out.WriteString("\nok\n"); err != nil {
		return err
	}
	return c.out.Flush()
}

// CheckOK reads lines until the success marker, skipping empties. Any
// other line is a ProtocolError; end of stream means the peer died
// before confirming.
func (c *Conn) CheckOK() error {
	for {
		line, err := c.ReadLine()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("proto: peer exited before confirming: %w", io.ErrUnexpectedEOF)
			}
			return err
		}
		switch line {
		case "":
			continue
		case "ok":
			return nil
		default:
			return &ProtocolError{Line: line}
		}
	}
}
