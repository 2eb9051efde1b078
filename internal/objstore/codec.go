package objstore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// compressionLevel is deliberately low: pack payloads are written once
// and the store trades disk for save throughput.
const compressionLevel = zlib.BestSpeed

// appendObjHeader appends the variable-length pack object prefix for an
// object of the given type and uncompressed size. The low 4 bits of the
// first byte hold the low 4 bits of the size, bits 4-6 hold the type
// code, and the top bit of every byte is a continuation flag; subsequent
// bytes contribute 7 bits each of increasing significance.
func appendObjHeader(dst []byte, t ObjectType, size uint64) []byte {
	b := byte(size&0x0f) | byte(t)<<4
	size >>= 4
	for size > 0 {
		dst = append(dst, b|0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	return append(dst, b)
}

// parseObjHeader decodes a pack object prefix from buf. It returns the
// type, the uncompressed size, and the number of prefix bytes consumed.
// It never reads past the end of buf and rejects prefixes whose size
// would overflow 64 bits.
func parseObjHeader(buf []byte) (t ObjectType, size uint64, n int, err error) {
	if len(buf) == 0 {
		return 0, 0, 0, corruptf("", "empty object record")
	}
	c := buf[0]
	t = ObjectType((c >> 4) & 0x07)
	size = uint64(c & 0x0f)
	shift := uint(4)
	n = 1
	for c&0x80 != 0 {
		if n >= len(buf) {
			return 0, 0, 0, corruptf("", "truncated object size prefix")
		}
		if shift > 63 {
			return 0, 0, 0, corruptf("", "object size prefix overflow")
		}
		c = buf[n]
		size |= uint64(c&0x7f) << shift
		shift += 7
		n++
	}
	if !t.valid() {
		return 0, 0, 0, corruptf("", "invalid object type code %d", t)
	}
	return t, size, n, nil
}

// encodePackObj appends a complete pack object record (size prefix plus
// zlib-compressed content) to dst.
func encodePackObj(dst []byte, t ObjectType, content []byte) ([]byte, error) {
	dst = appendObjHeader(dst, t, uint64(len(content)))
	var zbuf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&zbuf, compressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(content); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return append(dst, zbuf.Bytes()...), nil
}

// EncodeRecord returns the complete pack object record for content:
// the size prefix followed by the compressed payload. The remote pack
// writer frames these records over the wire; the local writer appends
// them to the pack file.
func EncodeRecord(t ObjectType, content []byte) ([]byte, error) {
	return encodePackObj(nil, t, content)
}

// decodePackObj parses a pack object record: the size prefix followed by
// the zlib-compressed payload.
func decodePackObj(buf []byte) (ObjectType, []byte, error) {
	t, size, n, err := parseObjHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(buf[n:]))
	if err != nil {
		return 0, nil, corruptf("", "inflate object: %v", err)
	}
	defer zr.Close()
	content, err := io.ReadAll(zr)
	if err != nil {
		return 0, nil, corruptf("", "inflate object: %v", err)
	}
	if uint64(len(content)) != size {
		return 0, nil, corruptf("", "object size mismatch: header %d, payload %d", size, len(content))
	}
	return t, content, nil
}

// encodeLooseObj returns the loose object form: the deflate of
// "<type> <len>\0<content>".
func encodeLooseObj(t ObjectType, content []byte) ([]byte, error) {
	var zbuf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&zbuf, compressionLevel)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(zw, "%s %d\x00", t, len(content))
	if _, err := zw.Write(content); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return zbuf.Bytes(), nil
}

// decodeLooseObj inflates a loose object and splits the header from the
// content.
func decodeLooseObj(buf []byte) (ObjectType, []byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return 0, nil, corruptf("", "inflate loose object: %v", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return 0, nil, corruptf("", "inflate loose object: %v", err)
	}
	nul := bytes.IndexByte(raw, 0)
	if nul <= 0 {
		return 0, nil, corruptf("", "loose object missing header terminator")
	}
	var typeName string
	var size int
	if _, err := fmt.Sscanf(string(raw[:nul]), "%s %d", &typeName, &size); err != nil {
		return 0, nil, corruptf("", "malformed loose object header %q", raw[:nul])
	}
	t, ok := TypeFromString(typeName)
	if !ok {
		return 0, nil, corruptf("", "unknown loose object type %q", typeName)
	}
	content := raw[nul+1:]
	if len(content) != size {
		return 0, nil, corruptf("", "loose object size mismatch: header %d, payload %d", size, len(content))
	}
	return t, content, nil
}
