package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version    byte = 1
	kindRecord byte = 1

	hdrLen = 4 + 1 + 1 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("querycache: corrupt persisted record")
	magic4     = [...]byte{'Q', 'C', 'R', 'D'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Record is one persisted query result.
type Record struct {
	Gen       uint64
	UpdatedAt time.Time
	Payload   []byte
}

// Record: magic(4) | ver(1) | kind(1) | gen(u64 be) | updatedAt(i64 be, unix nano) | vlen(u32 be) | payload(vlen)
func EncodeRecord(r Record) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(r.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindRecord)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], r.Gen)
	buf.Write(u8[:])

	var nanos int64
	if !r.UpdatedAt.IsZero() {
		nanos = r.UpdatedAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(nanos))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(r.Payload)))
	buf.Write(u4[:])

	buf.Write(r.Payload)
	return buf.Bytes()
}

// DecodeRecord parses b. The returned payload aliases b.
// Trailing bytes after the payload are rejected.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindRecord {
		return Record{}, ErrCorrupt
	}

	off := 6

	gen := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	nanos := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Record{}, ErrCorrupt
	}

	var updatedAt time.Time
	if nanos != 0 {
		updatedAt = time.Unix(0, nanos)
	}
	return Record{Gen: gen, UpdatedAt: updatedAt, Payload: b[off : off+vlen]}, nil
}
