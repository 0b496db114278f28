package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version byte = 1

	// KindBare carries a codec payload with no logical-expiry metadata.
	// Written by the pass-through and mutex-rebuild strategies.
	KindBare byte = 1
	// KindExpiring carries a payload plus a logical expire-at timestamp.
	// Written by the logical-expiry strategy; entries never physically expire.
	KindExpiring byte = 2
	// KindNull is a cached "does not exist" marker (penetration guard).
	// It carries no payload and is distinguishable from a plain miss.
	KindNull byte = 3
)

var (
	ErrCorrupt = errors.New("surge: corrupt entry")
	magic4     = [...]byte{'S', 'R', 'G', 'C'}
)

// Entry is a decoded cache envelope.
type Entry struct {
	Kind     byte
	ExpireAt time.Time // valid only for KindExpiring
	Payload  []byte    // nil for KindNull
}

// Expired reports whether a KindExpiring entry's logical deadline has passed.
func (e Entry) Expired(now time.Time) bool {
	return e.Kind == KindExpiring && !e.ExpireAt.After(now)
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Bare: magic(4) | ver(1) | kind(1=bare) | vlen(u32 be) | payload(vlen)
func EncodeBare(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(KindBare)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Expiring: magic(4) | ver(1) | kind(2=expiring) | expireAt unix-milli (u64 be) | vlen(u32 be) | payload(vlen)
func EncodeExpiring(expireAt time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(KindExpiring)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(expireAt.UnixMilli()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Null: magic(4) | ver(1) | kind(3=null)
func EncodeNull() []byte {
	out := make([]byte, 0, 6)
	out = append(out, magic4[:]...)
	out = append(out, version, KindNull)
	return out
}

func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return Entry{}, ErrCorrupt
	}

	kind := b[5]
	off := 6

	switch kind {
	case KindNull:
		if len(b) != hdr {
			return Entry{}, ErrCorrupt
		}
		return Entry{Kind: KindNull}, nil

	case KindBare:
		if off+4 > len(b) {
			return Entry{}, ErrCorrupt
		}
		vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if vlen < 0 || vlen != len(b)-off { // overflow-safe bound check
			return Entry{}, ErrCorrupt
		}
		return Entry{Kind: KindBare, Payload: b[off : off+vlen]}, nil

	case KindExpiring:
		if off+8+4 > len(b) {
			return Entry{}, ErrCorrupt
		}
		ms := binary.BigEndian.Uint64(b[off : off+8])
		off += 8
		vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if vlen < 0 || vlen != len(b)-off {
			return Entry{}, ErrCorrupt
		}
		return Entry{
			Kind:     KindExpiring,
			ExpireAt: time.UnixMilli(int64(ms)),
			Payload:  b[off : off+vlen],
		}, nil

	default:
		return Entry{}, ErrCorrupt
	}
}
