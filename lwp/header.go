// Package lwp implements the Lance Wire Protocol framing layer: the 44-byte
// frame header with dual CRC32C integrity, flag semantics, control command
// codes, and builders for the frame types a client emits.
//
// Wire format (44 bytes, little-endian):
//
//	Offset  Size  Field
//	0       4     Magic ("LANC")
//	4       1     Version
//	5       1     Flags
//	6       2     Reserved (written as zero)
//	8       4     Header CRC32C (over bytes 0..7)
//	12      8     Batch ID (command code on control frames)
//	20      8     Timestamp NS
//	28      4     Record Count
//	32      4     Payload Length
//	36      4     Payload CRC32C (0 iff payload empty)
//	40      4     Topic ID
package lwp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// HeaderSize is the fixed size of every frame header.
	HeaderSize = 44
	// Version is the protocol version this package speaks.
	Version = 1
	// DefaultPort is the conventional Lance server port.
	DefaultPort = 1992
	// MaxRecordSize is the size limit for a single record's payload; the
	// frame builders and the client surfaces do not check records against it.
	MaxRecordSize = 16 * 1024 * 1024
)

// Magic identifies an LWP frame. Literal bytes "LANC".
var Magic = [4]byte{'L', 'A', 'N', 'C'}

// ErrInvalidFrame is returned when a header or payload fails validation
// (short buffer, bad magic, CRC mismatch).
var ErrInvalidFrame = errors.New("lwp: invalid frame")

// Flags is the bit union carried in header byte 5.
type Flags uint8

const (
	FlagCompressed   Flags = 0x01
	FlagEncrypted    Flags = 0x02
	FlagBatchMode    Flags = 0x04
	FlagAck          Flags = 0x08
	FlagBackpressure Flags = 0x10
	FlagKeepalive    Flags = 0x20
	FlagControl      Flags = 0x40
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C (Castagnoli) of p.
func Checksum(p []byte) uint32 {
	return crc32.Checksum(p, castagnoli)
}

// Header is a parsed LWP frame header.
type Header struct {
	Version       uint8
	Flags         Flags
	HeaderCRC     uint32
	BatchID       uint64
	TimestampNS   uint64
	RecordCount   uint32
	PayloadLength uint32
	PayloadCRC    uint32
	TopicID       uint32
}

func (h Header) IsAck() bool          { return h.Flags&FlagAck != 0 }
func (h Header) IsKeepalive() bool    { return h.Flags&FlagKeepalive != 0 }
func (h Header) IsBackpressure() bool { return h.Flags&FlagBackpressure != 0 }
func (h Header) IsControl() bool      { return h.Flags&FlagControl != 0 }
func (h Header) IsBatch() bool        { return h.Flags&FlagBatchMode != 0 }
func (h Header) IsCompressed() bool   { return h.Flags&FlagCompressed != 0 }

// Command returns the control command carried in the batch_id field.
// ok is false when the frame is not a control frame.
func (h Header) Command() (Command, bool) {
	if !h.IsControl() {
		return 0, false
	}
	return Command(h.BatchID), true
}

// Encode serializes the header to 44 bytes, computing the header CRC over
// bytes 0..7 with the reserved field as zero.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	buf[4] = h.Version
	buf[5] = byte(h.Flags)
	// bytes 6..7 reserved, left zero
	binary.LittleEndian.PutUint32(buf[8:12], Checksum(buf[0:8]))
	binary.LittleEndian.PutUint64(buf[12:20], h.BatchID)
	binary.LittleEndian.PutUint64(buf[20:28], h.TimestampNS)
	binary.LittleEndian.PutUint32(buf[28:32], h.RecordCount)
	binary.LittleEndian.PutUint32(buf[32:36], h.PayloadLength)
	binary.LittleEndian.PutUint32(buf[36:40], h.PayloadCRC)
	binary.LittleEndian.PutUint32(buf[40:44], h.TopicID)
	return buf
}

// DecodeHeader parses a 44-byte buffer into a Header, validating the magic
// and the header CRC.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: buffer too small: %d < %d", ErrInvalidFrame, len(buf), HeaderSize)
	}
	if [4]byte(buf[0:4]) != Magic {
		return h, fmt.Errorf("%w: bad magic % X", ErrInvalidFrame, buf[0:4])
	}
	got := binary.LittleEndian.Uint32(buf[8:12])
	if want := Checksum(buf[0:8]); got != want {
		return h, fmt.Errorf("%w: header CRC mismatch: got %#08x, want %#08x", ErrInvalidFrame, got, want)
	}
	h.Version = buf[4]
	h.Flags = Flags(buf[5])
	h.HeaderCRC = got
	h.BatchID = binary.LittleEndian.Uint64(buf[12:20])
	h.TimestampNS = binary.LittleEndian.Uint64(buf[20:28])
	h.RecordCount = binary.LittleEndian.Uint32(buf[28:32])
	h.PayloadLength = binary.LittleEndian.Uint32(buf[32:36])
	h.PayloadCRC = binary.LittleEndian.Uint32(buf[36:40])
	h.TopicID = binary.LittleEndian.Uint32(buf[40:44])
	return h, nil
}

// VerifyPayload checks payload bytes against the header's payload CRC.
// A zero PayloadCRC skips verification (empty payloads carry no CRC).
func (h Header) VerifyPayload(payload []byte) error {
	if h.PayloadCRC == 0 {
		return nil
	}
	if got := Checksum(payload); got != h.PayloadCRC {
		return fmt.Errorf("%w: payload CRC mismatch: got %#08x, want %#08x", ErrInvalidFrame, got, h.PayloadCRC)
	}
	return nil
}
