// Package tlv implements the Type-Length-Value record format carried in LWP
// payloads.
//
// Each record is a 1-byte type, a little-endian u32 length, then that many
// value bytes. Records pack contiguously with no alignment padding.
package tlv

import "encoding/binary"

// Type identifies a record's value encoding.
type Type uint8

const (
	TypeReserved       Type = 0x00
	TypeRawData        Type = 0x01
	TypeJSON           Type = 0x02
	TypeMsgpack        Type = 0x03
	TypeProtobuf       Type = 0x04
	TypeAvro           Type = 0x05
	TypeKeyValue       Type = 0x10
	TypeTimestamped    Type = 0x11
	TypeKeyTimestamped Type = 0x12
	TypeNull           Type = 0xFF
)

const headerSize = 5

// Record is a single TLV record.
type Record struct {
	Type  Type
	Value []byte
}

// TotalSize is the encoded size of the record including its 5-byte header.
func (r Record) TotalSize() int { return headerSize + len(r.Value) }

// Append encodes the record onto dst and returns the extended slice.
func (r Record) Append(dst []byte) []byte {
	var hdr [headerSize]byte
	hdr[0] = byte(r.Type)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(r.Value)))
	dst = append(dst, hdr[:]...)
	return append(dst, r.Value...)
}

// Encode returns the record's wire bytes.
func (r Record) Encode() []byte {
	return r.Append(make([]byte, 0, r.TotalSize()))
}

// Raw creates a RawData record.
func Raw(data []byte) Record { return Record{Type: TypeRawData, Value: data} }

// JSON creates a JSON record from already-encoded JSON bytes.
func JSON(data []byte) Record { return Record{Type: TypeJSON, Value: data} }

// KeyValue creates a KeyValue record: u16 key length, key bytes, value bytes.
func KeyValue(key string, value []byte) Record {
	kb := []byte(key)
	v := make([]byte, 2+len(kb)+len(value))
	binary.LittleEndian.PutUint16(v, uint16(len(kb)))
	copy(v[2:], kb)
	copy(v[2+len(kb):], value)
	return Record{Type: TypeKeyValue, Value: v}
}

// Timestamped creates a Timestamped record: u64 timestamp_ns, then data.
func Timestamped(timestampNS uint64, data []byte) Record {
	v := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(v, timestampNS)
	copy(v[8:], data)
	return Record{Type: TypeTimestamped, Value: v}
}

// Null creates a Null/tombstone record with an empty value.
func Null() Record { return Record{Type: TypeNull} }

// AsKeyValue parses a KeyValue record's nested layout. A value too short to
// hold a key length parses as an empty key with the value passed through.
func (r Record) AsKeyValue() (string, []byte) {
	if len(r.Value) < 2 {
		return "", r.Value
	}
	kl := int(binary.LittleEndian.Uint16(r.Value))
	if 2+kl > len(r.Value) {
		kl = len(r.Value) - 2
	}
	return string(r.Value[2 : 2+kl]), r.Value[2+kl:]
}

// AsTimestamped parses a Timestamped record's nested layout. A value shorter
// than the timestamp parses as timestamp 0 with the value passed through.
func (r Record) AsTimestamped() (uint64, []byte) {
	if len(r.Value) < 8 {
		return 0, r.Value
	}
	return binary.LittleEndian.Uint64(r.Value), r.Value[8:]
}

// EncodeRecords packs records into one contiguous payload.
func EncodeRecords(records []Record) []byte {
	var n int
	for _, r := range records {
		n += r.TotalSize()
	}
	buf := make([]byte, 0, n)
	for _, r := range records {
		buf = r.Append(buf)
	}
	return buf
}

// DecodeRecords walks payload and returns the packed records. A truncated
// tail (fewer than 5 header bytes, or a value running past the buffer) is
// silently dropped. expectedCount > 0 bounds the number of records returned.
func DecodeRecords(payload []byte, expectedCount int) []Record {
	var records []Record
	off := 0
	for off+headerSize <= len(payload) {
		if expectedCount > 0 && len(records) >= expectedCount {
			break
		}
		t := Type(payload[off])
		length := int(binary.LittleEndian.Uint32(payload[off+1 : off+headerSize]))
		end := off + headerSize + length
		if end > len(payload) {
			break
		}
		records = append(records, Record{Type: t, Value: payload[off+headerSize : end]})
		off = end
	}
	return records
}
