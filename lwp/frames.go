package lwp

import "time"

// nowNS is a hook for tests that need deterministic timestamps.
var nowNS = func() uint64 { return uint64(time.Now().UnixNano()) }

// BuildIngestFrame builds a complete Ingest frame (header + payload).
// Ingest frames carry BATCH_MODE, plus COMPRESSED when the payload was
// LZ4-compressed by the caller.
func BuildIngestFrame(payload []byte, batchID uint64, recordCount uint32, topicID uint32, compressed bool) []byte {
	flags := FlagBatchMode
	if compressed {
		flags |= FlagCompressed
	}
	var crc uint32
	if len(payload) > 0 {
		crc = Checksum(payload)
	}
	h := Header{
		Version:       Version,
		Flags:         flags,
		BatchID:       batchID,
		TimestampNS:   nowNS(),
		RecordCount:   recordCount,
		PayloadLength: uint32(len(payload)),
		PayloadCRC:    crc,
		TopicID:       topicID,
	}
	return append(h.Encode(), payload...)
}

// BuildKeepaliveFrame builds a keepalive frame: header only, no payload.
func BuildKeepaliveFrame() []byte {
	h := Header{Version: Version, Flags: FlagKeepalive}
	return h.Encode()
}

// BuildControlFrame builds a control frame. The command code rides in the
// batch_id field.
func BuildControlFrame(cmd Command, payload []byte, topicID uint32) []byte {
	var crc uint32
	if len(payload) > 0 {
		crc = Checksum(payload)
	}
	h := Header{
		Version:       Version,
		Flags:         FlagControl,
		BatchID:       uint64(cmd),
		PayloadLength: uint32(len(payload)),
		PayloadCRC:    crc,
		TopicID:       topicID,
	}
	return append(h.Encode(), payload...)
}
