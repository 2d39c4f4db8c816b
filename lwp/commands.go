package lwp

import "encoding/binary"

// Command is a control frame command code, carried in the batch_id field
// when FlagControl is set.
type Command uint64

const (
	CmdCreateTopic              Command = 0x01
	CmdDeleteTopic              Command = 0x02
	CmdListTopics               Command = 0x03
	CmdGetTopic                 Command = 0x04
	CmdSetRetention             Command = 0x05
	CmdCreateTopicWithRetention Command = 0x06

	CmdFetch         Command = 0x10
	CmdFetchResponse Command = 0x11

	CmdSubscribe    Command = 0x20
	CmdUnsubscribe  Command = 0x21
	CmdCommitOffset Command = 0x22
	CmdSubscribeAck Command = 0x23
	CmdCommitAck    Command = 0x24

	CmdTopicResponse Command = 0x80
	CmdErrorResponse Command = 0xFF
)

// BuildFetchPayload builds a Fetch request payload (16 bytes).
func BuildFetchPayload(topicID uint32, offset uint64, maxBytes uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], topicID)
	binary.LittleEndian.PutUint64(buf[4:12], offset)
	binary.LittleEndian.PutUint32(buf[12:16], maxBytes)
	return buf
}

// BuildSubscribePayload builds a Subscribe request payload (24 bytes).
func BuildSubscribePayload(topicID uint32, startOffset uint64, maxBatchBytes uint32, consumerID uint64) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], topicID)
	binary.LittleEndian.PutUint64(buf[4:12], startOffset)
	binary.LittleEndian.PutUint32(buf[12:16], maxBatchBytes)
	binary.LittleEndian.PutUint64(buf[16:24], consumerID)
	return buf
}

// BuildUnsubscribePayload builds an Unsubscribe request payload (12 bytes).
func BuildUnsubscribePayload(topicID uint32, consumerID uint64) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], topicID)
	binary.LittleEndian.PutUint64(buf[4:12], consumerID)
	return buf
}

// BuildCommitOffsetPayload builds a CommitOffset request payload (20 bytes).
func BuildCommitOffsetPayload(topicID uint32, consumerID uint64, offset uint64) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], topicID)
	binary.LittleEndian.PutUint64(buf[4:12], consumerID)
	binary.LittleEndian.PutUint64(buf[12:20], offset)
	return buf
}

// BuildSetRetentionPayload builds a SetRetention request payload (20 bytes).
func BuildSetRetentionPayload(topicID uint32, maxAgeSecs uint64, maxBytes uint64) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], topicID)
	binary.LittleEndian.PutUint64(buf[4:12], maxAgeSecs)
	binary.LittleEndian.PutUint64(buf[12:20], maxBytes)
	return buf
}

// BuildCreateTopicWithRetentionPayload builds a CreateTopicWithRetention
// request payload: u16 name length, name bytes, then the two retention limits.
func BuildCreateTopicWithRetentionPayload(name string, maxAgeSecs uint64, maxBytes uint64) []byte {
	nb := []byte(name)
	buf := make([]byte, 2+len(nb)+16)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(nb)))
	copy(buf[2:], nb)
	binary.LittleEndian.PutUint64(buf[2+len(nb):], maxAgeSecs)
	binary.LittleEndian.PutUint64(buf[2+len(nb)+8:], maxBytes)
	return buf
}

// BuildTopicIDPayload builds the 4-byte payload used by DeleteTopic and
// GetTopic.
func BuildTopicIDPayload(topicID uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, topicID)
	return buf
}

// FetchResponse is a parsed FETCH_RESPONSE payload.
type FetchResponse struct {
	StartOffset   uint64
	EndOffset     uint64
	HighWaterMark uint64
	Data          []byte
}

// ParseFetchResponse parses a FetchResponse payload.
//
// The extended layout is start_offset(8) + end_offset(8) + high_water_mark(8)
// followed by data. Payloads shorter than 24 bytes fall back to the legacy
// layout next_offset(8) + bytes_returned(4) + record_count(4) + data, and
// anything shorter than that parses as empty.
func ParseFetchResponse(payload []byte) FetchResponse {
	if len(payload) < 24 {
		if len(payload) < 16 {
			return FetchResponse{}
		}
		next := binary.LittleEndian.Uint64(payload[0:8])
		ret := binary.LittleEndian.Uint32(payload[8:12])
		end := 16 + int(ret)
		if end > len(payload) {
			end = len(payload)
		}
		return FetchResponse{EndOffset: next, HighWaterMark: next, Data: payload[16:end]}
	}
	return FetchResponse{
		StartOffset:   binary.LittleEndian.Uint64(payload[0:8]),
		EndOffset:     binary.LittleEndian.Uint64(payload[8:16]),
		HighWaterMark: binary.LittleEndian.Uint64(payload[16:24]),
		Data:          payload[24:],
	}
}
