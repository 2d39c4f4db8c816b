package lwp

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFetchPayloadLayout(t *testing.T) {
	p := BuildFetchPayload(7, 4096, 1<<20)
	if len(p) != 16 {
		t.Fatalf("len = %d, want 16", len(p))
	}
	if binary.LittleEndian.Uint32(p[0:4]) != 7 {
		t.Error("topic_id wrong")
	}
	if binary.LittleEndian.Uint64(p[4:12]) != 4096 {
		t.Error("offset wrong")
	}
	if binary.LittleEndian.Uint32(p[12:16]) != 1<<20 {
		t.Error("max_bytes wrong")
	}
}

func TestControlPayloadSizes(t *testing.T) {
	if n := len(BuildSubscribePayload(1, 2, 3, 4)); n != 24 {
		t.Errorf("subscribe payload = %d bytes, want 24", n)
	}
	if n := len(BuildUnsubscribePayload(1, 2)); n != 12 {
		t.Errorf("unsubscribe payload = %d bytes, want 12", n)
	}
	if n := len(BuildCommitOffsetPayload(1, 2, 3)); n != 20 {
		t.Errorf("commit payload = %d bytes, want 20", n)
	}
	if n := len(BuildSetRetentionPayload(1, 2, 3)); n != 20 {
		t.Errorf("set retention payload = %d bytes, want 20", n)
	}
	if n := len(BuildTopicIDPayload(1)); n != 4 {
		t.Errorf("topic id payload = %d bytes, want 4", n)
	}
}

func TestCommitOffsetPayloadLayout(t *testing.T) {
	p := BuildCommitOffsetPayload(3, 0xDEADBEEF, 9000)
	if binary.LittleEndian.Uint32(p[0:4]) != 3 {
		t.Error("topic_id wrong")
	}
	if binary.LittleEndian.Uint64(p[4:12]) != 0xDEADBEEF {
		t.Error("consumer_id wrong")
	}
	if binary.LittleEndian.Uint64(p[12:20]) != 9000 {
		t.Error("offset wrong")
	}
}

func TestCreateTopicWithRetentionPayload(t *testing.T) {
	p := BuildCreateTopicWithRetentionPayload("events", 86400, 1<<30)
	if len(p) != 2+6+16 {
		t.Fatalf("len = %d, want %d", len(p), 2+6+16)
	}
	if binary.LittleEndian.Uint16(p[0:2]) != 6 {
		t.Error("name length wrong")
	}
	if string(p[2:8]) != "events" {
		t.Errorf("name = %q", p[2:8])
	}
	if binary.LittleEndian.Uint64(p[8:16]) != 86400 {
		t.Error("max_age_secs wrong")
	}
	if binary.LittleEndian.Uint64(p[16:24]) != 1<<30 {
		t.Error("max_bytes wrong")
	}
}

func TestParseFetchResponseExtended(t *testing.T) {
	data := []byte("payload bytes")
	p := make([]byte, 24+len(data))
	binary.LittleEndian.PutUint64(p[0:8], 100)
	binary.LittleEndian.PutUint64(p[8:16], 150)
	binary.LittleEndian.PutUint64(p[16:24], 400)
	copy(p[24:], data)

	fr := ParseFetchResponse(p)
	if fr.StartOffset != 100 || fr.EndOffset != 150 || fr.HighWaterMark != 400 {
		t.Errorf("offsets = %d/%d/%d", fr.StartOffset, fr.EndOffset, fr.HighWaterMark)
	}
	if !bytes.Equal(fr.Data, data) {
		t.Errorf("data = %q", fr.Data)
	}
}

func TestParseFetchResponseLegacy(t *testing.T) {
	data := []byte("abc")
	p := make([]byte, 16+len(data))
	binary.LittleEndian.PutUint64(p[0:8], 64)                 // next_offset
	binary.LittleEndian.PutUint32(p[8:12], uint32(len(data))) // bytes_returned
	binary.LittleEndian.PutUint32(p[12:16], 1)                // record_count
	copy(p[16:], data)

	fr := ParseFetchResponse(p)
	if fr.StartOffset != 0 || fr.EndOffset != 64 || fr.HighWaterMark != 64 {
		t.Errorf("offsets = %d/%d/%d", fr.StartOffset, fr.EndOffset, fr.HighWaterMark)
	}
	if !bytes.Equal(fr.Data, data) {
		t.Errorf("data = %q", fr.Data)
	}
}

func TestParseFetchResponseLegacyOverstatedLength(t *testing.T) {
	p := make([]byte, 18)
	binary.LittleEndian.PutUint64(p[0:8], 10)
	binary.LittleEndian.PutUint32(p[8:12], 100) // claims more than present
	fr := ParseFetchResponse(p)
	if len(fr.Data) != 2 {
		t.Errorf("data len = %d, want 2 (clamped)", len(fr.Data))
	}
}

func TestParseFetchResponseTooShort(t *testing.T) {
	fr := ParseFetchResponse(make([]byte, 8))
	if fr.StartOffset != 0 || fr.EndOffset != 0 || fr.HighWaterMark != 0 || len(fr.Data) != 0 {
		t.Errorf("short payload parsed non-empty: %+v", fr)
	}
}
