package lance

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/nitecon/go-lance/lwp"
	"github.com/nitecon/go-lance/tlv"
)

func buildFetchResponsePayload(start, end, hwm uint64, data []byte) []byte {
	p := make([]byte, 24+len(data))
	binary.LittleEndian.PutUint64(p[0:8], start)
	binary.LittleEndian.PutUint64(p[8:16], end)
	binary.LittleEndian.PutUint64(p[16:24], hwm)
	copy(p[24:], data)
	return p
}

func connectTestConsumer(t *testing.T, host string, port int, cfg ConsumerConfig, store ...OffsetStore) *Consumer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := ConnectConsumer(ctx, fmt.Sprintf("%s:%d", host, port), cfg, store...)
	if err != nil {
		t.Fatalf("connect consumer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testConsumerConfig(topicID uint32) ConsumerConfig {
	cfg := DefaultConsumerConfig("test-consumer", topicID)
	cfg.PollTimeout = 2 * time.Second
	cfg.KeepaliveInterval = time.Hour
	return cfg
}

func TestConsumerPollAdvancesOffset(t *testing.T) {
	records := []tlv.Record{tlv.Raw([]byte("one")), tlv.Raw([]byte("two"))}
	data := tlv.EncodeRecords(records)
	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			h, payload, err := readNonKeepalive(conn)
			if err != nil {
				return
			}
			cmd, ok := h.Command()
			if !ok || cmd != lwp.CmdFetch {
				continue
			}
			offset := binary.LittleEndian.Uint64(payload[4:12])
			resp := buildFetchResponsePayload(offset, offset+uint64(len(data)), 1000, data)
			if _, err := conn.Write(lwp.BuildControlFrame(lwp.CmdFetchResponse, resp, 0)); err != nil {
				return
			}
		}
	})
	c := connectTestConsumer(t, host, port, testConsumerConfig(1))

	result, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result == nil {
		t.Fatal("poll returned no data")
	}
	if len(result.Records) != 2 || string(result.Records[0].Value) != "one" {
		t.Fatalf("records = %+v", result.Records)
	}
	if result.RecordCount != 2 {
		t.Errorf("record count = %d", result.RecordCount)
	}
	if c.CurrentOffset() != result.EndOffset {
		t.Errorf("offset = %d, want %d", c.CurrentOffset(), result.EndOffset)
	}
	if want := uint64(1000) - result.EndOffset; result.Lag() != want {
		t.Errorf("lag = %d, want %d", result.Lag(), want)
	}

	// Second poll fetches from the advanced offset.
	prev := c.CurrentOffset()
	result, err = c.Poll(context.Background())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if result.StartOffset != prev {
		t.Errorf("second fetch started at %d, want %d", result.StartOffset, prev)
	}
	if c.CurrentOffset() < prev {
		t.Error("offset went backwards")
	}
}

func TestConsumerPollEmptyResponse(t *testing.T) {
	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			h, _, err := readNonKeepalive(conn)
			if err != nil {
				return
			}
			if cmd, ok := h.Command(); ok && cmd == lwp.CmdFetch {
				resp := buildFetchResponsePayload(0, 0, 0, nil)
				if _, err := conn.Write(lwp.BuildControlFrame(lwp.CmdFetchResponse, resp, 0)); err != nil {
					return
				}
			}
		}
	})
	c := connectTestConsumer(t, host, port, testConsumerConfig(1))

	result, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result != nil {
		t.Fatalf("poll = %+v, want nil", result)
	}
}

func TestConsumerCatchingUpBackoff(t *testing.T) {
	oldBackoff := catchingUpBackoff
	catchingUpBackoff = 10 * time.Millisecond
	defer func() { catchingUpBackoff = oldBackoff }()

	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			h, _, err := readNonKeepalive(conn)
			if err != nil {
				return
			}
			if cmd, ok := h.Command(); ok && cmd == lwp.CmdFetch {
				body := []byte(`{"code":20,"message":"CATCHING_UP","details":{"server_offset":0}}`)
				if _, err := conn.Write(lwp.BuildControlFrame(lwp.CmdErrorResponse, body, 0)); err != nil {
					return
				}
			}
		}
	})
	c := connectTestConsumer(t, host, port, testConsumerConfig(1))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		result, err := c.Poll(ctx)
		if err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
		if result != nil {
			t.Fatalf("poll %d returned data", i+1)
		}
	}
	_, err := c.Poll(ctx)
	if !errors.Is(err, ErrCatchingUp) {
		t.Fatalf("third poll err = %v, want ErrCatchingUp", err)
	}
	if !Retryable(err) {
		t.Error("catching-up should be retryable")
	}
	// The counter resets after surfacing; the next poll absorbs again.
	if result, err := c.Poll(ctx); err != nil || result != nil {
		t.Fatalf("post-reset poll = %v, %v", result, err)
	}
}

func TestConsumerCatchingUpTextFallback(t *testing.T) {
	oldBackoff := catchingUpBackoff
	catchingUpBackoff = 10 * time.Millisecond
	defer func() { catchingUpBackoff = oldBackoff }()

	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			h, _, err := readNonKeepalive(conn)
			if err != nil {
				return
			}
			if cmd, ok := h.Command(); ok && cmd == lwp.CmdFetch {
				// Legacy unstructured error text.
				body := []byte("replica catching up, retry later")
				if _, err := conn.Write(lwp.BuildControlFrame(lwp.CmdErrorResponse, body, 0)); err != nil {
					return
				}
			}
		}
	})
	c := connectTestConsumer(t, host, port, testConsumerConfig(1))

	result, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result != nil {
		t.Fatal("legacy catching-up text not absorbed")
	}
}

func TestConsumerPollNoDataError(t *testing.T) {
	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			h, _, err := readNonKeepalive(conn)
			if err != nil {
				return
			}
			if cmd, ok := h.Command(); ok && cmd == lwp.CmdFetch {
				body := []byte(`{"code":1,"message":"Empty fetch response: no data at offset"}`)
				if _, err := conn.Write(lwp.BuildControlFrame(lwp.CmdErrorResponse, body, 0)); err != nil {
					return
				}
			}
		}
	})
	c := connectTestConsumer(t, host, port, testConsumerConfig(1))

	result, err := c.Poll(context.Background())
	if err != nil || result != nil {
		t.Fatalf("poll = %+v, %v, want nil, nil", result, err)
	}
}

func TestConsumerPollSurfacesFetchError(t *testing.T) {
	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			h, _, err := readNonKeepalive(conn)
			if err != nil {
				return
			}
			if cmd, ok := h.Command(); ok && cmd == lwp.CmdFetch {
				body := []byte(`{"code":16,"message":"topic 1 not found"}`)
				if _, err := conn.Write(lwp.BuildControlFrame(lwp.CmdErrorResponse, body, 0)); err != nil {
					return
				}
			}
		}
	})
	c := connectTestConsumer(t, host, port, testConsumerConfig(1))

	_, err := c.Poll(context.Background())
	if !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("err = %v, want ErrTopicNotFound", err)
	}
}

func TestConsumerSeekAndRewind(t *testing.T) {
	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			if _, _, err := readClientFrame(conn); err != nil {
				return
			}
		}
	})
	c := connectTestConsumer(t, host, port, testConsumerConfig(1))

	c.Seek(500)
	if c.CurrentOffset() != 500 {
		t.Errorf("offset after seek = %d", c.CurrentOffset())
	}
	c.Rewind()
	if c.CurrentOffset() != 0 {
		t.Errorf("offset after rewind = %d", c.CurrentOffset())
	}
	c.SeekToEnd()
	if c.CurrentOffset() != uint64(1)<<63-1 {
		t.Errorf("offset after seek-to-end = %d", c.CurrentOffset())
	}
	c.SeekTo(AtOffset(42))
	if c.CurrentOffset() != 42 {
		t.Errorf("offset after SeekTo = %d", c.CurrentOffset())
	}
}

func TestConsumerCommit(t *testing.T) {
	commits := make(chan []byte, 1)
	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			h, payload, err := readNonKeepalive(conn)
			if err != nil {
				return
			}
			if cmd, ok := h.Command(); ok && cmd == lwp.CmdCommitOffset {
				commits <- payload
				if _, err := conn.Write(lwp.BuildControlFrame(lwp.CmdCommitAck, nil, 0)); err != nil {
					return
				}
			}
		}
	})
	store := NewMemoryOffsetStore()
	c := connectTestConsumer(t, host, port, testConsumerConfig(3), store)

	c.Seek(900)
	if err := c.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	payload := <-commits
	if len(payload) != 20 {
		t.Fatalf("commit payload = %d bytes, want 20", len(payload))
	}
	if binary.LittleEndian.Uint32(payload[0:4]) != 3 {
		t.Error("commit topic_id wrong")
	}
	if got := binary.LittleEndian.Uint64(payload[4:12]); got != consumerIDFor("test-consumer") {
		t.Errorf("commit consumer_id = %d", got)
	}
	if binary.LittleEndian.Uint64(payload[12:20]) != 900 {
		t.Error("commit offset wrong")
	}

	if off, ok, _ := store.Load("test-consumer", 3); !ok || off != 900 {
		t.Errorf("store offset = %d, %v", off, ok)
	}
}

func TestConsumerCommitWithoutAckDoesNotFail(t *testing.T) {
	oldTimeout := commitAckTimeout
	commitAckTimeout = 100 * time.Millisecond
	defer func() { commitAckTimeout = oldTimeout }()

	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			if _, _, err := readClientFrame(conn); err != nil {
				return
			}
		}
	})
	store := NewMemoryOffsetStore()
	c := connectTestConsumer(t, host, port, testConsumerConfig(1), store)

	c.Seek(10)
	if err := c.Commit(context.Background()); err != nil {
		t.Fatalf("commit without ack: %v", err)
	}
	if off, ok, _ := store.Load("test-consumer", 1); !ok || off != 10 {
		t.Errorf("offset not persisted despite missing ack: %d, %v", off, ok)
	}
}

func TestConsumerRestoresPersistedOffset(t *testing.T) {
	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			if _, _, err := readClientFrame(conn); err != nil {
				return
			}
		}
	})
	store := NewMemoryOffsetStore()
	_ = store.Save("test-consumer", 1, 777)

	cfg := testConsumerConfig(1).WithStartPosition(AtOffset(5))
	c := connectTestConsumer(t, host, port, cfg, store)
	if c.CurrentOffset() != 777 {
		t.Fatalf("offset = %d, want restored 777", c.CurrentOffset())
	}
}

func TestConsumerAutoFileStoreFromOffsetDir(t *testing.T) {
	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			h, _, err := readNonKeepalive(conn)
			if err != nil {
				return
			}
			if cmd, ok := h.Command(); ok && cmd == lwp.CmdCommitOffset {
				if _, err := conn.Write(lwp.BuildControlFrame(lwp.CmdCommitAck, nil, 0)); err != nil {
					return
				}
			}
		}
	})
	dir := t.TempDir()
	cfg := testConsumerConfig(2).WithOffsetDir(dir)
	c := connectTestConsumer(t, host, port, cfg)

	c.Seek(321)
	if err := c.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = c.Close()

	// A fresh consumer picks the offset back up from disk.
	c2 := connectTestConsumer(t, host, port, cfg)
	if c2.CurrentOffset() != 321 {
		t.Fatalf("restored offset = %d, want 321", c2.CurrentOffset())
	}
}

func TestConsumerUnexpectedDataFrame(t *testing.T) {
	data := tlv.EncodeRecords([]tlv.Record{tlv.Raw([]byte("stray"))})
	host, port := startScriptedServer(t, func(conn net.Conn) {
		for {
			h, _, err := readNonKeepalive(conn)
			if err != nil {
				return
			}
			if cmd, ok := h.Command(); ok && cmd == lwp.CmdFetch {
				// Reply with a raw batch frame instead of a FETCH_RESPONSE.
				if _, err := conn.Write(lwp.BuildIngestFrame(data, 1, 1, 1, false)); err != nil {
					return
				}
			}
		}
	})
	c := connectTestConsumer(t, host, port, testConsumerConfig(1))

	result, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result == nil || !bytes.Equal(result.Data, data) {
		t.Fatalf("result = %+v", result)
	}
	if c.CurrentOffset() != uint64(len(data)) {
		t.Errorf("offset = %d, want %d", c.CurrentOffset(), len(data))
	}
}

func TestConsumerIDDeterministic(t *testing.T) {
	if consumerIDFor("grp/worker-1") != consumerIDFor("grp/worker-1") {
		t.Error("consumer id not deterministic")
	}
	if consumerIDFor("a") == consumerIDFor("b") {
		t.Error("distinct names mapped to the same id")
	}
}
