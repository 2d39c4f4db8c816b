package lance

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nitecon/go-lance/internal/logging"
	"github.com/nitecon/go-lance/internal/metrics"
	"github.com/nitecon/go-lance/lwp"
	"github.com/nitecon/go-lance/tlv"
)

// catchingUpBackoff is how long poll sleeps after a CATCHING_UP response;
// overridable in tests.
var catchingUpBackoff = 5 * time.Second

// maxCatchingUpRetries is the consecutive CATCHING_UP response count at which
// the error surfaces; the responses before it are absorbed.
const maxCatchingUpRetries = 3

// commitAckTimeout bounds the wait for a COMMIT_ACK; overridable in tests.
var commitAckTimeout = 5 * time.Second

// PollResult is one batch of fetched data.
type PollResult struct {
	Data          []byte
	Records       []tlv.Record
	StartOffset   uint64
	EndOffset     uint64
	HighWaterMark uint64
	RecordCount   int
}

// IsEmpty reports whether the poll returned no data.
func (r *PollResult) IsEmpty() bool { return len(r.Data) == 0 }

// Lag is the distance in bytes between this batch's end and the server's
// high-water-mark.
func (r *PollResult) Lag() uint64 {
	if r.HighWaterMark <= r.EndOffset {
		return 0
	}
	return r.HighWaterMark - r.EndOffset
}

// Consumer is a standalone consumer with client-managed offsets. It pulls
// data with Fetch control frames and tracks its own position; Poll and
// Commit are stateful over one socket and must not be called concurrently.
type Consumer struct {
	conn   *Conn
	cfg    ConsumerConfig
	logger *slog.Logger

	topicID       uint32
	currentOffset uint64
	consumerName  string
	consumerID    uint64

	closed     atomic.Bool
	catchingUp int
	store      OffsetStore
}

// consumerIDFor derives the advisory 64-bit consumer identity from its name.
func consumerIDFor(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// ConnectConsumer connects a standalone consumer to address. When
// cfg.OffsetDir is set and no store is passed, a FileOffsetStore rooted
// there is created; a previously persisted offset for the
// (consumer, topic) pair overrides cfg.StartPosition.
func ConnectConsumer(ctx context.Context, address string, cfg ConsumerConfig, store ...OffsetStore) (*Consumer, error) {
	host, port, err := splitAddress(address)
	if err != nil {
		return nil, err
	}
	conn := NewConn(host, port,
		WithKeepaliveInterval(cfg.KeepaliveInterval),
		WithConnectTimeout(cfg.ConnectTimeout),
		WithTLSConfig(cfg.TLS),
	)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	var os OffsetStore
	if len(store) > 0 && store[0] != nil {
		os = store[0]
	} else if cfg.OffsetDir != "" {
		os, err = NewFileOffsetStore(cfg.OffsetDir)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	c := &Consumer{
		conn:          conn,
		cfg:           cfg,
		logger:        logging.L().With("component", "consumer", "consumer", cfg.ConsumerName, "topic_id", cfg.TopicID),
		topicID:       cfg.TopicID,
		currentOffset: cfg.StartOffset(),
		consumerName:  cfg.ConsumerName,
		consumerID:    consumerIDFor(cfg.ConsumerName),
		store:         os,
	}
	if os != nil {
		if saved, ok, err := os.Load(cfg.ConsumerName, cfg.TopicID); err != nil {
			metrics.IncError(metrics.ErrOffsetStore)
			c.logger.Warn("offset_restore_failed", "error", err)
		} else if ok {
			c.currentOffset = saved
			c.logger.Info("offset_restored", "offset", saved)
		}
	}
	c.logger.Info("consumer_connected", "offset", c.currentOffset)
	return c, nil
}

// Close closes the consumer and its connection.
func (c *Consumer) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}

// CurrentOffset returns the consumer's current byte offset.
func (c *Consumer) CurrentOffset() uint64 { return c.currentOffset }

// TopicID returns the topic this consumer reads.
func (c *Consumer) TopicID() uint32 { return c.topicID }

// Poll fetches the next batch from the topic. It returns (nil, nil) when no
// data is available. The first two consecutive CATCHING_UP responses are
// absorbed with a backoff; the third is surfaced as a retryable error.
func (c *Consumer) Poll(ctx context.Context) (*PollResult, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: consumer closed", ErrConnection)
	}

	payload := lwp.BuildFetchPayload(c.topicID, c.currentOffset, c.cfg.MaxFetchBytes)
	frame := lwp.BuildControlFrame(lwp.CmdFetch, payload, 0)
	if err := c.conn.SendFrame(frame); err != nil {
		return nil, err
	}
	metrics.IncFetch()

	timeout := c.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h, resp, err := c.conn.RecvFrame(timeout)
	if err != nil {
		if c.closed.Load() {
			return nil, nil
		}
		return nil, err
	}

	cmd, isControl := h.Command()
	if isControl && cmd == lwp.CmdErrorResponse {
		return c.handleFetchError(ctx, resp)
	}

	c.catchingUp = 0

	if isControl && cmd == lwp.CmdFetchResponse {
		fr := lwp.ParseFetchResponse(resp)
		if len(fr.Data) == 0 {
			return nil, nil
		}
		records := tlv.DecodeRecords(fr.Data, 0)
		c.currentOffset = fr.EndOffset
		metrics.AddFetchBytes(len(fr.Data))
		return &PollResult{
			Data:          fr.Data,
			Records:       records,
			StartOffset:   fr.StartOffset,
			EndOffset:     fr.EndOffset,
			HighWaterMark: fr.HighWaterMark,
			RecordCount:   len(records),
		}, nil
	}

	// Unexpected frame type; the payload may still be raw topic data.
	if len(resp) > 0 {
		start := c.currentOffset
		c.currentOffset += uint64(len(resp))
		records := tlv.DecodeRecords(resp, 0)
		return &PollResult{
			Data:          resp,
			Records:       records,
			StartOffset:   start,
			EndOffset:     c.currentOffset,
			HighWaterMark: c.currentOffset,
			RecordCount:   len(records),
		}, nil
	}
	return nil, nil
}

func (c *Consumer) handleFetchError(ctx context.Context, payload []byte) (*PollResult, error) {
	se := serverErrorFromPayload(payload)
	msg := se.Message

	// Structured code first; text match is the legacy fallback.
	if se.Code == codeCatchingUp || strings.Contains(strings.ToLower(msg), "catching_up") ||
		strings.Contains(strings.ToLower(msg), "catching up") {
		c.catchingUp++
		if c.catchingUp >= maxCatchingUpRetries {
			c.catchingUp = 0
			return nil, fmt.Errorf("%w: %v", ErrCatchingUp, se)
		}
		c.logger.Info("server_catching_up",
			"count", c.catchingUp, "max", maxCatchingUpRetries, "backoff", catchingUpBackoff)
		select {
		case <-time.After(catchingUpBackoff):
		case <-ctx.Done():
		}
		return nil, nil
	}

	if strings.Contains(msg, "Empty fetch response") || strings.Contains(strings.ToLower(msg), "no data") {
		return nil, nil
	}
	metrics.IncError(metrics.ErrFetch)
	return nil, se
}

// Seek sets the current offset.
func (c *Consumer) Seek(offset uint64) {
	c.currentOffset = offset
	c.logger.Info("seek", "offset", offset)
}

// SeekTo seeks using a SeekPosition value.
func (c *Consumer) SeekTo(position SeekPosition) {
	switch position.kind {
	case seekEnd:
		c.SeekToEnd()
	default:
		c.Seek(position.resolve())
	}
}

// Rewind seeks to the beginning of the topic.
func (c *Consumer) Rewind() { c.Seek(0) }

// SeekToEnd positions past all existing data; the server clamps the
// oversized offset to the high-water-mark so the next poll returns only new
// data.
func (c *Consumer) SeekToEnd() { c.currentOffset = maxOffset }

// Commit sends the current offset to the server and, when an offset store
// is configured, persists it locally. A missing or unexpected commit reply
// is logged, not raised; a store failure is.
func (c *Consumer) Commit(ctx context.Context) error {
	payload := lwp.BuildCommitOffsetPayload(c.topicID, c.consumerID, c.currentOffset)
	frame := lwp.BuildControlFrame(lwp.CmdCommitOffset, payload, 0)
	if err := c.conn.SendFrame(frame); err != nil {
		return err
	}

	h, _, err := c.conn.RecvFrame(commitAckTimeout)
	switch {
	case err != nil:
		metrics.IncError(metrics.ErrCommit)
		c.logger.Warn("commit_ack_missing", "error", err)
	default:
		if cmd, isControl := h.Command(); isControl && cmd == lwp.CmdCommitAck {
			metrics.IncCommit()
			c.logger.Debug("offset_committed", "offset", c.currentOffset)
		} else {
			c.logger.Warn("commit_unexpected_reply", "flags", uint8(h.Flags))
		}
	}

	if c.store != nil {
		if err := c.store.Save(c.consumerName, c.topicID, c.currentOffset); err != nil {
			metrics.IncError(metrics.ErrOffsetStore)
			return fmt.Errorf("lance: persist offset: %w", err)
		}
	}
	return nil
}
