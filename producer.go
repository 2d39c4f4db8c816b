package lance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/nitecon/go-lance/internal/logging"
	"github.com/nitecon/go-lance/internal/metrics"
	"github.com/nitecon/go-lance/lwp"
	"github.com/nitecon/go-lance/tlv"
)

// ackReadTimeout is the ack reader's per-read timeout; an idle expiry just
// loops.
const ackReadTimeout = 5 * time.Second

// Producer is a pipelined ingest client. Sends are correlated with server
// acknowledgements by batch ID; SendAsync pipelines without waiting, Send
// and SendBatch block until the matching ACK arrives.
type Producer struct {
	conn   *Conn
	cfg    ProducerConfig
	logger *slog.Logger

	mu      sync.Mutex
	batchID uint64
	pending map[uint64]chan error

	closed atomic.Bool
	wg     sync.WaitGroup
}

// ConnectProducer connects to address ("host" or "host:port") and starts the
// producer's ack reader.
func ConnectProducer(ctx context.Context, address string, cfg ProducerConfig) (*Producer, error) {
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
	p := &Producer{
		conn:    conn,
		cfg:     cfg,
		logger:  logging.L().With("component", "producer"),
		pending: make(map[uint64]chan error),
	}
	p.wg.Add(1)
	go p.ackReaderLoop()
	return p, nil
}

// Close stops the ack reader, fails all outstanding sends with a connection
// error, and closes the connection.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.conn.Close() // unblocks the ack reader
	p.wg.Wait()
	p.mu.Lock()
	for id, ch := range p.pending {
		ch <- fmt.Errorf("%w: producer closed", ErrConnection)
		delete(p.pending, id)
	}
	p.mu.Unlock()
	return err
}

// Send sends data as a single raw record and waits for the server ACK.
// Returns the assigned batch ID.
func (p *Producer) Send(ctx context.Context, topicID uint32, data []byte) (uint64, error) {
	batchID, err := p.SendAsync(ctx, topicID, data, tlv.TypeRawData)
	if err != nil {
		return 0, err
	}
	if err := p.waitAck(ctx, batchID); err != nil {
		return 0, err
	}
	return batchID, nil
}

// SendAsync sends data as a single record without waiting for the ACK
// (pipelined). Returns the assigned batch ID.
func (p *Producer) SendAsync(ctx context.Context, topicID uint32, data []byte, recordType tlv.Type) (uint64, error) {
	payload := tlv.Record{Type: recordType, Value: data}.Encode()
	return p.sendPayload(ctx, topicID, payload, 1)
}

// SendBatch sends records as one batch and waits for its ACK. Returns the
// assigned batch ID.
func (p *Producer) SendBatch(ctx context.Context, topicID uint32, records []tlv.Record) (uint64, error) {
	payload := tlv.EncodeRecords(records)
	batchID, err := p.sendPayload(ctx, topicID, payload, uint32(len(records)))
	if err != nil {
		return 0, err
	}
	if err := p.waitAck(ctx, batchID); err != nil {
		return 0, err
	}
	return batchID, nil
}

func (p *Producer) sendPayload(ctx context.Context, topicID uint32, payload []byte, recordCount uint32) (uint64, error) {
	if p.closed.Load() {
		return 0, fmt.Errorf("%w: producer closed", ErrConnection)
	}

	compressed := false
	if p.cfg.Compression {
		if c, ok := compressBlock(payload); ok {
			payload = c
			compressed = true
		}
	}

	p.mu.Lock()
	p.batchID++
	batchID := p.batchID
	ch := make(chan error, 1)
	p.pending[batchID] = ch
	p.mu.Unlock()

	frame := lwp.BuildIngestFrame(payload, batchID, recordCount, topicID, compressed)

	if p.conn.UnderBackpressure() {
		p.logger.Warn("backpressure_delay", "batch_id", batchID)
	}
	if err := p.conn.WaitSend(ctx); err != nil {
		p.dropPending(batchID)
		return 0, err
	}
	if err := p.conn.SendFrame(frame); err != nil {
		p.dropPending(batchID)
		return 0, err
	}
	metrics.IncBatchSent(compressed)
	return batchID, nil
}

// Flush waits for every currently-pending ACK. If any remain when timeout
// elapses it fails, citing the outstanding count.
func (p *Producer) Flush(timeout time.Duration) error {
	p.mu.Lock()
	waiting := make([]chan error, 0, len(p.pending))
	for _, ch := range p.pending {
		waiting = append(waiting, ch)
	}
	p.mu.Unlock()
	if len(waiting) == 0 {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, ch := range waiting {
		select {
		case err := <-ch:
			// Re-deliver for a concurrent waiter on the same batch.
			ch <- err
		case <-deadline.C:
			p.mu.Lock()
			outstanding := len(p.pending)
			p.mu.Unlock()
			return fmt.Errorf("lance: flush timed out with %d pending acks", outstanding)
		}
	}
	return nil
}

func (p *Producer) waitAck(ctx context.Context, batchID uint64) error {
	p.mu.Lock()
	ch, ok := p.pending[batchID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	timeout := p.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-ch:
		// Re-deliver for a concurrent Flush on the same batch.
		ch <- err
		return err
	case <-ctx.Done():
		p.dropPending(batchID)
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case <-t.C:
		p.dropPending(batchID)
		metrics.IncAckTimeout()
		return fmt.Errorf("lance: ack timeout for batch %d", batchID)
	}
}

func (p *Producer) dropPending(batchID uint64) {
	p.mu.Lock()
	delete(p.pending, batchID)
	p.mu.Unlock()
}

// ackReaderLoop owns the read half of the socket for the producer's
// lifetime, completing pending sends as their ACKs arrive.
func (p *Producer) ackReaderLoop() {
	defer p.wg.Done()
	defer p.logger.Debug("ack_reader_end")
	for !p.closed.Load() && p.conn.Connected() {
		h, payload, err := p.conn.RecvFrame(ackReadTimeout)
		if err != nil {
			// Idle read timeouts are expected; anything else either means
			// the connection died (loop condition handles it) or a frame we
			// cannot trust.
			continue
		}
		if h.IsAck() {
			p.mu.Lock()
			ch, ok := p.pending[h.BatchID]
			if ok {
				delete(p.pending, h.BatchID)
			}
			p.mu.Unlock()
			if ok {
				metrics.IncAckRx()
				ch <- nil
			}
			continue
		}
		if cmd, isControl := h.Command(); isControl && cmd == lwp.CmdErrorResponse {
			// The originating send path's ack timeout surfaces the failure.
			metrics.IncError(metrics.ErrAck)
			p.logger.Error("server_error", "error", serverErrorFromPayload(payload))
		}
	}
}

// compressBlock LZ4-compresses p (block format, no size prefix) and reports
// whether the result is strictly smaller.
func compressBlock(p []byte) ([]byte, bool) {
	if len(p) == 0 {
		return nil, false
	}
	dst := make([]byte, len(p))
	n, err := lz4.CompressBlock(p, dst, nil)
	if err != nil || n == 0 || n >= len(p) {
		return nil, false
	}
	return dst[:n], true
}
