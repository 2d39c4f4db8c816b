package lance

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/nitecon/go-lance/internal/logging"
	"github.com/nitecon/go-lance/internal/metrics"
	"github.com/nitecon/go-lance/lwp"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// backpressureInterval is the pace imposed on sends while the server's
// BACKPRESSURE signal is in effect; the next ACK lifts it.
const backpressureInterval = 100 * time.Millisecond

// Conn owns one TCP (optionally TLS) socket speaking LWP. It sends periodic
// keepalives, absorbs keepalive and backpressure frames on the read path,
// and serializes all writes through a single lock so frame bytes from
// concurrent senders never interleave.
type Conn struct {
	host              string
	port              int
	keepaliveInterval time.Duration
	connectTimeout    time.Duration
	tlsConf           *tls.Config
	logger            *slog.Logger

	mu              sync.Mutex // guards conn and keepalive lifecycle
	conn            net.Conn
	keepaliveCancel context.CancelFunc
	keepaliveWG     sync.WaitGroup

	writeMu      sync.Mutex // serializes all socket writes
	connected    atomic.Bool
	backpressure atomic.Bool
	limiter      *rate.Limiter
}

// ConnOption customizes a Conn.
type ConnOption func(*Conn)

func WithKeepaliveInterval(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.keepaliveInterval = d
		}
	}
}

func WithConnectTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

func WithTLSConfig(t *tls.Config) ConnOption {
	return func(c *Conn) { c.tlsConf = t }
}

func WithLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConn creates an unconnected Conn for host:port.
func NewConn(host string, port int, opts ...ConnOption) *Conn {
	c := &Conn{
		host:              host,
		port:              port,
		keepaliveInterval: DefaultKeepaliveInterval,
		connectTimeout:    DefaultConnectTimeout,
		limiter:           rate.NewLimiter(rate.Inf, 1),
		logger:            logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("conn_id", xid.New().String(), "remote", c.addr())
	return c
}

func (c *Conn) addr() string { return net.JoinHostPort(c.host, strconv.Itoa(c.port)) }

// Connected reports whether the socket is believed healthy.
func (c *Conn) Connected() bool { return c.connected.Load() }

// UnderBackpressure reports whether the server's slowdown signal is in effect.
func (c *Conn) UnderBackpressure() bool { return c.backpressure.Load() }

// Connect opens the socket and starts the keepalive task.
func (c *Conn) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		metrics.IncError(metrics.ErrDial)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: connect to %s timed out after %v", ErrTimeout, c.addr(), c.connectTimeout)
		}
		return fmt.Errorf("%w: connect to %s: %v", ErrConnection, c.addr(), err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if c.tlsConf != nil {
		tconn := tls.Client(conn, c.tlsConf)
		if err := tconn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			metrics.IncError(metrics.ErrDial)
			return fmt.Errorf("%w: tls handshake with %s: %v", ErrConnection, c.addr(), err)
		}
		conn = tconn
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.keepaliveCancel = cancel
	c.mu.Unlock()
	c.backpressure.Store(false)
	c.limiter.SetLimit(rate.Inf)
	c.connected.Store(true)

	c.keepaliveWG.Add(1)
	go c.keepaliveLoop(kaCtx)
	c.logger.Info("connected")
	return nil
}

// Close stops the keepalive task and closes the socket. Safe to call more
// than once.
func (c *Conn) Close() error {
	c.connected.Store(false)
	c.mu.Lock()
	cancel := c.keepaliveCancel
	conn := c.conn
	c.keepaliveCancel = nil
	c.conn = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
		c.keepaliveWG.Wait()
		c.logger.Info("disconnected")
	}
	return nil
}

// Reconnect closes the current socket and retries with exponential backoff
// per cfg. With MaxAttempts == 0 it retries until ctx is cancelled.
func (c *Conn) Reconnect(ctx context.Context, cfg ReconnectConfig) error {
	_ = c.Close()
	attempt := 0
	for {
		attempt++
		if cfg.MaxAttempts > 0 && attempt > cfg.MaxAttempts {
			return fmt.Errorf("%w: failed to reconnect after %d attempts", ErrConnection, cfg.MaxAttempts)
		}
		delay := cfg.DelayForAttempt(attempt)
		c.logger.Info("reconnect_attempt", "attempt", attempt, "delay", delay)
		metrics.IncReconnect()
		sleepFn(delay)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: reconnect cancelled: %v", ErrConnection, err)
		}
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("reconnect_failed", "attempt", attempt, "error", err)
			continue
		}
		c.logger.Info("reconnected", "attempt", attempt)
		return nil
	}
}

func (c *Conn) socket() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// SendFrame writes a complete frame (header + optional payload). Writes are
// serialized; a keepalive racing a user send waits its turn.
func (c *Conn) SendFrame(frame []byte) error {
	sock := c.socket()
	if sock == nil || !c.connected.Load() {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := sock.Write(frame); err != nil {
		c.connected.Store(false)
		metrics.IncError(metrics.ErrWrite)
		return fmt.Errorf("%w: send failed: %v", ErrConnection, err)
	}
	metrics.IncFramesTx()
	return nil
}

// WaitSend blocks until the backpressure pace (if any) admits another send.
func (c *Conn) WaitSend(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return nil
}

// RecvHeader reads and validates one 44-byte header. timeout <= 0 blocks
// indefinitely.
func (c *Conn) RecvHeader(timeout time.Duration) (lwp.Header, error) {
	buf, err := c.recvExact(lwp.HeaderSize, timeout)
	if err != nil {
		return lwp.Header{}, err
	}
	h, err := lwp.DecodeHeader(buf)
	if err != nil {
		metrics.IncMalformed()
		return lwp.Header{}, err
	}
	metrics.IncFramesRx()
	return h, nil
}

// RecvPayload reads the payload for header and verifies its CRC.
func (c *Conn) RecvPayload(h lwp.Header, timeout time.Duration) ([]byte, error) {
	if h.PayloadLength == 0 {
		return nil, nil
	}
	data, err := c.recvExact(int(h.PayloadLength), timeout)
	if err != nil {
		return nil, err
	}
	if err := h.VerifyPayload(data); err != nil {
		metrics.IncMalformed()
		return nil, err
	}
	return data, nil
}

// RecvFrame reads the next application frame. Keepalives are reflected back
// to the server and backpressure signals absorbed; neither is returned. An
// ACK clears the backpressure state before being handed to the caller.
func (c *Conn) RecvFrame(timeout time.Duration) (lwp.Header, []byte, error) {
	for {
		h, err := c.RecvHeader(timeout)
		if err != nil {
			return lwp.Header{}, nil, err
		}
		if h.IsKeepalive() {
			if err := c.SendFrame(lwp.BuildKeepaliveFrame()); err != nil {
				return lwp.Header{}, nil, err
			}
			metrics.IncKeepaliveTx()
			continue
		}
		if h.IsBackpressure() {
			c.backpressure.Store(true)
			c.limiter.SetLimit(rate.Every(backpressureInterval))
			metrics.IncBackpressure()
			c.logger.Warn("backpressure_signaled")
			continue
		}
		if h.IsAck() {
			c.backpressure.Store(false)
			c.limiter.SetLimit(rate.Inf)
		}
		payload, err := c.RecvPayload(h, timeout)
		if err != nil {
			return lwp.Header{}, nil, err
		}
		return h, payload, nil
	}
}

// recvExact reads exactly n bytes, honoring timeout as a read deadline.
func (c *Conn) recvExact(n int, timeout time.Duration) ([]byte, error) {
	sock := c.socket()
	if sock == nil || !c.connected.Load() {
		return nil, fmt.Errorf("%w: not connected", ErrConnection)
	}
	if timeout > 0 {
		_ = sock.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = sock.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, n)
	nn, err := io.ReadFull(sock, buf)
	if err == nil {
		return buf, nil
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		if nn > 0 {
			// Cannot resynchronize mid-frame.
			c.connected.Store(false)
			_ = sock.Close()
			return nil, fmt.Errorf("%w: read timed out mid-frame (%d/%d bytes)", ErrTimeout, nn, n)
		}
		return nil, fmt.Errorf("%w: read timed out after %v", ErrTimeout, timeout)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		c.connected.Store(false)
		return nil, fmt.Errorf("%w: connection closed (read %d/%d bytes)", ErrConnection, nn, n)
	default:
		c.connected.Store(false)
		metrics.IncError(metrics.ErrRead)
		return nil, fmt.Errorf("%w: read failed: %v", ErrConnection, err)
	}
}

func (c *Conn) keepaliveLoop(ctx context.Context) {
	defer c.keepaliveWG.Done()
	t := time.NewTicker(c.keepaliveInterval)
	defer t.Stop()
	frame := lwp.BuildKeepaliveFrame()
	for {
		select {
		case <-t.C:
			if !c.connected.Load() {
				return
			}
			if err := c.SendFrame(frame); err != nil {
				// Next user operation observes the disconnect.
				c.logger.Debug("keepalive_end", "error", err)
				return
			}
			metrics.IncKeepaliveTx()
		case <-ctx.Done():
			return
		}
	}
}

// splitAddress parses "host:port", defaulting the port when absent.
func splitAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		// No port in the address; use the default.
		return address, lwp.DefaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid port in %q", ErrProtocol, address)
	}
	return host, port, nil
}
