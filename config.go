package lance

import (
	"crypto/tls"
	"math"
	"math/rand"
	"net"
	"strconv"
	"time"
)

// Defaults shared across the three client surfaces.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second
)

// SeekPosition names a starting position within a topic's byte stream.
type SeekPosition struct {
	kind   uint8
	offset uint64
}

const (
	seekBeginning = iota
	seekEnd
	seekOffset
)

// Beginning starts at offset 0.
var Beginning = SeekPosition{kind: seekBeginning}

// End starts past all existing data; the next fetch returns only new data.
var End = SeekPosition{kind: seekEnd}

// AtOffset starts at a specific byte offset.
func AtOffset(offset uint64) SeekPosition {
	return SeekPosition{kind: seekOffset, offset: offset}
}

// maxOffset is the seek-to-end sentinel; the server clamps it to the
// high-water-mark.
const maxOffset = uint64(math.MaxInt64)

func (p SeekPosition) resolve() uint64 {
	switch p.kind {
	case seekEnd:
		return maxOffset
	case seekOffset:
		return p.offset
	}
	return 0
}

// ClientConfig configures the management Client.
type ClientConfig struct {
	Host              string
	Port              int
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	KeepaliveInterval time.Duration
	TLS               *tls.Config
}

// DefaultClientConfig returns a ClientConfig pointed at localhost.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:              "127.0.0.1",
		Port:              1992,
		ConnectTimeout:    DefaultConnectTimeout,
		RequestTimeout:    DefaultRequestTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
	}
}

// Address returns the host:port dial string.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ClientConfig) WithHost(host string) ClientConfig { c.Host = host; return c }
func (c ClientConfig) WithPort(port int) ClientConfig    { c.Port = port; return c }
func (c ClientConfig) WithConnectTimeout(d time.Duration) ClientConfig {
	c.ConnectTimeout = d
	return c
}
func (c ClientConfig) WithTLS(t *tls.Config) ClientConfig { c.TLS = t; return c }

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	// BatchSize and Linger are carried for configuration compatibility;
	// each Send maps to exactly one ingest frame.
	BatchSize         int
	Linger            time.Duration
	Compression       bool
	MaxPendingAcks    int
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	KeepaliveInterval time.Duration
	TLS               *tls.Config
	AutoReconnect     bool
}

// DefaultProducerConfig returns the default producer configuration.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		BatchSize:         32 * 1024,
		Linger:            5 * time.Millisecond,
		MaxPendingAcks:    64,
		ConnectTimeout:    DefaultConnectTimeout,
		RequestTimeout:    DefaultRequestTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
		AutoReconnect:     true,
	}
}

func (c ProducerConfig) WithCompression(enabled bool) ProducerConfig {
	c.Compression = enabled
	return c
}
func (c ProducerConfig) WithBatchSize(n int) ProducerConfig      { c.BatchSize = n; return c }
func (c ProducerConfig) WithMaxPendingAcks(n int) ProducerConfig { c.MaxPendingAcks = n; return c }
func (c ProducerConfig) WithConnectTimeout(d time.Duration) ProducerConfig {
	c.ConnectTimeout = d
	return c
}
func (c ProducerConfig) WithRequestTimeout(d time.Duration) ProducerConfig {
	c.RequestTimeout = d
	return c
}
func (c ProducerConfig) WithTLS(t *tls.Config) ProducerConfig { c.TLS = t; return c }
func (c ProducerConfig) WithAutoReconnect(enabled bool) ProducerConfig {
	c.AutoReconnect = enabled
	return c
}

// ConsumerConfig configures a standalone Consumer.
type ConsumerConfig struct {
	ConsumerName       string
	TopicID            uint32
	MaxFetchBytes      uint32
	StartPosition      SeekPosition
	OffsetDir          string
	AutoCommitInterval time.Duration // carried for compatibility; the consumer never commits on its own
	ConnectTimeout     time.Duration
	PollTimeout        time.Duration
	KeepaliveInterval  time.Duration
	PollInterval       time.Duration
	TLS                *tls.Config
	AutoReconnect      bool
}

// DefaultConsumerConfig returns a consumer configuration for the given
// consumer name and topic.
func DefaultConsumerConfig(consumerName string, topicID uint32) ConsumerConfig {
	return ConsumerConfig{
		ConsumerName:       consumerName,
		TopicID:            topicID,
		MaxFetchBytes:      1 << 20,
		StartPosition:      Beginning,
		AutoCommitInterval: 5 * time.Second,
		ConnectTimeout:     DefaultConnectTimeout,
		PollTimeout:        5 * time.Second,
		KeepaliveInterval:  DefaultKeepaliveInterval,
		PollInterval:       50 * time.Millisecond,
		AutoReconnect:      true,
	}
}

func (c ConsumerConfig) WithMaxFetchBytes(n uint32) ConsumerConfig { c.MaxFetchBytes = n; return c }
func (c ConsumerConfig) WithStartPosition(p SeekPosition) ConsumerConfig {
	c.StartPosition = p
	return c
}
func (c ConsumerConfig) WithOffsetDir(dir string) ConsumerConfig { c.OffsetDir = dir; return c }
func (c ConsumerConfig) WithManualCommit() ConsumerConfig        { c.AutoCommitInterval = 0; return c }
func (c ConsumerConfig) WithPollTimeout(d time.Duration) ConsumerConfig {
	c.PollTimeout = d
	return c
}
func (c ConsumerConfig) WithTLS(t *tls.Config) ConsumerConfig { c.TLS = t; return c }
func (c ConsumerConfig) WithAutoReconnect(enabled bool) ConsumerConfig {
	c.AutoReconnect = enabled
	return c
}

// StartOffset resolves the configured start position to a numeric offset.
func (c ConsumerConfig) StartOffset() uint64 { return c.StartPosition.resolve() }

// ReconnectConfig parameterizes exponential-backoff reconnection.
type ReconnectConfig struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 = unlimited
	JitterFactor float64
}

// DefaultReconnectConfig returns the default backoff parameters.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
	}
}

// DelayForAttempt returns min(BaseDelay x 2^attempt, MaxDelay) plus uniform
// jitter in [0, JitterFactor x delay).
func (c ReconnectConfig) DelayForAttempt(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.JitterFactor > 0 {
		d += time.Duration(rand.Float64() * c.JitterFactor * float64(d))
	}
	return d
}
