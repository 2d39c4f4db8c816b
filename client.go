package lance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nitecon/go-lance/internal/logging"
	"github.com/nitecon/go-lance/lwp"
)

// TopicMetadata is a topic-metadata response. The server's JSON shape is not
// interpreted by the client beyond the "topics" list unwrapping.
type TopicMetadata map[string]any

// Client is the management client for topic lifecycle operations. Each
// operation is a single CONTROL round trip over the connection.
type Client struct {
	conn   *Conn
	cfg    ClientConfig
	logger *slog.Logger
}

// DialClient connects to the Lance server named by cfg and returns a
// management client.
func DialClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	conn := NewConn(cfg.Host, cfg.Port,
		WithKeepaliveInterval(cfg.KeepaliveInterval),
		WithConnectTimeout(cfg.ConnectTimeout),
		WithTLSConfig(cfg.TLS),
	)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	c := &Client{conn: conn, cfg: cfg, logger: logging.L().With("component", "client")}
	c.logger.Info("client_connected", "addr", cfg.Address())
	return c, nil
}

// Close closes the client's connection.
func (c *Client) Close() error { return c.conn.Close() }

// CreateTopic creates a topic and returns its metadata.
func (c *Client) CreateTopic(ctx context.Context, name string) (TopicMetadata, error) {
	return c.roundTrip(ctx, lwp.CmdCreateTopic, []byte(name))
}

// CreateTopicWithRetention creates a topic with a retention policy in one
// operation. Zero limits mean unlimited.
func (c *Client) CreateTopicWithRetention(ctx context.Context, name string, maxAgeSecs, maxBytes uint64) (TopicMetadata, error) {
	payload := lwp.BuildCreateTopicWithRetentionPayload(name, maxAgeSecs, maxBytes)
	return c.roundTrip(ctx, lwp.CmdCreateTopicWithRetention, payload)
}

// DeleteTopic deletes a topic by ID.
func (c *Client) DeleteTopic(ctx context.Context, topicID uint32) error {
	_, err := c.roundTrip(ctx, lwp.CmdDeleteTopic, lwp.BuildTopicIDPayload(topicID))
	return err
}

// ListTopics lists all topics.
func (c *Client) ListTopics(ctx context.Context) ([]TopicMetadata, error) {
	frame := lwp.BuildControlFrame(lwp.CmdListTopics, nil, 0)
	if err := c.conn.SendFrame(frame); err != nil {
		return nil, err
	}
	payload, err := c.recvResponse(ctx)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	// Response may be a bare list or a dict with a "topics" list inside.
	var list []TopicMetadata
	if err := json.Unmarshal(payload, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Topics []TopicMetadata `json:"topics"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Topics != nil {
		return wrapped.Topics, nil
	}
	var single TopicMetadata
	if err := json.Unmarshal(payload, &single); err == nil && len(single) > 0 {
		return []TopicMetadata{single}, nil
	}
	return nil, fmt.Errorf("%w: malformed list response", ErrProtocol)
}

// GetTopic returns metadata for one topic.
func (c *Client) GetTopic(ctx context.Context, topicID uint32) (TopicMetadata, error) {
	return c.roundTrip(ctx, lwp.CmdGetTopic, lwp.BuildTopicIDPayload(topicID))
}

// SetRetention sets the retention policy for a topic. Zero limits mean
// unlimited.
func (c *Client) SetRetention(ctx context.Context, topicID uint32, maxAgeSecs, maxBytes uint64) (TopicMetadata, error) {
	payload := lwp.BuildSetRetentionPayload(topicID, maxAgeSecs, maxBytes)
	return c.roundTrip(ctx, lwp.CmdSetRetention, payload)
}

func (c *Client) roundTrip(ctx context.Context, cmd lwp.Command, payload []byte) (TopicMetadata, error) {
	frame := lwp.BuildControlFrame(cmd, payload, 0)
	if err := c.conn.SendFrame(frame); err != nil {
		return nil, err
	}
	resp, err := c.recvResponse(ctx)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return TopicMetadata{}, nil
	}
	var meta TopicMetadata
	if err := json.Unmarshal(resp, &meta); err != nil {
		return TopicMetadata{}, nil
	}
	return meta, nil
}

// recvResponse waits for one TOPIC_RESPONSE or ERROR_RESPONSE control frame
// and returns the raw payload of the former.
func (c *Client) recvResponse(ctx context.Context) ([]byte, error) {
	timeout := c.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	h, payload, err := c.conn.RecvFrame(timeout)
	if err != nil {
		return nil, err
	}
	cmd, isControl := h.Command()
	if !isControl {
		return nil, fmt.Errorf("%w: expected control frame, got flags %#02x", ErrProtocol, uint8(h.Flags))
	}
	switch cmd {
	case lwp.CmdErrorResponse:
		return nil, serverErrorFromPayload(payload)
	case lwp.CmdTopicResponse:
		return payload, nil
	}
	// Some commands answer with ack-style control frames.
	if h.IsAck() || len(payload) > 0 {
		return payload, nil
	}
	return nil, nil
}
