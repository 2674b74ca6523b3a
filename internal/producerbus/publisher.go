// Package producerbus connects the egress core's upstream-facing hooks
// to the rest of the simulator: a NATS publisher turns each client's
// queue-empty callback into a "need more work" notice for whatever
// produces prim/object updates, and a franz-go consumer feeds world
// state events from Redpanda/Kafka into each client's outgoing queue.
package producerbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NeedMoreWorkMessage is published on the queue-empty subject so an
// upstream producer knows which client is draining and how many prim
// updates it can absorb before its queue backs up again.
type NeedMoreWorkMessage struct {
	AgentID     string `json:"agent_id"`
	NumPackets  int64  `json:"num_packets"`
	PublishedAt int64  `json:"published_at_unix_ms"`
}

// Publisher wraps a NATS connection for the narrow publish-only surface
// the fleet needs: one subject per agent, under a configured prefix.
type Publisher struct {
	conn    *nats.Conn
	prefix  string
	logger  zerolog.Logger
}

// PublisherConfig carries the NATS connection tunables.
type PublisherConfig struct {
	URL             string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// NewPublisher dials NATS and wires connection-lifecycle logging.
func NewPublisher(cfg PublisherConfig, logger zerolog.Logger) (*Publisher, error) {
	p := &Publisher{prefix: cfg.SubjectPrefix, logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("producer bus connected")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("producer bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("producer bus reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect producer bus: %w", err)
	}
	p.conn = conn
	return p, nil
}

// subject builds the per-agent queue-empty subject.
func (p *Publisher) subject(agentID string) string {
	return fmt.Sprintf("%s.need_more_work.%s", p.prefix, agentID)
}

// NotifyNeedMoreWork returns a closure suitable for passing as the
// onQueueEmpty callback to egress.ClientEgress.SetCallbacks, run on the
// background executor so it never blocks the dequeue loop.
func (p *Publisher) NotifyNeedMoreWork(agentID string) func(numPackets int64) {
	return func(numPackets int64) {
		msg := NeedMoreWorkMessage{
			AgentID:     agentID,
			NumPackets:  numPackets,
			PublishedAt: time.Now().UnixMilli(),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			p.logger.Error().Err(err).Str("agent_id", agentID).Msg("marshal need-more-work message")
			return
		}
		if err := p.conn.Publish(p.subject(agentID), data); err != nil {
			p.logger.Warn().Err(err).Str("agent_id", agentID).Msg("publish need-more-work message")
		}
	}
}

// Close closes the underlying NATS connection without draining it.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
