package producerbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/odinsim/egress/pkg/egress"
)

// ClientLookup resolves an agent ID to its live ClientEgress, letting
// the consumer stay ignorant of how the fleet registry is implemented.
type ClientLookup interface {
	Get(agentID string) (*egress.ClientEgress, bool)
}

// envelopePacket adapts a consumed record into egress.OutgoingPacket:
// the core only needs a category and a size to throttle against, so
// the payload bytes themselves pass through opaque.
type envelopePacket struct {
	category egress.Category
	size     uint32
}

func (e envelopePacket) Category() egress.Category { return e.category }
func (e envelopePacket) PayloadLen() uint32         { return e.size }

// topicCategory maps a world-state topic suffix to the outgoing
// category its events are scheduled under.
var topicCategory = map[string]egress.Category{
	"wind":        egress.CategoryWind,
	"cloud":       egress.CategoryCloud,
	"land":        egress.CategoryLand,
	"texture":     egress.CategoryTexture,
	"asset":       egress.CategoryAsset,
	"task":        egress.CategoryTask,
	"transfer":    egress.CategoryTransfer,
	"state":       egress.CategoryState,
	"avatar-info": egress.CategoryAvatarInfo,
}

// categoryForTopic extracts the category suffix from a topic name of
// the form "<prefix>.<category>", defaulting to CategoryTask for an
// unrecognized suffix so a misconfigured topic still schedules instead
// of silently vanishing.
func categoryForTopic(topic string) egress.Category {
	idx := strings.LastIndex(topic, ".")
	if idx < 0 {
		return egress.CategoryTask
	}
	if cat, ok := topicCategory[topic[idx+1:]]; ok {
		return cat
	}
	return egress.CategoryTask
}

// ConsumerConfig configures the Redpanda/Kafka consumer that feeds
// world-state events into each client's outgoing queue.
type ConsumerConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Logger        zerolog.Logger
	Clients       ClientLookup
}

// Consumer wraps a franz-go client, routing each record's key (an
// agent ID) to that client's EnqueueOutgoing.
type Consumer struct {
	client  *kgo.Client
	logger  zerolog.Logger
	clients ClientLookup

	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewConsumer builds (but does not start) a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.Clients == nil {
		return nil, fmt.Errorf("client lookup is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			cfg.Logger.Info().Interface("partitions", assigned).Msg("world-state partitions assigned")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create world-state client: %w", err)
	}

	return &Consumer{
		client:  client,
		logger:  cfg.Logger,
		clients: cfg.Clients,
	}, nil
}

// Start launches the poll loop in the background.
func (c *Consumer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.pollLoop(ctx)
}

func (c *Consumer) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		for _, err := range fetches.Errors() {
			c.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).
				Msg("world-state fetch error")
		}
		fetches.EachRecord(c.routeRecord)
	}
}

// routeRecord enqueues one consumed event onto the addressed client's
// outgoing queue. A missing or disconnected client is a normal race
// (the viewer logged off between publish and delivery), not an error.
func (c *Consumer) routeRecord(record *kgo.Record) {
	agentID := string(record.Key)
	if agentID == "" {
		c.dropped.Add(1)
		return
	}
	client, ok := c.clients.Get(agentID)
	if !ok {
		c.dropped.Add(1)
		return
	}

	pkt := envelopePacket{
		category: categoryForTopic(record.Topic),
		size:     uint32(len(record.Value)),
	}
	if client.EnqueueOutgoing(pkt) {
		c.delivered.Add(1)
	} else {
		c.dropped.Add(1)
	}
}

// Stop cancels the poll loop, waits for it to exit, and closes the
// underlying client.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.client.Close()
}

// Metrics returns the running delivered/dropped record counts.
func (c *Consumer) Metrics() (delivered, dropped uint64) {
	return c.delivered.Load(), c.dropped.Load()
}
