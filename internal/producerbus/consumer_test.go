package producerbus

import (
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/odinsim/egress/pkg/egress"
)

func TestCategoryForTopicKnownSuffix(t *testing.T) {
	cases := map[string]egress.Category{
		"world-state.wind":    egress.CategoryWind,
		"world-state.texture": egress.CategoryTexture,
		"world-state.asset":   egress.CategoryAsset,
	}
	for topic, want := range cases {
		if got := categoryForTopic(topic); got != want {
			t.Errorf("categoryForTopic(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestCategoryForTopicUnknownSuffixDefaultsToTask(t *testing.T) {
	if got := categoryForTopic("world-state.unknown-suffix"); got != egress.CategoryTask {
		t.Fatalf("unknown topic suffix = %v, want CategoryTask", got)
	}
	if got := categoryForTopic("no-dot-at-all"); got != egress.CategoryTask {
		t.Fatalf("topic without a dot = %v, want CategoryTask", got)
	}
}

// fakeLookup is a minimal ClientLookup for testing routeRecord without
// a live fleet manager.
type fakeLookup struct {
	clients map[string]*egress.ClientEgress
}

func (f fakeLookup) Get(agentID string) (*egress.ClientEgress, bool) {
	c, ok := f.clients[agentID]
	return c, ok
}

type routeRecordSink struct{ sent []egress.OutgoingPacket }

func (s *routeRecordSink) SendPacketFinal(pkt egress.OutgoingPacket) { s.sent = append(s.sent, pkt) }

type inlineExecutor struct{}

func (inlineExecutor) Spawn(fn func()) { fn() }

type noopClock struct{}

func (noopClock) TickMillis() int32 { return 0 }

func TestRouteRecordDeliversToKnownClient(t *testing.T) {
	sink := &routeRecordSink{}
	client := egress.NewClientEgress("agent-1", "127.0.0.1:0", 1, noopClock{}, sink, inlineExecutor{}, nil, egress.ClientConfig{})

	c := &Consumer{clients: fakeLookup{clients: map[string]*egress.ClientEgress{"agent-1": client}}}
	c.routeRecord(&kgo.Record{Topic: "world-state.wind", Key: []byte("agent-1"), Value: []byte("payload")})

	delivered, dropped := c.Metrics()
	if delivered != 1 || dropped != 0 {
		t.Fatalf("delivered=%d dropped=%d, want delivered=1 dropped=0", delivered, dropped)
	}
	if client.QueueDepth() != 1 {
		t.Fatalf("client queue depth = %d, want 1", client.QueueDepth())
	}
}

func TestRouteRecordDropsUnknownAgent(t *testing.T) {
	c := &Consumer{clients: fakeLookup{clients: map[string]*egress.ClientEgress{}}}
	c.routeRecord(&kgo.Record{Topic: "world-state.wind", Key: []byte("ghost"), Value: []byte("payload")})

	delivered, dropped := c.Metrics()
	if delivered != 0 || dropped != 1 {
		t.Fatalf("delivered=%d dropped=%d, want delivered=0 dropped=1", delivered, dropped)
	}
}

func TestRouteRecordDropsEmptyKey(t *testing.T) {
	c := &Consumer{clients: fakeLookup{clients: map[string]*egress.ClientEgress{}}}
	c.routeRecord(&kgo.Record{Topic: "world-state.wind", Key: nil, Value: []byte("payload")})

	delivered, dropped := c.Metrics()
	if delivered != 0 || dropped != 1 {
		t.Fatalf("delivered=%d dropped=%d, want delivered=0 dropped=1", delivered, dropped)
	}
}
