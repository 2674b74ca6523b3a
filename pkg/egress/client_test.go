package egress

import "testing"

func newTestClient(clk *fakeClock, sink *fakeSink) *ClientEgress {
	return NewClientEgress("agent", "127.0.0.1:1", 1, clk, sink, syncExecutor{}, nil, DefaultClientConfig())
}

func TestDispatchTracksUnackedUntilAck(t *testing.T) {
	clk := &fakeClock{now: 0}
	sink := &fakeSink{}
	c := newTestClient(clk, sink)

	c.EnqueueOutgoing(pkt(CategoryOutBand, 64))
	c.DequeueOutgoing(10)

	if c.PendingUnackedCount() != 1 {
		t.Fatalf("expected 1 unacked packet after dispatch, got %d", c.PendingUnackedCount())
	}
	if c.BytesSinceLastAck() != 64 {
		t.Fatalf("BytesSinceLastAck = %d, want 64", c.BytesSinceLastAck())
	}

	seq, _, _, ok := c.OldestUnacked()
	if !ok {
		t.Fatalf("expected an oldest unacked entry")
	}
	if _, ok := c.Ack(seq); !ok {
		t.Fatalf("Ack(%d) failed", seq)
	}
	if c.PendingUnackedCount() != 0 {
		t.Fatalf("expected 0 unacked after ack, got %d", c.PendingUnackedCount())
	}
	if c.BytesSinceLastAck() != 0 {
		t.Fatalf("BytesSinceLastAck after ack = %d, want 0", c.BytesSinceLastAck())
	}
}

func TestAckUnknownSequenceFails(t *testing.T) {
	clk := &fakeClock{now: 0}
	c := newTestClient(clk, &fakeSink{})
	if _, ok := c.Ack(999); ok {
		t.Fatalf("expected Ack on an unknown sequence to fail")
	}
}

// TestShutdownIsIdempotent checks that a second Shutdown call is a
// no-op, and no packets can be enqueued or dispatched afterward.
func TestShutdownIsIdempotent(t *testing.T) {
	clk := &fakeClock{now: 0}
	sink := &fakeSink{}
	c := newTestClient(clk, sink)

	c.EnqueueOutgoing(pkt(CategoryOutBand, 10))
	c.Shutdown()
	c.Shutdown() // must not panic or double-drain

	if c.Connected() {
		t.Fatalf("expected client to report disconnected after Shutdown")
	}
	if c.EnqueueOutgoing(pkt(CategoryOutBand, 10)) {
		t.Fatalf("expected EnqueueOutgoing to fail after Shutdown")
	}
	if c.DequeueOutgoing(10) {
		t.Fatalf("expected DequeueOutgoing to report nothing dispatched after Shutdown")
	}
	if c.QueueDepth() != 0 {
		t.Fatalf("expected queue drained by Shutdown, depth=%d", c.QueueDepth())
	}
}

// TestQueueEmptyCallbackRespectsCooldown is S6: the queue-empty
// callback does not fire again before MIN_CALLBACK_MS has elapsed,
// even if the queue keeps draining to empty every tick.
func TestQueueEmptyCallbackRespectsCooldown(t *testing.T) {
	clk := &fakeClock{now: 0}
	sink := &fakeSink{}
	c := newTestClient(clk, sink)

	fires := 0
	c.SetCallbacks(func(int64) { fires++ }, nil)

	for i := 0; i < 5; i++ {
		c.EnqueueOutgoing(pkt(CategoryOutBand, 1))
		c.DequeueOutgoing(10)
		clk.Advance(1) // well under the 50ms cooldown
	}
	if fires != 1 {
		t.Fatalf("expected exactly 1 callback fire within the cooldown window, got %d", fires)
	}

	clk.Advance(minCallbackMs + 1)
	c.EnqueueOutgoing(pkt(CategoryOutBand, 1))
	c.DequeueOutgoing(10)
	if fires != 2 {
		t.Fatalf("expected a second fire once the cooldown elapsed, got %d", fires)
	}
}

// TestHierarchicalClampAtClientLevel is S3: a child category (Transfer,
// under Asset) can never sustain a higher admitted rate than its
// parent even when its own bucket is configured richer than the root.
func TestHierarchicalClampAtClientLevel(t *testing.T) {
	clk := &fakeClock{now: 0}
	sink := &fakeSink{}
	c := newTestClient(clk, sink)

	c.buckets[CategoryAsset].SetRequestedDripRate(1000)
	c.buckets[CategoryTransfer].SetRequestedDripRate(100_000) // richer than its parent

	c.buckets[CategoryAsset].Drip(clk.now)
	c.buckets[CategoryTransfer].Drip(clk.now)

	if got := c.buckets[CategoryTransfer].CurrentDripRate(); got != 1000 {
		t.Fatalf("Transfer current rate = %v, want clamped to Asset's 1000", got)
	}
}

func TestGetThrottlesPackedRoundTripsAggregates(t *testing.T) {
	clk := &fakeClock{now: 0}
	c := newTestClient(clk, &fakeSink{})

	values := [7]float64{8000, 0, 0, 0, 80000, 0, 40000} // bits/sec: resend, task, asset
	blob := encodeThrottleBlob(values)
	c.SetThrottles(blob)

	packed := c.GetThrottlesPacked()
	out := decodeThrottleBlob(packed)

	// Task and Asset absorb their sub-category splits (State/AvatarInfo,
	// Transfer respectively); the report carries the aggregated bytes/sec
	// bucket rates, so it round-trips the pre-split bytes/sec value
	// (values[i]*0.125), not the original bits/sec wire field.
	wantTask := c.buckets[CategoryTask].RequestedDripRate() +
		c.buckets[CategoryState].RequestedDripRate() +
		c.buckets[CategoryAvatarInfo].RequestedDripRate()
	wantAsset := c.buckets[CategoryAsset].RequestedDripRate() + c.buckets[CategoryTransfer].RequestedDripRate()
	if diff := out[4] - wantTask; diff > 1 || diff < -1 {
		t.Fatalf("reported task field = %v, want near %v", out[4], wantTask)
	}
	if diff := out[6] - wantAsset; diff > 1 || diff < -1 {
		t.Fatalf("reported asset field = %v, want near %v", out[6], wantAsset)
	}
}
