package egress

import "testing"

// TestPriorityPreservedWithoutPromotion checks that with a mask that
// (for practical purposes) never promotes, dequeue order is strictly
// non-increasing in priority.
func TestPriorityPreservedWithoutPromotion(t *testing.T) {
	pq := NewPriorityQueue(0xFFFFFFFF)
	pq.Enqueue(0, pkt(CategoryWind, 1))
	for i := 0; i < 20; i++ {
		pq.Enqueue(7, pkt(CategoryResend, 1))
	}

	lastPriority := 8
	for {
		p, ok := pq.Dequeue()
		if !ok {
			break
		}
		prio := categoryTable[p.Category()].priority
		if int(prio) > lastPriority {
			t.Fatalf("priority increased across dequeues: %d after %d", prio, lastPriority)
		}
		lastPriority = int(prio)
	}
}

// TestPromotionLiftsForgottenPacket checks that a single level-0
// packet enqueued ahead of a flood of level-7 packets gets lifted by
// the promotion cadence (mask=0x01) instead of sitting behind every
// one of them. Without promotion, strict priority dequeue would always
// drain it dead last.
func TestPromotionLiftsForgottenPacket(t *testing.T) {
	pq := NewPriorityQueue(0x01)
	marker := pkt(CategoryWind, 1)
	pq.Enqueue(0, marker)

	for i := 0; i < 20; i++ {
		pq.Enqueue(7, pkt(CategoryResend, 1))
	}

	markerPos, total := -1, 0
	for {
		p, ok := pq.Dequeue()
		if !ok {
			break
		}
		if p.(testPacket) == marker {
			markerPos = total
		}
		total++
	}
	if markerPos < 0 {
		t.Fatalf("expected to observe the level-0 packet dequeued")
	}
	if markerPos == total-1 {
		t.Fatalf("level-0 packet drained dead last; promotion never lifted it")
	}
}

// TestOutBandBypass is scenario S2: with every bucket starved, OutBand
// still dispatches while a throttled category stays queued.
func TestOutBandBypass(t *testing.T) {
	clk := &fakeClock{now: 0}
	sink := &fakeSink{}
	c := NewClientEgress("agent", "127.0.0.1:1", 1, clk, sink, syncExecutor{}, nil, DefaultClientConfig())

	var zero [ThrottleBlobSize]byte
	c.SetThrottles(zero) // every bucket rate -> 0

	c.EnqueueOutgoing(pkt(CategoryOutBand, 100))
	c.EnqueueOutgoing(pkt(CategoryTexture, 100))

	c.DequeueOutgoing(10)

	if len(sink.sent) != 1 {
		t.Fatalf("expected exactly 1 dispatched packet, got %d", len(sink.sent))
	}
	if sink.sent[0].Category() != CategoryOutBand {
		t.Fatalf("expected OutBand to dispatch, got %v", sink.sent[0].Category())
	}
	if c.QueueDepth() != 1 {
		t.Fatalf("expected Texture packet to remain queued, depth=%d", c.QueueDepth())
	}
}

func TestEnqueueRejectsOutOfRangePriority(t *testing.T) {
	pq := NewPriorityQueue(0x01)
	if pq.Enqueue(250, pkt(CategoryWind, 1)) {
		t.Fatalf("expected enqueue at out-of-range priority to fail")
	}
}

func TestLazyItemSkippedWithoutDecrementingCount(t *testing.T) {
	pq := NewPriorityQueue(0x01)
	ready := false
	pq.EnqueueLazy(5, func() (OutgoingPacket, bool) {
		if !ready {
			return nil, false
		}
		return pkt(CategoryTransfer, 1), true
	})

	before := pq.Count()
	if _, ok := pq.Dequeue(); ok {
		t.Fatalf("expected no packet while producer isn't ready")
	}
	if pq.Count() != before {
		t.Fatalf("count changed for a skipped lazy item: before=%d after=%d", before, pq.Count())
	}

	ready = true
	p, ok := pq.Dequeue()
	if !ok || p.Category() != CategoryTransfer {
		t.Fatalf("expected the lazy item to materialize once ready")
	}
}
