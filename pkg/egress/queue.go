package egress

import "sync"

// PacketProducer is a lazy queue payload: a handle that may or may not
// be able to produce a packet this tick. Dequeue skips producers that decline.
type PacketProducer func() (OutgoingPacket, bool)

// item is the tagged variant the queue actually stores: either a
// ready packet or a lazy producer.
type item struct {
	packet OutgoingPacket
	lazy   PacketProducer
}

func readyItem(p OutgoingPacket) item { return item{packet: p} }

func lazyItem(p PacketProducer) item { return item{lazy: p} }

// tryMaterialize returns the packet this item represents, or false if
// a lazy producer isn't ready to emit one this tick.
func (it item) tryMaterialize() (OutgoingPacket, bool) {
	if it.lazy != nil {
		return it.lazy()
	}
	return it.packet, true
}

// level is a FIFO deque for one priority level, guarded by its own
// mutex so enqueue at one level never blocks dequeue scanning another.
type level struct {
	mu    sync.Mutex
	items []item
}

func (l *level) pushBack(it item) {
	l.mu.Lock()
	l.items = append(l.items, it)
	l.mu.Unlock()
}

func (l *level) popFront() (item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return item{}, false
	}
	it := l.items[0]
	l.items = l.items[1:]
	return it, true
}

func (l *level) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// PriorityQueue is an N-level multi-queue: strict priority at dequeue,
// FIFO within a level, with periodic promotion of lower levels so a
// steady stream of high-priority traffic can never starve the bottom
// of the queue indefinitely.
type PriorityQueue struct {
	levels            [numPriorityLevels]*level
	promotionCounters [numPriorityLevels]uint32
	promotionMask     uint32
	count             int64
	countMu           sync.Mutex
}

// NewPriorityQueue creates a queue with the given promotion mask.
// mask=0x01 (the default) promotes every other enqueue at a
// level; mask=0xFFFFFFFF effectively disables promotion, since the
// counter must wrap all the way around before mask&counter==0 again —
// useful for the "priority preservation" property test.
func NewPriorityQueue(promotionMask uint32) *PriorityQueue {
	pq := &PriorityQueue{promotionMask: promotionMask}
	for i := range pq.levels {
		pq.levels[i] = &level{}
	}
	return pq
}

// Count returns the approximate number of queued items. It is
// best-effort under concurrent enqueue/promotion — use it
// only as a backpressure hint, never as a correctness invariant.
func (pq *PriorityQueue) Count() int64 {
	pq.countMu.Lock()
	defer pq.countMu.Unlock()
	return pq.count
}

func (pq *PriorityQueue) addCount(delta int64) {
	pq.countMu.Lock()
	pq.count += delta
	pq.countMu.Unlock()
}

// enqueueItem is the shared implementation behind Enqueue and its
// lazy-producer variant EnqueueLazy.
func (pq *PriorityQueue) enqueueItem(priority uint8, it item) bool {
	if int(priority) >= numPriorityLevels {
		return false
	}
	pq.levels[priority].pushBack(it)
	pq.addCount(1)
	pq.promote(priority)
	return true
}

// Enqueue adds a ready packet at the given priority level. Returns
// false iff priority is out of range.
func (pq *PriorityQueue) Enqueue(priority uint8, pkt OutgoingPacket) bool {
	return pq.enqueueItem(priority, readyItem(pkt))
}

// EnqueueLazy adds a packet producer at the given priority level.
func (pq *PriorityQueue) EnqueueLazy(priority uint8, producer PacketProducer) bool {
	return pq.enqueueItem(priority, lazyItem(producer))
}

// promote implements the anti-starvation lift: once every
// (mask+1) enqueues at level p, walk every level below p and, if
// non-empty, lift one item up by exactly one level. A packet sitting
// near the bottom is therefore lifted every time *any* level above it
// fills at that cadence, bounding how long it can stall.
func (pq *PriorityQueue) promote(p uint8) {
	pq.promotionCounters[p]++
	if pq.promotionCounters[p]&pq.promotionMask != 0 {
		return
	}
	for i := int(p) - 1; i >= 0; i-- {
		if it, ok := pq.levels[i].popFront(); ok {
			pq.levels[i+1].pushBack(it)
		}
	}
}

// Dequeue removes and returns the highest-priority available packet.
// Levels are scanned highest to lowest; within a level, FIFO order is
// preserved. Lazy items that decline to materialize this tick are
// skipped without affecting Count — they're pushed back
// onto the tail of their level so a later tick can retry them.
func (pq *PriorityQueue) Dequeue() (OutgoingPacket, bool) {
	for lvl := numPriorityLevels - 1; lvl >= 0; lvl-- {
		l := pq.levels[lvl]
		attempts := l.size()
		for a := 0; a < attempts; a++ {
			it, ok := l.popFront()
			if !ok {
				break
			}
			pkt, ready := it.tryMaterialize()
			if ready {
				pq.addCount(-1)
				return pkt, true
			}
			// Not ready yet: keep it queued, try the next item.
			l.pushBack(it)
		}
	}
	return nil, false
}
