package egress

import "sync"

// unackedEntry records what's needed to identify and potentially
// resend a packet that hasn't been acknowledged yet.
type unackedEntry struct {
	packet        OutgoingPacket
	firstSendTick int32
	resendCount   int
}

// unackedTable maps sequence number to unackedEntry, preserving
// insertion order so a collaborating reliability layer can scan for
// timed-out entries oldest-first without sorting.
type unackedTable struct {
	mu      sync.Mutex
	entries map[uint32]unackedEntry
	order   []uint32
}

func newUnackedTable() *unackedTable {
	return &unackedTable{entries: make(map[uint32]unackedEntry)}
}

func (t *unackedTable) insert(seq uint32, pkt OutgoingPacket, now int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[seq]; !exists {
		t.order = append(t.order, seq)
	}
	t.entries[seq] = unackedEntry{packet: pkt, firstSendTick: now}
}

// ack removes seq from the table and returns the entry that was
// there, so the caller can feed firstSendTick into an RTT sample.
func (t *unackedTable) ack(seq uint32) (unackedEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[seq]
	if !ok {
		return unackedEntry{}, false
	}
	delete(t.entries, seq)
	// order is cleaned up lazily in oldest(); removing here would be
	// O(n) per ack for no benefit since oldest() already skips
	// stale entries.
	return e, true
}

func (t *unackedTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// oldest returns the longest-outstanding unacked sequence, skipping
// entries already removed by ack(), or false if the table is empty.
func (t *unackedTable) oldest() (uint32, unackedEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.order) > 0 {
		seq := t.order[0]
		if e, ok := t.entries[seq]; ok {
			return seq, e, true
		}
		t.order = t.order[1:]
	}
	return 0, unackedEntry{}, false
}

// markResent increments the resend counter for seq, if still present.
func (t *unackedTable) markResent(seq uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[seq]; ok {
		e.resendCount++
		t.entries[seq] = e
	}
}

func (t *unackedTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uint32]unackedEntry)
	t.order = nil
}

// pendingAckQueue batches inbound reliable-packet sequence numbers
// that still need to be acknowledged back to the viewer, so the wire
// codec can coalesce several acks into one outgoing packet.
type pendingAckQueue struct {
	mu   sync.Mutex
	seqs []uint32
}

func newPendingAckQueue() *pendingAckQueue {
	return &pendingAckQueue{}
}

func (q *pendingAckQueue) push(seq uint32) {
	q.mu.Lock()
	q.seqs = append(q.seqs, seq)
	q.mu.Unlock()
}

// drain removes and returns up to max queued sequence numbers. Passing
// max<=0 drains everything.
func (q *pendingAckQueue) drain(max int) []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max >= len(q.seqs) {
		out := q.seqs
		q.seqs = nil
		return out
	}
	out := q.seqs[:max]
	q.seqs = q.seqs[max:]
	return out
}

func (q *pendingAckQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seqs)
}
