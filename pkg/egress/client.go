package egress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odinsim/egress/internal/metrics"
)

// minCallbackMs is the cooldown between queue-empty callback fires.
const minCallbackMs = 50

// ClientConfig holds the tunables a ClientEgress needs beyond its
// fixed constants. Values of zero fall back to the same defaults
// DefaultClientConfig returns (the RTO fields to RttEstimator's own).
type ClientConfig struct {
	// PrimUpdatesPerCallback is the base number of packets requested
	// from upstream producers each time the queue-empty callback fires.
	PrimUpdatesPerCallback int64
	// QueueEmptyLowWater is the queue depth at or below which the
	// queue is considered "nearly empty" for callback purposes.
	QueueEmptyLowWater int64
	// EmptyTickThreshold is how many consecutive non-empty ticks are
	// tolerated before the callback fires anyway.
	EmptyTickThreshold int32
	// PromotionMask configures the priority queue's anti-starvation
	// cadence; see PriorityQueue.
	PromotionMask uint32

	DefaultRTO     time.Duration
	MaxRTO         time.Duration
	TickResolution time.Duration
}

// DefaultClientConfig returns the default tunables.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PrimUpdatesPerCallback: 100,
		QueueEmptyLowWater:     100,
		EmptyTickThreshold:     10,
		PromotionMask:          0x01,
	}
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.PrimUpdatesPerCallback == 0 {
		c.PrimUpdatesPerCallback = 100
	}
	if c.QueueEmptyLowWater == 0 {
		c.QueueEmptyLowWater = 100
	}
	if c.EmptyTickThreshold == 0 {
		c.EmptyTickThreshold = 10
	}
	if c.PromotionMask == 0 {
		c.PromotionMask = 0x01
	}
	return c
}

// Stats are the monotonically increasing counters ClientEgress tracks
// for itself; SendPacketStats reports the deltas since the last call.
type Stats struct {
	PacketsSent     int64
	PacketsReceived int64
	UnackedBytes    int64
}

// ClientEgress is the per-client egress orchestrator: it owns the
// throttle tree, the priority queue, the RTT estimator, and the
// unacked/pending-ack bookkeeping, and wires them together in
// DequeueOutgoing.
type ClientEgress struct {
	AgentID       string
	RemoteAddr    string
	CircuitCode   uint32

	cfg    ClientConfig
	clock  Clock
	sink   SendSink
	exec   Executor
	logger Logger

	isConnected atomic.Bool
	isPaused    atomic.Bool

	currentSequence     atomic.Uint32
	currentPingSequence atomic.Uint32 // kept masked to uint8

	lastPacketReceivedTick atomic.Int32
	bytesSinceLastAck      atomic.Int64

	stats         Stats
	statsMu       sync.Mutex
	reportedStats Stats

	root    *AdaptiveTokenBucket
	buckets [numCategories]*TokenBucket

	queue *PriorityQueue
	rtt   *RttEstimator

	unacked     *unackedTable
	pendingAcks *pendingAckQueue

	packedCacheMu sync.Mutex
	packedCache   *[ThrottleBlobSize]byte

	// nextQueueEmptyTick: 0 means the callback is currently in flight
	// (re-entry guard); otherwise the earliest tick at which it may
	// fire again.
	nextQueueEmptyTick atomic.Int32
	emptyTickCounter   atomic.Int32

	onQueueEmpty  func(numPackets int64)
	onPacketStats func(inDelta, outDelta int32, unackedBytes int32)
}

// NewClientEgress builds a ClientEgress with the category/throttle
// hierarchy already wired: Transfer under Asset, State under Task,
// AvatarInfo under State, everything else directly under the client
// root, and OutBand bypassing the tree entirely.
func NewClientEgress(agentID, remoteAddr string, circuitCode uint32, clock Clock, sink SendSink, exec Executor, logger Logger, cfg ClientConfig) *ClientEgress {
	cfg = cfg.withDefaults()

	c := &ClientEgress{
		AgentID:     agentID,
		RemoteAddr:  remoteAddr,
		CircuitCode: circuitCode,
		cfg:         cfg,
		clock:       clock,
		sink:        sink,
		exec:        exec,
		logger:      logger,
		root:        NewAdaptiveTokenBucket(clock),
		queue:       NewPriorityQueue(cfg.PromotionMask),
		rtt:         NewRttEstimator(cfg.DefaultRTO, cfg.MaxRTO, cfg.TickResolution),
		unacked:     newUnackedTable(),
		pendingAcks: newPendingAckQueue(),
	}
	c.isConnected.Store(true)
	c.nextQueueEmptyTick.Store(1) // armed; reached by ticks 1 through 0x40000000 (tick 0 has not reached it)

	// Build each category's bucket against its configured parent. The
	// table only ever points a category at an earlier-indexed one
	// (Transfer->Asset, State->Task, AvatarInfo->State), so a single
	// forward pass suffices.
	for cat := Category(0); cat < numCategories; cat++ {
		info := categoryTable[cat]
		if info.bypass {
			c.buckets[cat] = NewTokenBucket(0, nil, clock)
			continue
		}
		var parent *TokenBucket
		if info.hasParen {
			parent = c.buckets[info.parent]
		} else {
			parent = c.root.TokenBucket
		}
		c.buckets[cat] = NewTokenBucket(StartPerClientRate, parent, clock)
	}

	return c
}

// SetCallbacks registers the queue-empty and packet-stats event hooks
//. Passing nil for either disables that event.
func (c *ClientEgress) SetCallbacks(onQueueEmpty func(int64), onPacketStats func(int32, int32, int32)) {
	c.onQueueEmpty = onQueueEmpty
	c.onPacketStats = onPacketStats
}

// Connected reports whether the client is still alive.
func (c *ClientEgress) Connected() bool { return c.isConnected.Load() }

// NextSequence assigns the next reliable-packet sequence number.
func (c *ClientEgress) NextSequence() uint32 {
	return c.currentSequence.Add(1)
}

// NextPingSequence assigns the next ping sequence number, wrapping at
// 256 to fit the wire field's u8 width.
func (c *ClientEgress) NextPingSequence() uint8 {
	return uint8(c.currentPingSequence.Add(1))
}

// NoteReceived records that a packet arrived from this client, for the
// inbound side of SendPacketStats.
func (c *ClientEgress) NoteReceived(now int32, payloadLen uint32) {
	c.lastPacketReceivedTick.Store(now)
	atomic.AddInt64(&c.stats.PacketsReceived, 1)
}

// EnqueueOutgoing classifies pkt by category and pushes it onto the
// priority queue. It returns false for an unknown category, and for a
// disconnected client, which drops the packet without raising an
// error.
func (c *ClientEgress) EnqueueOutgoing(pkt OutgoingPacket) bool {
	if !c.isConnected.Load() {
		return false
	}
	cat := pkt.Category()
	if !knownCategory(cat) {
		return false
	}
	priority := categoryTable[cat].priority
	return c.queue.Enqueue(priority, pkt)
}

// EnqueueLazy is EnqueueOutgoing's counterpart for a lazy packet
// producer, used when the caller can't yet materialize a packet but
// wants a seat in line.
func (c *ClientEgress) EnqueueLazy(cat Category, producer PacketProducer) bool {
	if !c.isConnected.Load() {
		return false
	}
	if !knownCategory(cat) {
		return false
	}
	priority := categoryTable[cat].priority
	return c.queue.EnqueueLazy(priority, producer)
}

type waitingPacket struct {
	pkt      OutgoingPacket
	priority uint8
}

// DequeueOutgoing drains up to maxN packets from the priority queue,
// admitting each against its category's token bucket (OutBand always
// bypasses the bucket check). Packets that lose the bucket check are
// parked and, once the budget is spent, re-enqueued one priority level
// higher so a bucket-starved packet doesn't livelock behind newly
// arriving work at the same level. Returns true iff at least one packet was dispatched.
func (c *ClientEgress) DequeueOutgoing(maxN int) bool {
	if !c.isConnected.Load() || c.isPaused.Load() {
		return false
	}
	now := c.clock.TickMillis()

	var waiting []waitingPacket
	dispatched := false

	for i := 0; i < maxN; i++ {
		pkt, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		cat := pkt.Category()
		info := categoryTable[cat]

		if info.bypass || c.buckets[cat].RemoveTokens(pkt.PayloadLen(), now) {
			c.dispatch(pkt, now)
			dispatched = true
			continue
		}
		waiting = append(waiting, waitingPacket{pkt: pkt, priority: info.priority})
	}

	for _, w := range waiting {
		next := w.priority + 1
		if int(next) >= numPriorityLevels {
			next = numPriorityLevels - 1
		}
		c.queue.Enqueue(next, w.pkt)
		metrics.PacketsRequeued.WithLabelValues(c.AgentID, w.pkt.Category().String()).Inc()
	}

	c.evaluateQueueEmpty(now)
	return dispatched
}

func (c *ClientEgress) dispatch(pkt OutgoingPacket, now int32) {
	c.sink.SendPacketFinal(pkt)
	atomic.AddInt64(&c.stats.PacketsSent, 1)
	metrics.PacketsDispatched.WithLabelValues(c.AgentID, pkt.Category().String()).Inc()

	seq := c.NextSequence()
	c.unacked.insert(seq, pkt, now)
	atomic.AddInt64(&c.stats.UnackedBytes, int64(pkt.PayloadLen()))
	c.bytesSinceLastAck.Add(int64(pkt.PayloadLen()))

	if c.root.RequestedDripRate() < StartPerClientRate {
		c.root.RampUp()
	}
}

// Ack removes seq from the unacked table, decrementing the unacked
// byte counter. It returns the send tick so a reliability collaborator
// can turn it into an RTT sample via UpdateRoundTrip.
func (c *ClientEgress) Ack(seq uint32) (firstSendTick int32, ok bool) {
	e, found := c.unacked.ack(seq)
	if !found {
		return 0, false
	}
	atomic.AddInt64(&c.stats.UnackedBytes, -int64(e.packet.PayloadLen()))
	if c.stats.UnackedBytes < 0 {
		atomic.StoreInt64(&c.stats.UnackedBytes, 0)
	}
	c.bytesSinceLastAck.Store(0)
	return e.firstSendTick, true
}

// BytesSinceLastAck returns bytes sent since the most recent Ack call.
func (c *ClientEgress) BytesSinceLastAck() int64 { return c.bytesSinceLastAck.Load() }

// PendingUnackedCount reports how many sent packets await acknowledgment.
func (c *ClientEgress) PendingUnackedCount() int { return c.unacked.len() }

// OldestUnacked exposes the longest-outstanding unacked sequence for a
// collaborating retransmission scanner; the scan policy itself is not
// this core's concern.
func (c *ClientEgress) OldestUnacked() (seq uint32, firstSendTick int32, resendCount int, ok bool) {
	s, e, found := c.unacked.oldest()
	if !found {
		return 0, 0, 0, false
	}
	return s, e.firstSendTick, e.resendCount, true
}

// MarkResent bumps the resend counter for an unacked sequence, for use
// by the collaborator that decided to retransmit it.
func (c *ClientEgress) MarkResent(seq uint32) { c.unacked.markResent(seq) }

// QueueAck records that an inbound reliable packet with sequence seq
// needs to be acknowledged back to the viewer.
func (c *ClientEgress) QueueAck(seq uint32) { c.pendingAcks.push(seq) }

// DrainPendingAcks removes and returns up to max queued ack sequence
// numbers, for batching into an outgoing ack packet.
func (c *ClientEgress) DrainPendingAcks(max int) []uint32 { return c.pendingAcks.drain(max) }

// evaluateQueueEmpty implements the queue-empty callback gating: fire
// (subject to cooldown) when the queue is shallow or we've gone too
// many ticks without firing, damping the requested packet count when
// the queue is deeper than the low-water mark.
func (c *ClientEgress) evaluateQueueEmpty(now int32) {
	count := c.queue.Count()
	ticksWithoutFire := c.emptyTickCounter.Load()

	if count > c.cfg.QueueEmptyLowWater && ticksWithoutFire <= c.cfg.EmptyTickThreshold {
		c.emptyTickCounter.Add(1)
		return
	}

	numPackets := c.cfg.PrimUpdatesPerCallback
	if count > c.cfg.QueueEmptyLowWater {
		// Deep queue but we've waited long enough: dampen the ask in
		// proportion to how oversubscribed the queue and the wait are.
		numPackets = numPackets * (numPackets / count) * (int64(ticksWithoutFire) / 10)
	}
	if numPackets < 20 {
		c.emptyTickCounter.Add(1)
		return
	}

	c.emptyTickCounter.Store(0)
	c.beginFireQueueEmpty(numPackets, now)
}

// beginFireQueueEmpty dispatches the queue-empty callback on the
// background executor, guarded by nextQueueEmptyTick so a slow or
// still-running callback is never invoked again concurrently. The
// sentinel value 0 means "currently running".
func (c *ClientEgress) beginFireQueueEmpty(numPackets int64, now int32) {
	if c.onQueueEmpty == nil {
		return
	}
	next := c.nextQueueEmptyTick.Load()
	if next == 0 {
		return // already running
	}
	if !tickReached(now, next) {
		return // cooldown hasn't elapsed yet
	}

	if !c.nextQueueEmptyTick.CompareAndSwap(next, 0) {
		return // another caller already claimed the fire
	}

	metrics.QueueEmptyFires.WithLabelValues(c.AgentID).Inc()
	metrics.QueueEmptyNumPackets.Observe(float64(numPackets))

	c.exec.Spawn(func() {
		defer func() {
			if r := recover(); r != nil {
				if c.logger != nil {
					c.logger.Error("queue-empty callback panicked", nil, map[string]any{
						"agent_id": c.AgentID,
						"panic":    r,
					})
				}
			}
			completionTick := c.clock.TickMillis()
			armed := completionTick + minCallbackMs
			if armed <= 0 {
				armed = 1
			}
			c.nextQueueEmptyTick.Store(armed)
		}()
		if !c.isConnected.Load() {
			return
		}
		c.onQueueEmpty(numPackets)
	})
}

// tickReached reports whether now has reached or passed target,
// tolerating a single wrap of the 31-bit masked tick counter.
func tickReached(now, target int32) bool {
	return elapsedMillis(now, target) < 0x4000_0000
}

// SetThrottles parses a 28-byte viewer throttle update and applies it
// to the category bucket tree. The low-total scaling quirk and the
// high-total cap are both preserved faithfully, matching the original
// viewer-visible behavior rather than a corrected idealization of it.
func (c *ClientEgress) SetThrottles(buf [ThrottleBlobSize]byte) {
	bits := decodeThrottleBlob(buf)

	// bits/sec -> bytes/sec.
	var v [7]float64
	for i, b := range bits {
		v[i] = b * 0.125
	}
	resend, land, wind, cloud, task, texture, asset := v[0], v[1], v[2], v[3], v[4], v[5], v[6]

	state := floorAt(task * 0.3)
	task -= state
	transfer := floorAt(asset * 0.75)
	asset -= transfer
	avatarInfo := floorAt(state * 0.3)
	state -= avatarInfo

	total := resend + land + wind + cloud + task + texture + asset + transfer + state + avatarInfo
	if total > MaxPerClientRate {
		total = MaxPerClientRate
	}
	if total > 0 && total < MinPerClientRate {
		percent := floorAt((MinPerClientRate / total) * 100)
		scale := func(x float64) float64 { return x * percent / 100 }
		resend, land, wind, cloud = scale(resend), scale(land), scale(wind), scale(cloud)
		task, texture, asset = scale(task), scale(texture), scale(asset)
		transfer, state, avatarInfo = scale(transfer), scale(state), scale(avatarInfo)
	}

	c.buckets[CategoryResend].SetRequestedDripRate(resend)
	c.buckets[CategoryLand].SetRequestedDripRate(land)
	c.buckets[CategoryWind].SetRequestedDripRate(wind)
	c.buckets[CategoryCloud].SetRequestedDripRate(cloud)
	c.buckets[CategoryTask].SetRequestedDripRate(task)
	c.buckets[CategoryTexture].SetRequestedDripRate(texture)
	c.buckets[CategoryAsset].SetRequestedDripRate(asset)
	c.buckets[CategoryTransfer].SetRequestedDripRate(transfer)
	c.buckets[CategoryState].SetRequestedDripRate(state)
	c.buckets[CategoryAvatarInfo].SetRequestedDripRate(avatarInfo)
	c.buckets[CategoryOutBand].SetRequestedDripRate(0)

	c.root.SetRequestedDripRate(clampClientRate(total))

	c.packedCacheMu.Lock()
	c.packedCache = nil
	c.packedCacheMu.Unlock()
}

func floorAt(v float64) float64 {
	if v < 0 {
		return 0
	}
	i := int64(v)
	return float64(i)
}

// GetThrottlesPacked returns the cached 28-byte throttle report,
// rebuilding it on a cache miss by re-aggregating the sub-categories
// back into the seven viewer-visible fields: task absorbs
// State and AvatarInfo, Asset absorbs Transfer.
func (c *ClientEgress) GetThrottlesPacked() [ThrottleBlobSize]byte {
	c.packedCacheMu.Lock()
	defer c.packedCacheMu.Unlock()
	if c.packedCache != nil {
		return *c.packedCache
	}

	task := c.buckets[CategoryTask].RequestedDripRate() +
		c.buckets[CategoryState].RequestedDripRate() +
		c.buckets[CategoryAvatarInfo].RequestedDripRate()
	asset := c.buckets[CategoryAsset].RequestedDripRate() + c.buckets[CategoryTransfer].RequestedDripRate()

	values := [7]float64{
		c.buckets[CategoryResend].RequestedDripRate(),
		c.buckets[CategoryLand].RequestedDripRate(),
		c.buckets[CategoryWind].RequestedDripRate(),
		c.buckets[CategoryCloud].RequestedDripRate(),
		task,
		c.buckets[CategoryTexture].RequestedDripRate(),
		asset,
	}
	blob := encodeThrottleBlob(values)
	c.packedCache = &blob
	return blob
}

// UpdateRoundTrip feeds an RTT sample (milliseconds) from an ACK
// correlation the reliability collaborator already performed.
func (c *ClientEgress) UpdateRoundTrip(rMs float64) {
	if !c.isConnected.Load() {
		return
	}
	c.rtt.UpdateRoundTrip(rMs)
}

// BackoffRTO doubles the retransmission timeout after detected loss.
func (c *ClientEgress) BackoffRTO() {
	if !c.isConnected.Load() {
		return
	}
	c.rtt.Backoff()
}

// RTO returns the current retransmission timeout in milliseconds.
func (c *ClientEgress) RTO() float64 { return c.rtt.RTO() }

// SlowDownSend cuts the client root bucket's rate after detected
// congestion.
func (c *ClientEgress) SlowDownSend() {
	if !c.isConnected.Load() {
		return
	}
	c.root.SlowDown()
}

// SendPacketStats computes deltas against the last reported counters,
// invokes on_packet_stats if registered, then advances the reported
// counters.
func (c *ClientEgress) SendPacketStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	sent := atomic.LoadInt64(&c.stats.PacketsSent)
	received := atomic.LoadInt64(&c.stats.PacketsReceived)
	unacked := atomic.LoadInt64(&c.stats.UnackedBytes)

	outDelta := sent - c.reportedStats.PacketsSent
	inDelta := received - c.reportedStats.PacketsReceived

	if c.onPacketStats != nil {
		c.onPacketStats(int32(inDelta), int32(outDelta), int32(unacked))
	}

	c.reportedStats.PacketsSent = sent
	c.reportedStats.PacketsReceived = received
	c.reportedStats.UnackedBytes = unacked
}

// Shutdown flips is_connected, drains every queued packet, and clears
// callback references. It is idempotent: a second call is a no-op
//.
func (c *ClientEgress) Shutdown() {
	if !c.isConnected.CompareAndSwap(true, false) {
		return
	}
	for {
		if _, ok := c.queue.Dequeue(); !ok {
			break
		}
	}
	c.unacked.clear()
	c.pendingAcks.drain(0)
	c.onQueueEmpty = nil
	c.onPacketStats = nil
}

// Pause/Resume let an external flow-control signal suspend dequeueing
// without tearing the client down.
func (c *ClientEgress) Pause()  { c.isPaused.Store(true) }
func (c *ClientEgress) Resume() { c.isPaused.Store(false) }
func (c *ClientEgress) Paused() bool { return c.isPaused.Load() }

// QueueDepth returns the approximate priority queue depth.
func (c *ClientEgress) QueueDepth() int64 { return c.queue.Count() }

// RootRate returns the client root bucket's current requested drip
// rate in bytes/sec, for monitoring/export.
func (c *ClientEgress) RootRate() float64 { return c.root.RequestedDripRate() }

// CategoryTokens returns the current token level for every category
// bucket, keyed by category, for monitoring/export.
func (c *ClientEgress) CategoryTokens() map[Category]float64 {
	levels := make(map[Category]float64, numCategories)
	for cat := Category(0); cat < numCategories; cat++ {
		levels[cat] = c.buckets[cat].Tokens()
	}
	return levels
}
