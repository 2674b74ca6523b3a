package egress

// OutgoingPacket is the only view the core needs of a packet: its
// throttle category and serialized size. Everything else (sequence
// framing, payload bytes, reliable-flag bits) belongs to the wire
// codec, which is out of scope here.
type OutgoingPacket interface {
	Category() Category
	PayloadLen() uint32
}

// SendSink is the fire-and-forget UDP emit collaborator.
// Implementations must not block the dequeue loop.
type SendSink interface {
	SendPacketFinal(pkt OutgoingPacket)
}

// Executor runs a closure in the background exactly once, never
// blocking the caller. internal/executor provides a bounded
// worker-pool implementation.
type Executor interface {
	Spawn(fn func())
}

// Logger is the minimal warn/error surface the core needs.
// internal/logging.Adapter wraps a zerolog.Logger to satisfy this.
type Logger interface {
	Warn(msg string, fields map[string]any)
	Error(msg string, err error, fields map[string]any)
}
