// Package frame encodes and decodes the seven message kinds exchanged with
// the host dataplane over its shared-memory ring buffers: BEGIN, DATA, END,
// ABORT, WINDOW, RESET and SIGNAL.
package frame

// Kind identifies one of the seven message types in the shared-memory
// stream protocol. The numeric values are indicative; the host's concrete
// assignment is authoritative, but the core only needs a stable mapping.
type Kind uint32

const (
	KindBegin Kind = 0x01
	KindData  Kind = 0x02
	KindEnd   Kind = 0x03
	KindAbort Kind = 0x04
	KindWindow Kind = 0x05
	KindReset Kind = 0x06
	KindSignal Kind = 0x07
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindData:
		return "DATA"
	case KindEnd:
		return "END"
	case KindAbort:
		return "ABORT"
	case KindWindow:
		return "WINDOW"
	case KindReset:
		return "RESET"
	case KindSignal:
		return "SIGNAL"
	default:
		return "UNKNOWN"
	}
}

// Frame is any of the seven message types. StreamID is always present in
// the header, so every concrete type exposes it directly.
type Frame interface {
	Kind() Kind
	GetStreamID() uint64
}

// Begin opens a stream. Extension carries kind-specific data (TlsBeginExFW
// for accept/connect streams, route extension for control-plane ROUTE).
type Begin struct {
	RouteID       uint64
	StreamID      uint64
	TraceID       uint64
	Authorization uint64
	CorrelationID uint64
	Extension     []byte
}

func (b Begin) Kind() Kind           { return KindBegin }
func (b Begin) GetStreamID() uint64  { return b.StreamID }

// Data carries a slice of stream payload, debited against the receiver's
// previously granted window.
type Data struct {
	RouteID       uint64
	StreamID      uint64
	TraceID       uint64
	GroupID       uint32
	Padding       uint32
	Authorization uint64
	Payload       []byte
}

func (d Data) Kind() Kind          { return KindData }
func (d Data) GetStreamID() uint64 { return d.StreamID }

// End signals a clean half-close of the stream.
type End struct {
	RouteID       uint64
	StreamID      uint64
	TraceID       uint64
	Authorization uint64
}

func (e End) Kind() Kind          { return KindEnd }
func (e End) GetStreamID() uint64 { return e.StreamID }

// Abort signals an unclean, immediate close of the stream.
type Abort struct {
	RouteID       uint64
	StreamID      uint64
	TraceID       uint64
	Authorization uint64
}

func (a Abort) Kind() Kind          { return KindAbort }
func (a Abort) GetStreamID() uint64 { return a.StreamID }

// Window grants the peer additional credit to send on the stream.
type Window struct {
	RouteID  uint64
	StreamID uint64
	TraceID  uint64
	Credit   uint32
	Padding  uint32
	GroupID  uint32
}

func (w Window) Kind() Kind          { return KindWindow }
func (w Window) GetStreamID() uint64 { return w.StreamID }

// Reset signals the receiver rejects or cannot continue the stream.
type Reset struct {
	RouteID  uint64
	StreamID uint64
	TraceID  uint64
}

func (r Reset) Kind() Kind          { return KindReset }
func (r Reset) GetStreamID() uint64 { return r.StreamID }

// Signal is an out-of-band message posted back onto a stream, used here to
// carry FLUSH_HANDSHAKE notifications from the worker pool.
type Signal struct {
	RouteID  uint64
	StreamID uint64
	TraceID  uint64
	SignalID uint64
}

func (s Signal) Kind() Kind          { return KindSignal }
func (s Signal) GetStreamID() uint64 { return s.StreamID }

// FlushHandshakeSignal is the SIGNAL id posted by the worker pool when a
// delegated handshake task completes.
const FlushHandshakeSignal uint64 = 1

// Sink is how the core emits a frame onto a stream (accept, connect-reply,
// application-target, or throttle direction). The host's ring-buffer
// transport supplies the concrete implementation; the core only depends on
// this function shape.
type Sink func(f Frame) error
