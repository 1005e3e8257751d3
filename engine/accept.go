package engine

import (
	"github.com/account-login/nukleus-tls/budget"
	"github.com/account-login/nukleus-tls/correlation"
	"github.com/account-login/nukleus-tls/counters"
	"github.com/account-login/nukleus-tls/frame"
	"github.com/account-login/nukleus-tls/route"
	"github.com/account-login/nukleus-tls/slot"
	"github.com/account-login/nukleus-tls/tlsengine"
	"github.com/account-login/nukleus-tls/worker"
)

// acceptState is the accept stream's lifecycle, dispatched in Handle by a
// plain switch rather than by reassigning a stored method reference: the
// three states are BEGIN not yet seen, a handshake in progress, and
// steady-state record forwarding once the handshake has finished.
type acceptState int

const (
	stateBeforeBegin acceptState = iota
	stateHandshaking
	stateAfterHandshake
)

// Binding is what a finished handshake hands to its eventual
// connect-reply stream: the negotiated TLS engine and everything needed
// to keep emitting ciphertext onto the same network connection.
type Binding struct {
	TLS                 *tlsengine.Engine
	NetworkReply        frame.Sink
	RouteID             uint64
	Authorization       uint64
	NetworkReplyBudget  uint32
	NetworkReplyPadding uint32
}

// AcceptConnection is the accept-side stream: inbound ciphertext in,
// decrypted application bytes out, for the lifetime of one TLS session.
type AcceptConnection struct {
	state acceptState

	routeID, streamID, traceID, authorization uint64

	networkThrottle   frame.Sink // WINDOW/RESET back to the network peer
	applicationTarget frame.Sink // BEGIN/DATA/END/ABORT to the backend application
	networkReply      frame.Sink // BEGIN/DATA/END/ABORT for handshake+reply ciphertext
	selfSignal        frame.Sink // re-post a SIGNAL onto this same stream id

	tls     *tlsengine.Engine
	workers *worker.Pool
	task    *worker.Task

	routes       route.Table
	correlations *correlation.Registry[*Binding]
	connections  *Connections

	netPool       slot.Pool
	netSlot       slot.Slot
	netSlotOffset int

	appPool       slot.Pool
	appSlot       slot.Slot
	appSlotOffset int
	inboundDone   bool

	counters counters.Counters

	networkBudget     budget.Budget
	applicationBudget budget.Budget

	failed bool
}

func (ac *AcceptConnection) Handle(f frame.Frame) error {
	switch v := f.(type) {
	case frame.Begin:
		return ac.handleBegin(v)
	case frame.Data:
		return ac.handleData(v)
	case frame.End:
		return ac.handleEnd(v)
	case frame.Abort:
		return ac.handleAbort(v)
	case frame.Window:
		return ac.handleWindow(v)
	case frame.Reset:
		return ac.handleReset(v)
	case frame.Signal:
		return ac.handleSignal(v)
	default:
		return nil
	}
}

func (ac *AcceptConnection) handleBegin(b frame.Begin) error {
	if ac.state != stateBeforeBegin {
		return nil
	}

	s, ok := ac.netPool.Acquire(ac.streamID)
	if !ok {
		return ac.fail(errSlotExhausted)
	}
	ac.netSlot = s
	ac.state = stateHandshaking

	ac.networkBudget.Padding = MaxHeaderSize
	ac.networkBudget.Grant(uint32(ac.netPool.SlotCapacity()))
	if err := ac.networkThrottle(frame.Window{
		RouteID: ac.routeID, StreamID: ac.streamID, TraceID: ac.traceID,
		Credit: uint32(ac.netPool.SlotCapacity()), Padding: MaxHeaderSize,
	}); err != nil {
		return err
	}

	return ac.driveHandshake()
}

// handleData debits the network budget before doing anything else: a
// peer that has exceeded its granted credit is a protocol violation
// regardless of what the bytes decrypt to. The payload is staged into
// the network slot rather than handed straight to the TLS engine, so
// that whatever tlsengine.Unwrap doesn't consume stays resident (and
// gets compacted to offset zero) instead of being silently dropped.
func (ac *AcceptConnection) handleData(d frame.Data) error {
	if ac.state == stateBeforeBegin {
		return nil
	}

	ac.networkBudget.Debit(uint32(len(d.Payload)) + d.Padding)
	if ac.networkBudget.Violated() {
		return ac.fail(errBudgetExceeded)
	}
	if ac.counters != nil {
		ac.counters.IncBytesRead(ac.routeID, uint64(len(d.Payload)))
		ac.counters.IncFramesRead(ac.routeID, 1)
	}

	if err := ac.stageNetwork(d.Payload); err != nil {
		return err
	}
	return ac.drainNetworkSlot()
}

// stageNetwork appends payload to the network slot at its current
// offset. A payload that doesn't fit is the slot-full/BUFFER_UNDERFLOW
// case treated as fatal: the slot is sized off the same handshake
// window the peer was granted, so this means the peer ignored its
// credit.
func (ac *AcceptConnection) stageNetwork(payload []byte) error {
	buf := ac.netSlot.Bytes()
	if ac.netSlotOffset+len(payload) > len(buf) {
		return ac.fail(errSlotExhausted)
	}
	copy(buf[ac.netSlotOffset:], payload)
	ac.netSlotOffset += len(payload)
	return nil
}

// drainNetworkSlot feeds whatever ciphertext is staged through the TLS
// engine and compacts the residue. tlsengine.Unwrap always consumes the
// entirety of what it's handed (crypto/tls's own record-boundary
// detection runs on the far side of the net.Pipe, not here), so the
// residue is structurally always zero with this facade; the compaction
// arithmetic is kept general rather than hard-coded to that fact, in
// case a future tlsengine ever reports a partial consumption.
//
// Once the handshake has finished, draining pauses whenever the
// application slot has no room left: that's the real downstream
// backpressure a BUFFER_OVERFLOW status would describe on an engine
// that reported one, here surfaced as "don't hand the TLS engine more
// ciphertext than we have somewhere to put the plaintext it'll
// produce."
//
// Every time the slot frees room, the peer is granted that room back as
// additional WINDOW credit — without this, a long-lived stream would
// exhaust its initial network grant after one slot's worth of traffic
// and stall forever.
func (ac *AcceptConnection) drainNetworkSlot() error {
	for ac.netSlotOffset > 0 {
		if ac.state == stateAfterHandshake && !ac.ensureApplicationRoom() {
			return nil
		}

		staged := ac.netSlot.Bytes()[:ac.netSlotOffset]
		result, err := ac.tls.Unwrap(staged)
		if err != nil {
			return ac.fail(err)
		}
		ac.netSlotOffset = compactResidue(ac.netSlot.Bytes(), len(staged), ac.netSlotOffset)

		if err := ac.regrantNetworkCredit(); err != nil {
			return err
		}

		if len(result.Output) > 0 {
			if err := ac.stageApplication(result.Output); err != nil {
				return err
			}
		}

		if ac.state == stateHandshaking {
			if err := ac.driveHandshake(); err != nil {
				return err
			}
		} else {
			if err := ac.flushAppData(); err != nil {
				return err
			}
		}
	}
	return nil
}

// regrantNetworkCredit grants the peer back whatever room the slot has
// freed since the last grant: slotCapacity less the currently-staged
// offset less whatever credit is already outstanding.
func (ac *AcceptConnection) regrantNetworkCredit() error {
	additional := int64(ac.netPool.SlotCapacity()) - int64(ac.netSlotOffset) - ac.networkBudget.Remaining()
	if additional <= 0 {
		return nil
	}
	ac.networkBudget.Grant(uint32(additional))
	return ac.networkThrottle(frame.Window{
		RouteID: ac.routeID, StreamID: ac.streamID, TraceID: ac.traceID,
		Credit: uint32(additional), Padding: MaxHeaderSize,
	})
}

// ensureApplicationRoom lazily acquires the application slot and makes
// sure it has at least one free byte, flushing first if it's currently
// full. It reports false when the slot stays full even after a flush,
// meaning the downstream application window is exhausted and unwrapping
// more ciphertext has to wait for a WINDOW.
func (ac *AcceptConnection) ensureApplicationRoom() bool {
	if ac.appSlot == nil {
		s, ok := ac.appPool.Acquire(ac.streamID)
		if !ok {
			_ = ac.fail(errSlotExhausted)
			return false
		}
		ac.appSlot = s
	}
	if ac.appSlotOffset < len(ac.appSlot.Bytes()) {
		return true
	}
	if err := ac.flushAppData(); err != nil {
		return false
	}
	return ac.appSlotOffset < len(ac.appSlot.Bytes())
}

// stageApplication appends decrypted bytes to the application slot,
// flushing mid-way if a single chunk of plaintext exceeds whatever room
// is currently free. If a flush can't make room (the application window
// is fully exhausted) the slot being full is a hard error: it means
// more plaintext arrived than the granted window allows for, which
// should have been prevented by ensureApplicationRoom gating Unwrap.
func (ac *AcceptConnection) stageApplication(plaintext []byte) error {
	for len(plaintext) > 0 {
		buf := ac.appSlot.Bytes()
		free := len(buf) - ac.appSlotOffset
		if free == 0 {
			if err := ac.flushAppData(); err != nil {
				return err
			}
			free = len(buf) - ac.appSlotOffset
			if free == 0 {
				return ac.fail(errSlotExhausted)
			}
		}
		n := len(plaintext)
		if n > free {
			n = free
		}
		copy(buf[ac.appSlotOffset:ac.appSlotOffset+n], plaintext[:n])
		ac.appSlotOffset += n
		plaintext = plaintext[n:]
	}
	return nil
}

// flushAppData is FlushAppData: clamp the application window to the
// granted budget less its reserved padding and to MaxPayloadLength,
// consume that much of the application slot in one DATA frame, debit
// the budget, and compact. Stops as soon as the window can't cover even
// one more byte, leaving the remainder staged for the next WINDOW or
// the next arrival of ciphertext to retry.
func (ac *AcceptConnection) flushAppData() error {
	for ac.appSlotOffset > 0 {
		window := ac.applicationBudget.Remaining() - int64(ac.applicationBudget.Padding)
		if window > MaxPayloadLength {
			window = MaxPayloadLength
		}
		if window <= 0 {
			break
		}

		n := ac.appSlotOffset
		if int64(n) > window {
			n = int(window)
		}

		buf := ac.appSlot.Bytes()
		part := append([]byte(nil), buf[:n]...)
		ac.applicationBudget.Debit(uint32(n))
		if err := ac.applicationTarget(frame.Data{
			RouteID: ac.routeID, StreamID: ac.streamID, TraceID: ac.traceID,
			Authorization: ac.authorization, Payload: part,
		}); err != nil {
			return err
		}
		ac.appSlotOffset = compactResidue(buf, n, ac.appSlotOffset)
	}

	if ac.appSlotOffset == 0 && ac.inboundDone {
		ac.inboundDone = false
		return ac.applicationTarget(frame.End{
			RouteID: ac.routeID, StreamID: ac.streamID, TraceID: ac.traceID, Authorization: ac.authorization,
		})
	}
	return nil
}

// handleEnd treats the transport's END as "TLS inbound is done": any
// plaintext still staged in the application slot is flushed first, and
// flushAppData's own empty-slot-and-done branch emits the downstream
// END once the slot is empty, including when nothing was ever staged.
// handleEnd emits END directly only when that branch did not fire:
// before the handshake started, or while plaintext is still staged.
func (ac *AcceptConnection) handleEnd(e frame.End) error {
	_ = e
	if ac.state == stateHandshaking {
		return ac.fail(errEndDuringHandshake)
	}

	emitted := false
	if ac.state == stateAfterHandshake {
		ac.inboundDone = true
		if err := ac.flushAppData(); err != nil {
			return err
		}
		emitted = !ac.inboundDone
	}
	ac.release()
	if emitted {
		return nil
	}
	return ac.applicationTarget(frame.End{
		RouteID: ac.routeID, StreamID: ac.streamID, TraceID: ac.traceID, Authorization: ac.authorization,
	})
}

func (ac *AcceptConnection) handleAbort(a frame.Abort) error {
	if ac.task != nil {
		ac.task.Cancel()
	}
	ac.release()
	return ac.applicationTarget(frame.Abort{
		RouteID: ac.routeID, StreamID: ac.streamID, TraceID: ac.traceID, Authorization: ac.authorization,
	})
}

// handleWindow is the application's connect stream granting us credit
// to forward it more decrypted bytes. Granting can unblock a flush (and
// in turn a paused unwrap) that was waiting on exactly this credit.
func (ac *AcceptConnection) handleWindow(w frame.Window) error {
	ac.applicationBudget.Grant(w.Credit)
	ac.applicationBudget.Padding = w.Padding

	if err := ac.flushAppData(); err != nil {
		return err
	}
	if ac.netSlotOffset > 0 {
		return ac.drainNetworkSlot()
	}
	return nil
}

func (ac *AcceptConnection) handleReset(frame.Reset) error {
	return ac.fail(errApplicationReset)
}

func (ac *AcceptConnection) handleSignal(s frame.Signal) error {
	if s.SignalID != frame.FlushHandshakeSignal {
		return nil
	}
	ac.task = nil
	return ac.driveHandshake()
}

// driveHandshake advances the handshake by one step. Outgoing ciphertext
// the record layer produced (ClientHello/ServerHello/Finished, queued by
// tlsengine's own pump goroutine independently of whether a delegated
// task is still running) is flushed unconditionally first, then at most
// one new delegated task is submitted, or the handshake is finalized.
func (ac *AcceptConnection) driveHandshake() error {
	if err := ac.flushHandshakeCiphertext(); err != nil {
		return err
	}

	if ac.task != nil {
		return nil
	}

	switch ac.tls.Status() {
	case tlsengine.NeedTask:
		t, ok := ac.tls.DelegatedTask()
		if !ok {
			return nil
		}
		ac.task = ac.workers.Submit(t.Run, ac.onTaskDone, nil)
		return nil
	case tlsengine.Finished:
		return ac.onFinished()
	default:
		return nil
	}
}

// flushHandshakeCiphertext forwards whatever handshake bytes crypto/tls
// has queued for the peer. The host is expected to call Pump on an idle
// tick in addition to the frame-triggered calls here, since a
// multi-round-trip handshake can produce a flight of bytes after a
// delegated task has already been dispatched and before its SIGNAL
// arrives.
func (ac *AcceptConnection) flushHandshakeCiphertext() error {
	result, err := ac.tls.Wrap(nil)
	if err != nil {
		return err
	}
	for _, part := range chunk(result.Output, MaxPayloadLength) {
		if err := ac.networkReply(frame.Data{
			RouteID: ac.routeID, StreamID: ac.streamID, TraceID: ac.traceID,
			Authorization: ac.authorization, Payload: part,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Pump re-checks the handshake without a new frame having arrived,
// flushing any ciphertext the record layer produced since the last
// event and advancing past a finished delegated task whose SIGNAL
// hasn't been redelivered yet. After the handshake it retries a flush
// that was previously paused on the application window, since that's
// also a state a new frame doesn't necessarily trigger a recheck of.
func (ac *AcceptConnection) Pump() error {
	if ac.state == stateHandshaking {
		return ac.driveHandshake()
	}
	if ac.appSlotOffset > 0 && ac.applicationBudget.State(MaxPayloadLength) != budget.Pause {
		return ac.flushAppData()
	}
	return nil
}

// onTaskDone runs on a worker pool goroutine. It reads only fields fixed
// at construction (routeID, streamID, selfSignal) and posts a SIGNAL
// through selfSignal, where handleSignal picks the handshake back up;
// running that on the goroutine that owns ac is up to the selfSignal sink.
func (ac *AcceptConnection) onTaskDone() {
	ac.selfSignal(frame.Signal{RouteID: ac.routeID, StreamID: ac.streamID, SignalID: frame.FlushHandshakeSignal})
}

func (ac *AcceptConnection) onFinished() error {
	if ac.state == stateAfterHandshake {
		return nil
	}

	if err := ac.tls.Err(); err != nil {
		return ac.fail(err)
	}

	session, _ := ac.tls.Session()
	matched, ok := ac.routes.Resolve(ac.routeID, ac.authorization, route.SNIALPNPredicate(&session.ServerName, &session.NegotiatedProtocol))
	if !ok {
		return ac.fail(errNoRoute)
	}

	ac.state = stateAfterHandshake
	ac.applicationBudget.Padding = MaxHeaderSize

	binding := &Binding{
		TLS:                 ac.tls,
		NetworkReply:        ac.networkReply,
		RouteID:             matched.RouteID,
		Authorization:       ac.authorization,
		NetworkReplyBudget:  uint32(ac.netPool.SlotCapacity()),
		NetworkReplyPadding: MaxHeaderSize,
	}
	ac.correlations.Put(ac.streamID, binding)

	return ac.applicationTarget(frame.Begin{
		RouteID:       matched.RouteID,
		StreamID:      ac.streamID,
		TraceID:       ac.traceID,
		Authorization: ac.authorization,
		CorrelationID: ac.streamID,
	})
}

func (ac *AcceptConnection) fail(err error) error {
	if ac.failed {
		return nil
	}
	ac.failed = true

	if ac.task != nil {
		ac.task.Cancel()
	}
	ac.release()
	ac.correlations.Delete(ac.streamID)

	if sendErr := ac.networkThrottle(frame.Reset{RouteID: ac.routeID, StreamID: ac.streamID, TraceID: ac.traceID}); sendErr != nil {
		return sendErr
	}
	return ac.applicationTarget(frame.Abort{
		RouteID: ac.routeID, StreamID: ac.streamID, TraceID: ac.traceID, Authorization: ac.authorization,
	})
}

func (ac *AcceptConnection) release() {
	ac.tls.CloseInbound()
	if ac.netSlot != nil {
		ac.netSlot.Release()
		ac.netSlot = nil
	}
	if ac.appSlot != nil {
		ac.appSlot.Release()
		ac.appSlot = nil
	}
	ac.correlations.Delete(ac.streamID)
	ac.connections.Remove(ac.streamID)
}
