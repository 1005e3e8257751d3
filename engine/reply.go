package engine

import (
	"github.com/account-login/nukleus-tls/budget"
	"github.com/account-login/nukleus-tls/counters"
	"github.com/account-login/nukleus-tls/frame"
	"github.com/account-login/nukleus-tls/slot"
)

type replyState int

const (
	replyBeforeBegin replyState = iota
	replyAfterBegin
)

// ReplyConnection is the connect-reply stream: plaintext in from the
// application, encrypted and forwarded back out over the network
// connection the handshake negotiated.
type ReplyConnection struct {
	state replyState

	routeID, streamID, traceID, authorization uint64

	applicationReplyThrottle frame.Sink // WINDOW/RESET back to the application
	networkReply             frame.Sink // DATA(ciphertext)/END/ABORT to the network peer

	binding *Binding

	connections *Connections

	pool       slot.Pool
	slot       slot.Slot
	slotOffset int

	counters counters.Counters

	applicationReplyBudget budget.Budget
	networkReplyBudget     budget.Budget

	failed bool
}

func (rc *ReplyConnection) Handle(f frame.Frame) error {
	switch v := f.(type) {
	case frame.Begin:
		return rc.handleBegin(v)
	case frame.Data:
		return rc.handleData(v)
	case frame.End:
		return rc.handleEnd(v)
	case frame.Abort:
		return rc.handleAbort(v)
	case frame.Window:
		return rc.handleWindow(v)
	case frame.Reset:
		return rc.handleReset(v)
	default:
		return nil
	}
}

// applicationReplyPadding reserves the network reply direction's own
// per-frame padding in addition to our own header, so the application
// never sends us more than what will actually fit once re-encrypted and
// re-framed onto the network connection. It is recomputed from the
// budget's live padding rather than the binding's initial value, so it
// tracks a later network-side WINDOW updating that padding.
func (rc *ReplyConnection) applicationReplyPadding() uint32 {
	return rc.networkReplyBudget.Padding + MaxHeaderSize
}

func (rc *ReplyConnection) handleBegin(frame.Begin) error {
	if rc.state != replyBeforeBegin {
		return nil
	}

	s, ok := rc.pool.Acquire(rc.streamID)
	if !ok {
		return rc.fail(errSlotExhausted)
	}
	rc.slot = s
	rc.state = replyAfterBegin

	rc.networkReplyBudget.Padding = rc.binding.NetworkReplyPadding
	rc.networkReplyBudget.Grant(rc.binding.NetworkReplyBudget)

	rc.applicationReplyBudget.Padding = rc.applicationReplyPadding()
	rc.applicationReplyBudget.Grant(rc.binding.NetworkReplyBudget)

	return rc.applicationReplyThrottle(frame.Window{
		RouteID: rc.routeID, StreamID: rc.streamID, TraceID: rc.traceID,
		Credit: rc.binding.NetworkReplyBudget, Padding: rc.applicationReplyPadding(),
	})
}

// handleData debits applicationReplyBudget by the frame's full cost
// (payload plus its padding) before staging the plaintext for
// encryption: the slot holds plaintext awaiting a wrap, mirroring the
// accept side's network slot and sharing its always-fully-consumed
// compaction behavior under this facade's Wrap.
func (rc *ReplyConnection) handleData(d frame.Data) error {
	if rc.state != replyAfterBegin {
		return nil
	}

	rc.applicationReplyBudget.Debit(uint32(len(d.Payload)) + d.Padding)
	if rc.applicationReplyBudget.Violated() {
		return rc.fail(errBudgetExceeded)
	}

	if err := rc.stagePlaintext(d.Payload); err != nil {
		return err
	}
	return rc.drainPlaintextSlot()
}

func (rc *ReplyConnection) stagePlaintext(payload []byte) error {
	buf := rc.slot.Bytes()
	if rc.slotOffset+len(payload) > len(buf) {
		return rc.fail(errSlotExhausted)
	}
	copy(buf[rc.slotOffset:], payload)
	rc.slotOffset += len(payload)
	return nil
}

// drainPlaintextSlot wraps whatever plaintext is staged, compacting any
// residue left behind by a partial Wrap, and emits the resulting
// ciphertext chunked to MaxPayloadLength. Each chunk debits
// networkReplyBudget by its own length plus the reply's current network
// padding, per the "bytesProduced + networkReplyPadding" formula.
func (rc *ReplyConnection) drainPlaintextSlot() error {
	for rc.slotOffset > 0 {
		staged := rc.slot.Bytes()[:rc.slotOffset]
		result, err := rc.binding.TLS.Wrap(staged)
		if err != nil {
			return rc.fail(err)
		}
		rc.slotOffset = compactResidue(rc.slot.Bytes(), len(staged), rc.slotOffset)

		for _, part := range chunk(result.Output, MaxPayloadLength) {
			rc.networkReplyBudget.Debit(uint32(len(part)) + rc.networkReplyBudget.Padding)
			if err := rc.networkReply(frame.Data{
				RouteID: rc.binding.RouteID, StreamID: rc.streamID, TraceID: rc.traceID,
				Authorization: rc.binding.Authorization, Payload: part,
			}); err != nil {
				return err
			}
			if rc.counters != nil {
				rc.counters.IncBytesWritten(rc.binding.RouteID, uint64(len(part)))
				rc.counters.IncFramesWritten(rc.binding.RouteID, 1)
			}
		}
	}
	return nil
}

func (rc *ReplyConnection) handleEnd(frame.End) error {
	if err := rc.binding.TLS.CloseOutbound(); err != nil {
		return rc.fail(err)
	}
	result, err := rc.binding.TLS.Wrap(nil)
	if err != nil {
		return rc.fail(err)
	}
	for _, part := range chunk(result.Output, MaxPayloadLength) {
		rc.networkReplyBudget.Debit(uint32(len(part)) + rc.networkReplyBudget.Padding)
		if err := rc.networkReply(frame.Data{
			RouteID: rc.binding.RouteID, StreamID: rc.streamID, Authorization: rc.binding.Authorization, Payload: part,
		}); err != nil {
			return err
		}
	}
	rc.release()
	return rc.networkReply(frame.End{RouteID: rc.binding.RouteID, StreamID: rc.streamID, Authorization: rc.binding.Authorization})
}

func (rc *ReplyConnection) handleAbort(frame.Abort) error {
	rc.release()
	return rc.networkReply(frame.Abort{RouteID: rc.binding.RouteID, StreamID: rc.streamID, Authorization: rc.binding.Authorization})
}

// handleWindow is the network peer granting more credit for the
// encrypted reply stream. §4.F's window propagation: update the live
// padding, then re-derive how much slack networkReplyBudget now has over
// applicationReplyBudget and hand exactly that slack upstream to the
// application, so the two budgets never drift apart, then drain any
// plaintext still staged in the slot.
func (rc *ReplyConnection) handleWindow(w frame.Window) error {
	rc.networkReplyBudget.Grant(w.Credit)
	rc.networkReplyBudget.Padding = w.Padding

	credit := rc.networkReplyBudget.Remaining() - rc.applicationReplyBudget.Remaining()
	if credit > 0 {
		rc.applicationReplyBudget.Grant(uint32(credit))
		rc.applicationReplyBudget.Padding = rc.applicationReplyPadding()
		if err := rc.applicationReplyThrottle(frame.Window{
			RouteID: rc.routeID, StreamID: rc.streamID, TraceID: rc.traceID,
			Credit: uint32(credit), Padding: rc.applicationReplyPadding(),
		}); err != nil {
			return err
		}
	}

	if rc.slotOffset > 0 {
		return rc.drainPlaintextSlot()
	}
	return nil
}

func (rc *ReplyConnection) handleReset(frame.Reset) error {
	return rc.fail(errApplicationReset)
}

func (rc *ReplyConnection) fail(err error) error {
	if rc.failed {
		return nil
	}
	rc.failed = true
	rc.release()
	if sendErr := rc.applicationReplyThrottle(frame.Reset{RouteID: rc.routeID, StreamID: rc.streamID, TraceID: rc.traceID}); sendErr != nil {
		return sendErr
	}
	return rc.networkReply(frame.Abort{RouteID: rc.binding.RouteID, StreamID: rc.streamID, Authorization: rc.binding.Authorization})
}

func (rc *ReplyConnection) release() {
	if rc.slot != nil {
		rc.slot.Release()
		rc.slot = nil
	}
	if rc.connections != nil {
		rc.connections.Remove(rc.streamID)
	}
}
