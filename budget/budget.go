// Package budget tracks the credit-based flow control shared by the accept
// and connect-reply record pumps: how many bytes the local side has
// authorized its peer to send (or been authorized to send), and the
// per-frame padding overhead that must be reserved alongside it.
//
// The credit model here is the receiver granting bytes up front via
// WINDOW, so the fields are granted/consumed rather than a sender pacing
// itself against a remote ack, but the idle/pending/pause backpressure
// classification mirrors that same three-state decision.
package budget

// State classifies how much of the granted budget remains.
type State int

const (
	// Idle: nothing has been consumed against the grant.
	Idle State = iota
	// Pending: some budget consumed, some remains.
	Pending
	// Pause: remaining budget is negative, or larger than the window
	// passed to State.
	Pause
)

// Budget is a credit/padding pair: Budget itself tracks bytes; Padding is
// carried alongside for callers that need to reserve per-frame overhead
// (networkPadding, applicationPadding, etc).
type Budget struct {
	granted  int64
	consumed int64
	Padding  uint32
}

// Grant adds n bytes of credit, as when a WINDOW frame is received/sent.
func (b *Budget) Grant(n uint32) {
	b.granted += int64(n)
}

// Debit consumes n bytes (+padding already tracked separately by callers)
// against the granted credit. The result can go negative; callers treat a
// negative remaining budget as a protocol violation (reset + abort), not
// recovered here.
func (b *Budget) Debit(n uint32) {
	b.consumed += int64(n)
}

// Remaining is the bytes still authorized but not yet consumed. It is
// signed: a negative value is a credit-conservation violation.
func (b *Budget) Remaining() int64 {
	return b.granted - b.consumed
}

// State classifies Remaining() against win, the backpressure threshold
// (typically the slot capacity or a configured window size).
func (b *Budget) State(win int64) State {
	remaining := b.Remaining()
	switch {
	case b.consumed == 0:
		return Idle
	case remaining < 0 || remaining > win:
		return Pause
	default:
		return Pending
	}
}

// Violated reports the credit-conservation invariant: granted bytes must
// never fall behind consumed bytes.
func (b *Budget) Violated() bool {
	return b.Remaining() < 0
}
