package tlsengine

// Status mirrors an SSLEngine-shaped handshake status, adapted onto
// crypto/tls: what the caller must do next to keep the handshake moving.
// Engine.Status returns only NeedTask and Finished; it never returns
// NotHandshaking, NeedWrap or NeedUnwrap.
type Status int

const (
	// NotHandshaking: no Wrap/Unwrap has kicked off a handshake yet.
	NotHandshaking Status = iota
	// NeedWrap: ciphertext is queued and must be sent to the peer before
	// anything else can progress (e.g. ClientHello, or a close_notify).
	NeedWrap
	// NeedUnwrap: the engine is waiting for more ciphertext from the peer.
	NeedUnwrap
	// NeedTask: a delegated task (the blocking Handshake call) is
	// outstanding and must be run via DelegatedTask before the engine can
	// be driven further.
	NeedTask
	// Finished: the handshake has ended; Session is valid when Err() is
	// nil.
	Finished
)

func (s Status) String() string {
	switch s {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome of one Wrap or Unwrap call.
type Result struct {
	// Output is ciphertext (from Wrap) or plaintext (from Unwrap) produced
	// by this call and any prior call whose output hadn't yet been
	// collected.
	Output []byte
	Status Status
}

// Session holds the handshake outcome, valid once Status == Finished.
type Session struct {
	ServerName         string
	NegotiatedProtocol string
}

// Task is one unit of delegated handshake work, run by a worker.Pool.
type Task struct {
	// Run performs the blocking work. Must be called exactly once.
	Run func()
}
