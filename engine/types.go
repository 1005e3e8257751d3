// Package engine is the single-goroutine core that drives one TLS
// termination/origination pair per correlated stream group: an accept
// stream carrying inbound ciphertext, and a connect-reply stream carrying
// the application's plaintext response back out as ciphertext.
//
// Every exported type here is meant to be owned and called from exactly
// one goroutine — the dataplane's event loop. The only concurrency this
// package introduces is handing a blocking TLS handshake step off to a
// worker.Pool; when that step finishes, the pool goroutine invokes the
// connection's selfSignal Sink with a SIGNAL frame for the owning stream.
// Handle runs on whichever goroutine that Sink calls it from, so getting
// the SIGNAL back onto the event-loop goroutine is the Sink's job.
package engine

import "github.com/account-login/nukleus-tls/frame"

// MaxHeaderSize is the conservative per-record TLS overhead reserved as
// padding when re-encrypting: a 5-byte record header, a 20-byte MAC and
// up to 256 bytes of block padding.
const MaxHeaderSize = 5 + 20 + 256

// MaxPayloadLength is the largest DATA payload a single frame may carry.
const MaxPayloadLength = 65535

// IsInitial reports whether streamID names an initial (accept or
// connect) stream as opposed to its reply counterpart, by convention the
// high bit of the id.
func IsInitial(streamID uint64) bool {
	return streamID&(1<<63) == 0
}

// StreamHandler is anything that can receive frames delivered on one
// stream: an AcceptConnection, a ReplyConnection, or (during the
// handshake) the same AcceptConnection in its handshaking state.
type StreamHandler interface {
	Handle(f frame.Frame) error
}

// compactResidue moves the unconsumed tail of buf[:total] — the bytes
// from consumed to total — down to offset zero, and returns the new
// valid length. Used after every partial unwrap/wrap so a slot's live
// bytes always start at offset zero.
func compactResidue(buf []byte, consumed, total int) int {
	return copy(buf, buf[consumed:total])
}

func chunk(b []byte, max int) [][]byte {
	if len(b) == 0 {
		return nil
	}
	var out [][]byte
	for len(b) > 0 {
		n := len(b)
		if n > max {
			n = max
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
