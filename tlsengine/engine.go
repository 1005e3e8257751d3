// Package tlsengine adapts crypto/tls's blocking, connection-oriented
// *tls.Conn onto a non-blocking, record-oriented wrap/unwrap facade
// shaped after SSLEngine: feed bytes in, get bytes out, poll a status to
// learn what to do next.
//
// Each Engine drives a real *tls.Conn wired to one end of an in-process
// net.Pipe; Wrap/Unwrap move bytes through buffered queues serviced by a
// small set of persistent goroutines, so the public methods never block
// on network I/O — only ever on an internal mutex. The one part of
// crypto/tls that can block on real CPU-bound work, the handshake itself,
// is exposed as a single DelegatedTask the caller schedules on its own
// executor; everything else about the handshake (record framing, key
// derivation) stays inside crypto/tls untouched.
package tlsengine

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Role is which side of the handshake this Engine plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// SNICallback resolves an inbound ClientHello's SNI to a store name, or
// reports it has no route for it.
type SNICallback func(hostname string) (storeName string, ok bool)

// ALPNCallback chooses an application protocol among those a peer
// offered.
type ALPNCallback func(hostname string, offered []string) (chosen string, ok bool)

// Engine is one handshake/record-layer session.
type Engine struct {
	role Role

	conn           *tls.Conn
	netSide        net.Conn
	templateConfig *tls.Config

	cipherOut byteQueue // ciphertext produced by the TLS record layer
	cipherIn  byteQueue // ciphertext fed in via Unwrap, awaiting delivery
	plainOut  byteQueue // plaintext decrypted and ready for Unwrap's caller
	plainIn   byteQueue // plaintext fed in via Wrap, awaiting encryption

	cipherInSignal chan struct{}
	plainInSignal  chan struct{}

	mu             sync.Mutex
	taskIssued     bool
	handshakeDone  bool
	handshakeErr   error
	session        Session
	sessionValid   bool
	appPumpsOnce   sync.Once
	closed         bool

	sniCallback  SNICallback
	alpnCallback ALPNCallback
}

// New creates an Engine for the given role using baseConfig as the
// starting *tls.Config (cloned, never mutated directly).
func New(role Role, baseConfig *tls.Config) *Engine {
	a, b := net.Pipe()

	cfg := baseConfig.Clone()

	e := &Engine{
		role:           role,
		netSide:        b,
		templateConfig: cfg,
		cipherInSignal: make(chan struct{}, 1),
		plainInSignal:  make(chan struct{}, 1),
	}

	if role == RoleServer {
		cfg.GetConfigForClient = e.getConfigForClient
		e.conn = tls.Server(a, cfg)
	} else {
		e.conn = tls.Client(a, cfg)
	}

	go e.pumpNetOut()
	go e.pumpNetIn()

	return e
}

// getConfigForClient runs the SNI and ALPN callbacks once the
// ClientHello is parsed: a store miss fails the handshake outright
// (mapped by the caller to a route-resolution-miss reset+abort), and a
// chosen application protocol is pinned as the sole offered NextProtos
// so crypto/tls's own negotiation picks it.
func (e *Engine) getConfigForClient(chi *tls.ClientHelloInfo) (*tls.Config, error) {
	e.mu.Lock()
	sni := e.sniCallback
	alpn := e.alpnCallback
	e.mu.Unlock()

	if sni != nil {
		if _, ok := sni(chi.ServerName); !ok {
			return nil, errors.Errorf("tlsengine: no route for server name %q", chi.ServerName)
		}
	}

	if alpn != nil {
		chosen, ok := alpn(chi.ServerName, chi.SupportedProtos)
		if !ok {
			return nil, errors.Errorf("tlsengine: no matching application protocol for %q", chi.ServerName)
		}
		clone := e.templateConfig.Clone()
		clone.NextProtos = []string{chosen}
		return clone, nil
	}

	return nil, nil
}

// SetSNICallback installs the server-name resolution callback. Must be
// called before the handshake's delegated task runs.
func (e *Engine) SetSNICallback(cb SNICallback) {
	e.mu.Lock()
	e.sniCallback = cb
	e.mu.Unlock()
}

// SetALPNCallback installs the application-protocol selection callback.
func (e *Engine) SetALPNCallback(cb ALPNCallback) {
	e.mu.Lock()
	e.alpnCallback = cb
	e.mu.Unlock()
}

// pumpNetOut continuously drains ciphertext crypto/tls writes onto its
// side of the pipe into cipherOut, where Wrap's caller collects it.
func (e *Engine) pumpNetOut() {
	buf := make([]byte, 16*1024)
	for {
		n, err := e.netSide.Read(buf)
		if n > 0 {
			e.cipherOut.push(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// pumpNetIn continuously forwards ciphertext queued by Unwrap onto the
// pipe, where crypto/tls's Read calls (inside Handshake or app Read) pick
// it up. It blocks on netSide.Write between chunks, which is fine: this
// goroutine has no other job.
func (e *Engine) pumpNetIn() {
	for range e.cipherInSignal {
		for {
			chunk, ok := e.cipherIn.popFront(16 * 1024)
			if !ok {
				break
			}
			if _, err := e.netSide.Write(chunk); err != nil {
				return
			}
		}
	}
}

// startAppPumps begins shuttling application data once the handshake has
// finished; called exactly once, from the delegated task's completion.
func (e *Engine) startAppPumps() {
	e.appPumpsOnce.Do(func() {
		go e.pumpAppOut()
		go e.pumpAppIn()
	})
}

func (e *Engine) pumpAppOut() {
	buf := make([]byte, 16*1024)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.plainOut.push(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) pumpAppIn() {
	for range e.plainInSignal {
		for {
			chunk, ok := e.plainIn.popFront(16 * 1024)
			if !ok {
				break
			}
			if _, err := e.conn.Write(chunk); err != nil {
				return
			}
		}
	}
}

// signal wakes the pump goroutine waiting on ch, unless the engine has
// already been closed (closing cipherInSignal/plainInSignal makes a send
// on them panic).
func (e *Engine) signal(ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Wrap feeds src as outbound application plaintext (nil/empty to just
// collect whatever ciphertext is already queued) and returns any
// ciphertext ready to send to the peer.
func (e *Engine) Wrap(src []byte) (Result, error) {
	if len(src) > 0 {
		e.plainIn.push(src)
		e.signal(e.plainInSignal)
	}
	out := e.cipherOut.drainAll()
	return Result{Output: out, Status: e.Status()}, nil
}

// Unwrap feeds src as inbound network ciphertext (nil/empty to just
// collect whatever plaintext is already queued) and returns any
// plaintext decrypted for the application.
func (e *Engine) Unwrap(src []byte) (Result, error) {
	if len(src) > 0 {
		e.cipherIn.push(src)
		e.signal(e.cipherInSignal)
	}
	out := e.plainOut.drainAll()
	return Result{Output: out, Status: e.Status()}, nil
}

// Status reports what the caller must do next. Collapses the handshake
// into NeedTask until the single delegated task completes, at which
// point it reports Finished permanently (whether the handshake succeeded
// or failed — callers check Err() to tell the two apart).
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handshakeDone {
		return Finished
	}
	return NeedTask
}

// Err returns the handshake failure, if any, once Status() == Finished.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handshakeErr
}

// DelegatedTask yields the one blocking handshake call as a Task the
// caller must run on its own executor, then false thereafter — this
// engine never has more than one outstanding delegated task.
func (e *Engine) DelegatedTask() (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.taskIssued {
		return Task{}, false
	}
	e.taskIssued = true

	return Task{Run: e.runHandshake}, true
}

func (e *Engine) runHandshake() {
	err := e.conn.Handshake()

	e.mu.Lock()
	e.handshakeErr = err
	e.handshakeDone = true
	if err == nil {
		state := e.conn.ConnectionState()
		e.session = Session{
			ServerName:         state.ServerName,
			NegotiatedProtocol: state.NegotiatedProtocol,
		}
		e.sessionValid = true
	}
	e.mu.Unlock()

	if err == nil {
		e.startAppPumps()
	}
}

// Session returns the negotiated session, valid only once Status() ==
// Finished and Err() == nil.
func (e *Engine) Session() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, e.sessionValid
}

// CloseOutbound sends a close_notify alert, queued for the next Wrap to
// collect.
func (e *Engine) CloseOutbound() error {
	return errors.Wrap(e.conn.CloseWrite(), "tlsengine: close outbound")
}

// CloseInbound tears down the pipe, unblocking any pump goroutines
// waiting on it and releasing the underlying *tls.Conn.
func (e *Engine) CloseInbound() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.cipherInSignal)
	close(e.plainInSignal)
	e.mu.Unlock()

	return errors.Wrap(e.conn.Close(), "tlsengine: close inbound")
}
