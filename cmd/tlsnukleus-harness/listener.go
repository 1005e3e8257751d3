package main

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/account-login/ctxlog"

	"github.com/account-login/nukleus-tls/engine"
	"github.com/account-login/nukleus-tls/frame"
)

// listener accepts raw TCP connections, terminates TLS on each over the
// engine package, and originates the decrypted bytes to a plaintext
// backend. Each accepted connection gets its own pair of goroutines (one
// pumping network bytes into the accept stream, one pumping backend
// bytes into the connect-reply stream); engine.AcceptConnection and
// engine.ReplyConnection are each driven from exactly one of those
// goroutines, honoring the single-owner-goroutine rule the core assumes.
type listener struct {
	factory     *engine.Factory
	routeID     uint64
	backendAddr string

	nextStreamID atomic.Uint64
}

func (l *listener) start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				ctxlog.Warnf(ctx, "accept: %v", err)
				return
			}
			go l.serve(ctx, conn)
		}
	}()
	return nil
}

func (l *listener) serve(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	streamID := l.nextStreamID.Add(1) // high bit stays 0 until billions of connections, keeping IsInitial true

	var backend net.Conn

	networkThrottle := func(frame.Frame) error { return nil }
	networkReply := func(f frame.Frame) error {
		d, ok := f.(frame.Data)
		if !ok {
			return nil
		}
		_, err := netConn.Write(d.Payload)
		return err
	}
	applicationTarget := func(f frame.Frame) error {
		switch v := f.(type) {
		case frame.Begin:
			c, err := net.Dial("tcp", l.backendAddr)
			if err != nil {
				return err
			}
			backend = c
			go l.pumpReply(ctx, v, backend)
			return nil
		case frame.Data:
			if backend == nil {
				return nil
			}
			_, err := backend.Write(v.Payload)
			return err
		case frame.End, frame.Abort:
			if backend != nil {
				return backend.Close()
			}
		}
		return nil
	}

	// selfSignal re-enters Handle on this same goroutine: this connection's
	// accept stream never touches another goroutine except the worker
	// pool, whose completion callback posts here.
	var handler engine.StreamHandler
	selfSignal := func(f frame.Frame) error {
		return handler.Handle(f)
	}

	begin := frame.Begin{RouteID: l.routeID, StreamID: streamID}
	h, err := l.factory.NewAcceptStream(begin, networkThrottle, applicationTarget, networkReply, selfSignal)
	if err != nil {
		ctxlog.Warnf(ctx, "accept stream rejected: %v", err)
		return
	}
	handler = h

	buf := make([]byte, 16*1024)
	for {
		n, err := netConn.Read(buf)
		if n > 0 {
			if err := handler.Handle(frame.Data{RouteID: l.routeID, StreamID: streamID, Payload: append([]byte(nil), buf[:n]...)}); err != nil {
				ctxlog.Warnf(ctx, "handle data: %v", err)
				return
			}
		}
		if err != nil {
			_ = handler.Handle(frame.End{RouteID: l.routeID, StreamID: streamID})
			return
		}
	}
}

// pumpReply drives the connect-reply stream for one connection's backend
// leg: it owns that stream's StreamHandler exclusively, reading backend
// bytes and re-encrypting them back onto the network connection.
func (l *listener) pumpReply(ctx context.Context, accepted frame.Begin, backend net.Conn) {
	replyStreamID := accepted.StreamID | (1 << 63)
	applicationReplyThrottle := func(frame.Frame) error { return nil }

	begin := frame.Begin{RouteID: accepted.RouteID, StreamID: replyStreamID, CorrelationID: accepted.StreamID}
	rc, err := l.factory.NewReplyStream(begin, applicationReplyThrottle)
	if err != nil {
		ctxlog.Warnf(ctx, "reply stream rejected: %v", err)
		return
	}

	buf := make([]byte, 16*1024)
	for {
		n, err := backend.Read(buf)
		if n > 0 {
			if err := rc.Handle(frame.Data{RouteID: accepted.RouteID, StreamID: replyStreamID, Payload: append([]byte(nil), buf[:n]...)}); err != nil {
				ctxlog.Warnf(ctx, "handle reply data: %v", err)
				return
			}
		}
		if err != nil {
			_ = rc.Handle(frame.End{RouteID: accepted.RouteID, StreamID: replyStreamID})
			return
		}
	}
}
