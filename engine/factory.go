package engine

import (
	"context"
	"crypto/tls"

	"github.com/account-login/nukleus-tls/correlation"
	"github.com/account-login/nukleus-tls/counters"
	"github.com/account-login/nukleus-tls/frame"
	"github.com/account-login/nukleus-tls/route"
	"github.com/account-login/nukleus-tls/slot"
	"github.com/account-login/nukleus-tls/store"
	"github.com/account-login/nukleus-tls/tlsengine"
	"github.com/account-login/nukleus-tls/worker"
)

// Factory builds the stream handlers for newly-begun streams, wiring in
// everything a connection needs: the route table, the store registry
// (to load the TLS config a route's store names), the slot pools, the
// correlation registry and the worker pool handshakes are delegated onto.
type Factory struct {
	Routes       route.Table
	Stores       *store.Registry
	Correlations *correlation.Registry[*Binding]
	Connections  *Connections
	Workers      *worker.Pool
	Counters     counters.Counters

	NetworkPool     slot.Pool
	ApplicationPool slot.Pool

	// DataplaneDir is handed to Stores.Acquire to resolve a route's named
	// store to a loaded *store.Context without engine importing the
	// filesystem layout directly.
	DataplaneDir string
}

// NewAcceptStream builds the accept-side handler for a freshly-begun
// network stream: a TLS server engine using the store named by the
// route the BEGIN's route id resolves to, with an SNI callback that
// rejects server names no route accepts, registered in Connections, and
// immediately fed the BEGIN frame that created it.
func (f *Factory) NewAcceptStream(
	begin frame.Begin,
	networkThrottle frame.Sink,
	applicationTarget frame.Sink,
	networkReply frame.Sink,
	selfSignal frame.Sink,
) (StreamHandler, error) {
	ac := &AcceptConnection{
		state:             stateBeforeBegin,
		routeID:           begin.RouteID,
		streamID:          begin.StreamID,
		traceID:           begin.TraceID,
		authorization:     begin.Authorization,
		networkThrottle:   networkThrottle,
		applicationTarget: applicationTarget,
		networkReply:      networkReply,
		selfSignal:        selfSignal,
		workers:           f.Workers,
		routes:            f.Routes,
		correlations:      f.Correlations,
		connections:       f.Connections,
		netPool:           f.NetworkPool,
		appPool:           f.ApplicationPool,
		counters:          f.Counters,
	}

	baseConfig, err := f.configForRoute(begin.RouteID, begin.Authorization)
	if err != nil {
		return nil, err
	}
	ac.tls = tlsengine.New(tlsengine.RoleServer, baseConfig)
	ac.tls.SetSNICallback(func(hostname string) (string, bool) {
		_, ok := f.Routes.Resolve(begin.RouteID, begin.Authorization, route.SNIALPNPredicate(&hostname, nil))
		return hostname, ok
	})

	f.Connections.Put(begin.StreamID, ac)
	if err := ac.Handle(begin); err != nil {
		return nil, err
	}
	return ac, nil
}

// configForRoute resolves the route's store extension and returns the
// tls.Config to terminate with. A route with no store extension, or one
// naming a store that is not currently loaded, is rejected outright
// rather than falling back to an unauthenticated default.
func (f *Factory) configForRoute(routeID, authorization uint64) (*tls.Config, error) {
	r, ok := f.Routes.Resolve(routeID, authorization, route.AnyRoute)
	if !ok {
		return nil, errNoRoute
	}
	if r.Extension.Store == nil {
		return nil, errStoreNotLoaded
	}

	sc, err := f.Stores.Acquire(context.Background(), f.DataplaneDir, *r.Extension.Store)
	if err != nil {
		return nil, err
	}
	return sc.TLSConfig, nil
}

// NewReplyStream builds the connect-reply handler once the application
// opens its reply stream: begin.CorrelationID must match a Binding left
// behind by a finished handshake. A BEGIN with no matching Binding (never
// registered, already consumed, or removed when the accept side
// released) is rejected with errNoBinding; no frame is emitted for it.
func (f *Factory) NewReplyStream(begin frame.Begin, applicationReplyThrottle frame.Sink) (StreamHandler, error) {
	binding, ok := f.Correlations.Pop(begin.CorrelationID)
	if !ok {
		return nil, errNoBinding
	}

	rc := &ReplyConnection{
		state:                    replyBeforeBegin,
		routeID:                  begin.RouteID,
		streamID:                 begin.StreamID,
		traceID:                  begin.TraceID,
		authorization:            begin.Authorization,
		applicationReplyThrottle: applicationReplyThrottle,
		networkReply:             binding.NetworkReply,
		binding:                  binding,
		connections:              f.Connections,
		pool:                     f.ApplicationPool,
		counters:                 f.Counters,
	}

	f.Connections.Put(begin.StreamID, rc)
	if err := rc.Handle(begin); err != nil {
		return nil, err
	}
	return rc, nil
}
