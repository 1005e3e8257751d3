// Package route models the route table facade: persistent records keyed
// by routeId, resolved by a caller-supplied predicate over (routeId,
// authorization). The production route registry lives in the host
// dataplane; this package defines the interface the core consumes plus
// one in-memory implementation for the control-plane glue, tests and the
// demonstration harness.
package route

import "github.com/pkg/errors"

// Role is which side of the TLS handshake a route plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Extension is the TLS route extension: {store?, hostname?, applicationProtocol?}.
// Pointer fields distinguish "not specified" (matches anything) from
// "specified as empty string".
type Extension struct {
	Store               *string
	Hostname            *string
	ApplicationProtocol *string
}

// Route is a persistent routing record: a routeId plus the role and
// endpoint addresses it binds, and the TLS matching extension.
type Route struct {
	RouteID       uint64
	Role          Role
	LocalAddress  string
	RemoteAddress string
	Extension     Extension
}

// Predicate is evaluated against every route registered under a routeId to
// select the one the caller wants (plain accept-stream lookup, or the
// SNI/ALPN filters used during handshake and at FINISHED).
type Predicate func(Route) bool

// AnyRoute matches any route for a routeId — used for the plain accept-path
// lookup before SNI/ALPN are known.
func AnyRoute(Route) bool { return true }

// Table resolves routes by id, authorization and predicate. It has no
// method that enumerates a routeId's extensions; a caller reads
// Route.Extension from a resolved route.
type Table interface {
	Resolve(routeID uint64, authorization uint64, pred Predicate) (Route, bool)
}

// StoreLoaded reports whether a named store is currently loaded, used at
// route registration time to reject a route naming an unknown store.
type StoreLoaded func(name string) bool

// MapTable is an in-memory Table backed by a map, keyed by routeId with one
// or more Route values per id (a routeId can have several routes
// differing only by SNI/ALPN extension — resolution picks the one whose
// predicate matches).
type MapTable struct {
	routes      map[uint64][]Route
	storeLoaded StoreLoaded
}

// NewMapTable creates an empty table. storeLoaded may be nil, in which case
// Add never rejects a route for referencing an unknown store.
func NewMapTable(storeLoaded StoreLoaded) *MapTable {
	return &MapTable{
		routes:      make(map[uint64][]Route),
		storeLoaded: storeLoaded,
	}
}

// Add registers a route. It is rejected if the route names a store that
// is not currently loaded.
func (t *MapTable) Add(r Route) error {
	if t.storeLoaded != nil && r.Extension.Store != nil && !t.storeLoaded(*r.Extension.Store) {
		return errors.Errorf("route: store %q is not loaded", *r.Extension.Store)
	}
	t.routes[r.RouteID] = append(t.routes[r.RouteID], r)
	return nil
}

// Remove unregisters every route for routeId.
func (t *MapTable) Remove(routeID uint64) {
	delete(t.routes, routeID)
}

func (t *MapTable) Resolve(routeID uint64, _ uint64, pred Predicate) (Route, bool) {
	for _, r := range t.routes[routeID] {
		if pred(r) {
			return r, true
		}
	}
	return Route{}, false
}

// SNIALPNPredicate builds the predicate used at ALPN-selection time and
// once a handshake finishes: a route matches when its hostname is unset
// or equal to the negotiated SNI, and its application protocol is unset
// or equal to the negotiated (or offered, during ALPN selection)
// protocol.
func SNIALPNPredicate(sni *string, alpn *string) Predicate {
	return func(r Route) bool {
		if r.Extension.Hostname != nil && (sni == nil || *r.Extension.Hostname != *sni) {
			return false
		}
		if r.Extension.ApplicationProtocol != nil && (alpn == nil || *r.Extension.ApplicationProtocol != *alpn) {
			return false
		}
		return true
	}
}

// SNIALPNOffersPredicate is SNIALPNPredicate specialized for ALPN
// selection, where the client offers a list of protocols rather than a
// single negotiated one: a route matches when its protocol (if any) is
// among the offered protocols.
func SNIALPNOffersPredicate(sni *string, offered []string) Predicate {
	return func(r Route) bool {
		if r.Extension.Hostname != nil && (sni == nil || *r.Extension.Hostname != *sni) {
			return false
		}
		if r.Extension.ApplicationProtocol == nil {
			return true
		}
		for _, p := range offered {
			if p == *r.Extension.ApplicationProtocol {
				return true
			}
		}
		return false
	}
}
