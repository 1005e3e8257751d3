package engine

import "github.com/account-login/nukleus-tls/frame"

// Connections is the sole owner of every live StreamHandler, keyed by
// stream id. An AcceptConnection keeps one entry for its whole life (the
// handshake and steady state are states of the same value), and what a
// finished handshake hands to its reply stream is a Binding passed
// through the correlation registry, not a pointer between the two
// connections.
type Connections struct {
	byStreamID map[uint64]StreamHandler
}

// NewConnections returns an empty table.
func NewConnections() *Connections {
	return &Connections{byStreamID: make(map[uint64]StreamHandler)}
}

// Put registers h as the handler for streamID, replacing any existing
// entry.
func (c *Connections) Put(streamID uint64, h StreamHandler) {
	c.byStreamID[streamID] = h
}

// Get returns the current handler for streamID, if any.
func (c *Connections) Get(streamID uint64) (StreamHandler, bool) {
	h, ok := c.byStreamID[streamID]
	return h, ok
}

// Remove drops streamID's handler, as both ends do on END/ABORT/RESET.
func (c *Connections) Remove(streamID uint64) {
	delete(c.byStreamID, streamID)
}

// Len reports how many streams are currently live, for tests asserting a
// connection cleans itself up on every exit path.
func (c *Connections) Len() int {
	return len(c.byStreamID)
}

// Deliver routes f to its stream's current handler, calling Handle on
// the caller's own goroutine.
func (c *Connections) Deliver(f frame.Frame) error {
	h, ok := c.byStreamID[f.GetStreamID()]
	if !ok {
		return nil
	}
	return h.Handle(f)
}
