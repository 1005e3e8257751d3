package engine

import "github.com/pkg/errors"

var (
	errNoRoute            = errors.New("engine: no route matches negotiated server name/application protocol")
	errBudgetExceeded     = errors.New("engine: peer sent more bytes than the granted credit")
	errSlotExhausted      = errors.New("engine: no free slot available for this stream")
	errNoBinding          = errors.New("engine: connect-reply arrived with no matching handshake correlation")
	errStoreNotLoaded     = errors.New("engine: route names a store that is not currently loaded")
	errEndDuringHandshake = errors.New("engine: peer closed the network stream before the handshake finished")
	errApplicationReset   = errors.New("engine: application reset its connect stream")
)
