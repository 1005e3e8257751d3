// Command tlsnukleus-harness is a standalone demonstration of the core
// engine package: it terminates real TLS connections on a TCP listener,
// using config/store/route exactly as a host dataplane's control plane
// would configure them, and bridges decrypted bytes to a plaintext TCP
// backend, all in a single process, since there is no separate "remote"
// hop in a TLS termination nukleus — origination happens on the same box
// the host dataplane runs on.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/account-login/ctxlog"

	"github.com/account-login/nukleus-tls/config"
	"github.com/account-login/nukleus-tls/correlation"
	"github.com/account-login/nukleus-tls/counters"
	"github.com/account-login/nukleus-tls/engine"
	"github.com/account-login/nukleus-tls/route"
	"github.com/account-login/nukleus-tls/slot"
	"github.com/account-login/nukleus-tls/store"
	"github.com/account-login/nukleus-tls/worker"
)

func main() {
	log.SetFlags(log.Flags() | log.Lmicroseconds)
	ctx := context.Background()

	listenAddr := flag.String("listen", "127.0.0.1:8443", "terminate TLS on this address")
	backendAddr := flag.String("backend", "127.0.0.1:8080", "plaintext backend to originate to once the handshake finishes")
	storeDir := flag.String("store-dir", "", "directory holding named keystore/truststore PEM pairs")
	storeName := flag.String("store", "default", "store name the one configured route resolves to")
	routeHostname := flag.String("route-hostname", "", "require this SNI hostname (empty matches any)")
	routeALPN := flag.String("route-alpn", "", "require this negotiated ALPN protocol (empty matches any)")
	handshakeWindow := flag.Int("handshake-window-bytes", 0, "override tls.handshake.window.bytes (0 uses the slot capacity)")
	workers := flag.Int("workers", 4, "delegated handshake worker pool size")
	debugAddr := flag.String("debug", "", "pprof debug server address")
	flag.Parse()

	if *debugAddr != "" {
		startDebugServer(ctx, *debugAddr)
	}

	cfg := config.FromEnv()
	if *handshakeWindow > 0 {
		cfg.HandshakeWindowBytes = *handshakeWindow
	}
	cfg.StoreDir = *storeDir

	stores := store.NewRegistry(store.Config{
		BaseDir:          cfg.StoreDir,
		KeystoreFile:     cfg.KeystoreFile,
		KeystoreType:     cfg.KeystoreType,
		KeystorePassword: cfg.KeystorePassword,
		TruststoreFile:   cfg.TruststoreFile,
		TruststoreType:   cfg.TruststoreType,
	})

	routes := route.NewMapTable(stores.Loaded)
	ext := route.Extension{Store: storeName}
	if *routeHostname != "" {
		ext.Hostname = routeHostname
	}
	if *routeALPN != "" {
		ext.ApplicationProtocol = routeALPN
	}
	const routeID = 1
	if err := routes.Add(route.Route{RouteID: routeID, Role: route.RoleServer, Extension: ext}); err != nil {
		ctxlog.Fatal(ctx, err)
		return
	}

	wp := worker.NewPool(*workers)
	defer wp.Close()

	slotCapacity := cfg.HandshakeBudget(64 * 1024)
	factory := &engine.Factory{
		Routes:          routes,
		Stores:          stores,
		Correlations:    correlation.New[*engine.Binding](),
		Connections:     engine.NewConnections(),
		Workers:         wp,
		Counters:        counters.NewAtomicCounters(),
		NetworkPool:     slot.NewFixedPool("server.network", 256, slotCapacity, nil),
		ApplicationPool: slot.NewFixedPool("server.application", 256, slotCapacity, nil),
		DataplaneDir:    cfg.StoreDir,
	}

	l := &listener{factory: factory, routeID: routeID, backendAddr: *backendAddr}
	if err := l.start(ctx, *listenAddr); err != nil {
		ctxlog.Fatal(ctx, err)
		return
	}
	ctxlog.Infof(ctx, "terminating TLS on %v, originating to %v", *listenAddr, *backendAddr)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	ctxlog.Infof(ctx, "exiting")
}
