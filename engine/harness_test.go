package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/account-login/nukleus-tls/correlation"
	"github.com/account-login/nukleus-tls/counters"
	"github.com/account-login/nukleus-tls/frame"
	"github.com/account-login/nukleus-tls/route"
	"github.com/account-login/nukleus-tls/slot"
	"github.com/account-login/nukleus-tls/store"
	"github.com/account-login/nukleus-tls/tlsengine"
	"github.com/account-login/nukleus-tls/worker"
)

// recordingSink collects every frame it's handed, for assertions.
func recordingSink() (frame.Sink, func() []frame.Frame) {
	var frames []frame.Frame
	return func(f frame.Frame) error {
		frames = append(frames, f)
		return nil
	}, func() []frame.Frame { return frames }
}

// writeStore materializes a self-signed keystore/truststore pair for
// hostname under base/stores/name, in the layout store.Registry expects.
func writeStore(t *testing.T, base, name, hostname string) *x509.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	dir := filepath.Join(base, "stores", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	f, err := os.Create(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	require.NoError(t, pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, f.Close())

	tf, err := os.Create(filepath.Join(dir, "trust"))
	require.NoError(t, err)
	require.NoError(t, pem.Encode(tf, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, tf.Close())

	return leaf
}

type testHarness struct {
	factory      *Factory
	routes       *route.MapTable
	stores       *store.Registry
	correlations *correlation.Registry[*Binding]
	connections  *Connections
	workers      *worker.Pool
	base         string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	base := t.TempDir()
	stores := store.NewRegistry(store.Config{KeystoreFile: "keys", TruststoreFile: "trust"})
	routes := route.NewMapTable(stores.Loaded)
	workers := worker.NewPool(2)
	t.Cleanup(workers.Close)

	h := &testHarness{
		routes:       routes,
		stores:       stores,
		correlations: correlation.New[*Binding](),
		connections:  NewConnections(),
		workers:      workers,
		base:         base,
	}
	h.factory = &Factory{
		Routes:          routes,
		Stores:          stores,
		Correlations:    h.correlations,
		Connections:     h.connections,
		Workers:         workers,
		Counters:        counters.NewAtomicCounters(),
		NetworkPool:     slot.NewFixedPool("server.network", 4, 16*1024, nil),
		ApplicationPool: slot.NewFixedPool("server.application", 4, 16*1024, nil),
		DataplaneDir:    base,
	}
	return h
}

func (h *testHarness) addRoute(t *testing.T, routeID uint64, storeName string) *x509.Certificate {
	t.Helper()
	leaf := writeStore(t, h.base, storeName, storeName+".example")
	require.NoError(t, h.routes.Add(route.Route{RouteID: routeID, Role: route.RoleServer, Extension: route.Extension{Store: &storeName}}))
	return leaf
}

func clientConfigFor(leaf *x509.Certificate, hostname string) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return &tls.Config{RootCAs: pool, ServerName: hostname}
}

// driveHandshakeTo shuttles ciphertext between a raw client tlsengine.Engine
// and an AcceptConnection's synthetic network stream until both sides
// converge or the deadline trips.
func driveHandshakeTo(t *testing.T, client *tlsengine.Engine, ac *AcceptConnection, routeID, streamID uint64, finished func() bool) {
	t.Helper()

	clientTask, ok := client.DelegatedTask()
	require.True(t, ok)
	go clientTask.Run()

	for i := 0; i < 200; i++ {
		cr, err := client.Wrap(nil)
		require.NoError(t, err)
		if len(cr.Output) > 0 {
			require.NoError(t, ac.Handle(frame.Data{RouteID: routeID, StreamID: streamID, Payload: cr.Output}))
		}
		require.NoError(t, ac.Pump())

		if finished() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("handshake did not converge")
}
