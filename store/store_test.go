package store

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeSelfSigned(t *testing.T, dir, name string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test." + name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(dir, 0o755))

	f, err := os.Create(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))

	trustF, err := os.Create(filepath.Join(dir, "trust"))
	require.NoError(t, err)
	defer trustF.Close()
	require.NoError(t, pem.Encode(trustF, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func testConfig() Config {
	return Config{
		KeystoreFile:   "keys",
		TruststoreFile: "trust",
	}
}

func TestRegistryAcquireLoadsAndRefcounts(t *testing.T) {
	base := t.TempDir()
	writeSelfSigned(t, filepath.Join(base, "stores", "svc"), "svc")

	r := NewRegistry(testConfig())
	ctx := context.Background()

	sc1, err := r.Acquire(ctx, base, "svc")
	require.NoError(t, err)
	require.True(t, sc1.HasTrustStore)
	require.Len(t, sc1.TLSConfig.Certificates, 1)

	sc2, err := r.Acquire(ctx, base, "svc")
	require.NoError(t, err)
	require.Same(t, sc1, sc2)

	require.True(t, r.Loaded("svc"))

	r.Release(ctx, "svc")
	require.True(t, r.Loaded("svc"), "one ref remains")

	r.Release(ctx, "svc")
	require.False(t, r.Loaded("svc"), "last ref releases the store")
}

func TestRegistryAcquireUnknownStoreFails(t *testing.T) {
	base := t.TempDir()

	r := NewRegistry(testConfig())
	_, err := r.Acquire(context.Background(), base, "missing")
	require.Error(t, err)
}

func TestRegistryRejects257thStore(t *testing.T) {
	base := t.TempDir()
	r := NewRegistry(testConfig())
	ctx := context.Background()

	for i := 0; i < maxStores; i++ {
		name := "store" + string(rune('A'+i%26)) + string(rune('a'+(i/26)%26))
		writeSelfSigned(t, filepath.Join(base, "stores", name), name)
		_, err := r.Acquire(ctx, base, name)
		require.NoError(t, err)
	}

	writeSelfSigned(t, filepath.Join(base, "stores", "overflow"), "overflow")
	_, err := r.Acquire(ctx, base, "overflow")
	require.Error(t, err)
}
