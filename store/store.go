// Package store loads named keystores/truststores from PEM files on disk
// and builds a *tls.Config for each, reference-counted across the routes
// naming it. It is adapted from a certificate-authority/cert-generation
// helper, trimmed down to loading real certificate/key material instead
// of forging one on the fly: no CA, no on-the-fly signing, no wildcard
// subject matching — just parse what's on disk and hand back a
// *tls.Config.
package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"

	"github.com/account-login/ctxlog"
	"github.com/pkg/errors"
)

// maxStores bounds how many distinct named stores Registry will hold
// loaded at once: indices are assigned as a single byte, so a 257th
// distinct store is a hard rejection rather than a wraparound.
const maxStores = 256

// Context is one loaded store: its TLS material plus the byte index it
// was assigned, used wherever a compact store reference is needed
// instead of the name string.
type Context struct {
	Name                 string
	Index                uint8
	TLSConfig            *tls.Config
	HasTrustStore        bool
	CADistinguishedNames [][]byte

	refs int
}

// Registry owns every currently loaded Context, keyed by name, and
// reference-counts them against the routes naming them.
type Registry struct {
	config Config

	mu      sync.Mutex
	byName  map[string]*Context
	nextIdx uint8
}

// Config describes where on disk stores live and which filenames/types
// to load from each store directory.
type Config struct {
	// BaseDir is not read by Registry: stores are loaded from the
	// dataplaneDir argument to Acquire, at {dataplaneDir}/stores/{name}/.
	BaseDir string

	KeystoreFile     string
	KeystoreType     string
	KeystorePassword string

	TruststoreFile string
	TruststoreType string
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{config: cfg, byName: make(map[string]*Context)}
}

// Loaded reports whether name is currently loaded, for route registration
// to check against before accepting a route naming it.
func (r *Registry) Loaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byName[name]
	return ok
}

// Acquire loads name if not already loaded (incrementing its refcount
// either way) and returns its Context. Loading a never-seen name past
// maxStores distinct entries is a hard rejection.
func (r *Registry) Acquire(ctx context.Context, dataplaneDir, name string) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sc, ok := r.byName[name]; ok {
		sc.refs++
		return sc, nil
	}

	if len(r.byName) >= maxStores {
		return nil, errors.Errorf("store: cannot load %q, %d distinct stores already loaded", name, maxStores)
	}

	sc, err := r.load(ctx, dataplaneDir, name)
	if err != nil {
		return nil, errors.Wrapf(err, "store: load %q", name)
	}

	sc.Index = r.nextIdx
	r.nextIdx++
	sc.refs = 1
	r.byName[name] = sc

	ctxlog.Infof(ctx, "store: loaded %q at index %d, trust store present=%v", name, sc.Index, sc.HasTrustStore)
	return sc, nil
}

// Release drops one reference to name, unloading it once the count
// reaches zero.
func (r *Registry) Release(ctx context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc, ok := r.byName[name]
	if !ok {
		return
	}
	sc.refs--
	if sc.refs <= 0 {
		delete(r.byName, name)
		ctxlog.Debugf(ctx, "store: unloaded %q", name)
	}
}

func (r *Registry) load(ctx context.Context, dataplaneDir, name string) (*Context, error) {
	keyPath := storePath(dataplaneDir, name, r.config.KeystoreFile)
	cert, err := loadKeyPair(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "load keystore")
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	sc := &Context{Name: name, TLSConfig: tlsCfg}

	trustPath := storePath(dataplaneDir, name, r.config.TruststoreFile)
	pool, names, err := loadTrustStore(trustPath)
	switch {
	case err == nil:
		tlsCfg.ClientCAs = pool
		tlsCfg.RootCAs = pool
		sc.HasTrustStore = true
		sc.CADistinguishedNames = names
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	case os.IsNotExist(err):
		ctxlog.Debugf(ctx, "store: %q has no truststore at %s, skipping mutual auth", name, trustPath)
	default:
		return nil, errors.Wrap(err, "load truststore")
	}

	return sc, nil
}

func loadKeyPair(pemPath string) (tls.Certificate, error) {
	data, err := os.ReadFile(pemPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(data, data)
}

func loadTrustStore(pemPath string) (*x509.CertPool, [][]byte, error) {
	data, err := os.ReadFile(pemPath)
	if err != nil {
		return nil, nil, err
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, nil, errors.New("no certificates found in truststore")
	}

	var names [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		names = append(names, cert.RawSubject)
	}

	return pool, names, nil
}

func storePath(dataplaneDir, store, filename string) string {
	if store == "" {
		return filepath.Join(dataplaneDir, filename)
	}
	return filepath.Join(dataplaneDir, "stores", store, filename)
}
