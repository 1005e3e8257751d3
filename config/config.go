// Package config is the minimal config facade: tls.handshake.window.bytes,
// plus the filesystem layout and environment overrides for loading
// keystores/truststores.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the handful of settings the core and the store loader
// consume. No ecosystem config library is wired in (see DESIGN.md), so
// this stays on flag/os.Getenv.
type Config struct {
	HandshakeWindowBytes int

	StoreDir string

	KeystoreFile     string
	KeystoreType     string
	KeystorePassword string

	TruststoreFile     string
	TruststoreType     string
	TruststorePassword string
}

// Default returns the documented defaults: filenames "keys"/"trust", type
// "PEM" (the Go stand-in for a Java keystore's "JKS" type), password
// "generated".
func Default() Config {
	return Config{
		HandshakeWindowBytes: 0, // 0 means "use slot capacity", resolved by the caller.
		StoreDir:             "",
		KeystoreFile:         "keys",
		KeystoreType:         "PEM",
		KeystorePassword:     "generated",
		TruststoreFile:       "trust",
		TruststoreType:       "PEM",
		TruststorePassword:   "generated",
	}
}

// envString reads key from the environment, falling back to fallback. All
// six keystore/truststore environment variables go through this one
// helper uniformly, rather than splitting them across two different
// accessors.
func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// FromEnv starts from Default() and overlays the six documented
// environment variables plus tls.handshake.window.bytes.
func FromEnv() Config {
	c := Default()
	c.HandshakeWindowBytes = envInt("tls.handshake.window.bytes", c.HandshakeWindowBytes)
	c.KeystoreFile = envString("tls.keystore", c.KeystoreFile)
	c.KeystoreType = envString("tls.keystore.type", c.KeystoreType)
	c.KeystorePassword = envString("tls.keystore.password", c.KeystorePassword)
	c.TruststoreFile = envString("tls.truststore", c.TruststoreFile)
	c.TruststoreType = envString("tls.truststore.type", c.TruststoreType)
	c.TruststorePassword = envString("tls.truststore.password", c.TruststorePassword)
	return c
}

// KeystorePath is {dataplaneDir}/tls/[stores/{store}/]{keystoreFile}. An
// empty store name omits the "stores/{store}" segment.
func (c Config) KeystorePath(dataplaneDir, store string) string {
	return c.storePath(dataplaneDir, store, c.KeystoreFile)
}

// TruststorePath is the truststore counterpart of KeystorePath.
func (c Config) TruststorePath(dataplaneDir, store string) string {
	return c.storePath(dataplaneDir, store, c.TruststoreFile)
}

func (c Config) storePath(dataplaneDir, store, filename string) string {
	if store == "" {
		return filepath.Join(dataplaneDir, "tls", filename)
	}
	return filepath.Join(dataplaneDir, "tls", "stores", store, filename)
}

// HandshakeBudget resolves the effective handshake window: the configured
// window, clamped to the network slot capacity, or the slot capacity
// itself when unconfigured.
func (c Config) HandshakeBudget(slotCapacity int) int {
	w := c.HandshakeWindowBytes
	if w <= 0 || w > slotCapacity {
		return slotCapacity
	}
	return w
}
