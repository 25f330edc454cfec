package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	PrivateKeyEnv         = "RELAYER_PRIVATE_KEY"
	privateKeyPlaceholder = "YOUR_RELAYER_PRIVATE_KEY"
)

// expandEnv works like os.ExpandEnv, but also understands ${NAME:-default}.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// ReadPrivateKey loads the relayer signing key from the environment.
func ReadPrivateKey() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimSpace(os.Getenv(PrivateKeyEnv))
	if raw == "" || raw == privateKeyPlaceholder {
		return nil, fmt.Errorf("%s must be set: %w", PrivateKeyEnv, ErrConfiguration)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("can't parse %s: %v: %w", PrivateKeyEnv, err, ErrConfiguration)
	}
	return key, nil
}
