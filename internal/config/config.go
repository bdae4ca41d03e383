// Package config resolves the relay's startup configuration from the
// RELAY_* environment variables of spec.md §6, optionally overlaid by a
// RELAY_CONFIG_FILE TOML document (SPEC_FULL.md §1.1) — environment
// variables always win field-by-field over the file.
//
// Grounded on the teacher's config.go (StreamSettings JSON struct
// decoding), generalized from a JSON transport-config document to an
// env-first, TOML-overlay configuration loader; github.com/pelletier/go-toml
// is the only config-file format the retrieval pack uses anywhere.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/pelletier/go-toml"

	"github.com/kestrelnet/relay/internal/crypto"
)

// Config is the fully resolved, validated startup configuration.
//
// RouterPublicKey is read from RELAY_ROUTER_PUBLIC_KEY, which spec.md §6
// labels an "Ed25519 router signing key" but whose only consumers in
// this module (RouteToken/ContinueToken decryption and the /relay_init
// proof-of-ownership seal) are X25519 sealed-box operations, not
// signature verification — see DESIGN.md for this port's resolution of
// that naming mismatch. crypto.VerifySignature remains available for a
// signing use this port doesn't otherwise exercise.
type Config struct {
	RelayAddress    string
	RelayPublicKey  [crypto.BoxPublicKeySize]byte
	RelayPrivateKey [crypto.BoxPrivateKeySize]byte
	RouterPublicKey [crypto.BoxPublicKeySize]byte
	BackendHostname string
	ProcessorCount  int

	LogFile        string // optional
	MetricsAddress string // optional
}

// fileFields is the TOML document shape for RELAY_CONFIG_FILE: one
// lower_snake_case field per RELAY_* environment variable.
type fileFields struct {
	RelayAddress         string `toml:"relay_address"`
	RelayPublicKey       string `toml:"relay_public_key"`
	RelayPrivateKey      string `toml:"relay_private_key"`
	RelayRouterPublicKey string `toml:"relay_router_public_key"`
	RelayBackendHostname string `toml:"relay_backend_hostname"`
	RelayProcessorCount  string `toml:"relay_processor_count"`
	RelayLogFile         string `toml:"relay_log_file"`
	RelayMetricsAddress  string `toml:"relay_metrics_address"`
}

func (f fileFields) asMap() map[string]string {
	return map[string]string{
		"RELAY_ADDRESS":            f.RelayAddress,
		"RELAY_PUBLIC_KEY":         f.RelayPublicKey,
		"RELAY_PRIVATE_KEY":        f.RelayPrivateKey,
		"RELAY_ROUTER_PUBLIC_KEY":  f.RelayRouterPublicKey,
		"RELAY_BACKEND_HOSTNAME":   f.RelayBackendHostname,
		"RELAY_PROCESSOR_COUNT":    f.RelayProcessorCount,
		"RELAY_LOG_FILE":           f.RelayLogFile,
		"RELAY_METRICS_ADDRESS":    f.RelayMetricsAddress,
	}
}

// Load resolves Config from the environment (queried via getenv, so
// tests can supply a fake map instead of mutating the process
// environment) plus an optional RELAY_CONFIG_FILE TOML overlay.
func Load(getenv func(string) string) (*Config, error) {
	fileValues := map[string]string{}
	if path := getenv("RELAY_CONFIG_FILE"); path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		fileValues = loaded
	}

	lookup := func(name string) string {
		if v := getenv(name); v != "" {
			return v
		}
		return fileValues[name]
	}

	cfg := &Config{
		RelayAddress:    lookup("RELAY_ADDRESS"),
		BackendHostname: lookup("RELAY_BACKEND_HOSTNAME"),
		LogFile:         lookup("RELAY_LOG_FILE"),
		MetricsAddress:  lookup("RELAY_METRICS_ADDRESS"),
	}

	for name, v := range map[string]string{
		"RELAY_ADDRESS":           cfg.RelayAddress,
		"RELAY_BACKEND_HOSTNAME":  cfg.BackendHostname,
	} {
		if v == "" {
			return nil, fmt.Errorf("config: missing required %s", name)
		}
	}

	pubKeyRaw := lookup("RELAY_PUBLIC_KEY")
	privKeyRaw := lookup("RELAY_PRIVATE_KEY")
	routerKeyRaw := lookup("RELAY_ROUTER_PUBLIC_KEY")
	if pubKeyRaw == "" || privKeyRaw == "" || routerKeyRaw == "" {
		return nil, fmt.Errorf("config: RELAY_PUBLIC_KEY, RELAY_PRIVATE_KEY, and RELAY_ROUTER_PUBLIC_KEY are all required")
	}

	if err := decodeFixed(pubKeyRaw, cfg.RelayPublicKey[:]); err != nil {
		return nil, fmt.Errorf("config: RELAY_PUBLIC_KEY: %w", err)
	}
	if err := decodeFixed(privKeyRaw, cfg.RelayPrivateKey[:]); err != nil {
		return nil, fmt.Errorf("config: RELAY_PRIVATE_KEY: %w", err)
	}
	if err := decodeFixed(routerKeyRaw, cfg.RouterPublicKey[:]); err != nil {
		return nil, fmt.Errorf("config: RELAY_ROUTER_PUBLIC_KEY: %w", err)
	}

	cfg.ProcessorCount = runtime.NumCPU()
	if raw := lookup("RELAY_PROCESSOR_COUNT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: RELAY_PROCESSOR_COUNT: invalid value %q", raw)
		}
		cfg.ProcessorCount = n
	}

	return cfg, nil
}

func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileFields
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.asMap(), nil
}

func decodeFixed(s string, out []byte) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(out) {
		return fmt.Errorf("wrong length: %d != %d", len(raw), len(out))
	}
	copy(out, raw)
	return nil
}

// Getenv adapts os.Getenv to the getenv func signature Load expects.
func Getenv(name string) string {
	return os.Getenv(name)
}
