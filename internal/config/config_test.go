package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (pub, priv, router string) {
	t.Helper()
	var pubBytes, privBytes [32]byte
	copy(pubBytes[:], []byte("relay-public-key-32-bytes-long!"))
	copy(privBytes[:], []byte("relay-private-key-32-bytes-long"))
	routerPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pubBytes[:]),
		base64.StdEncoding.EncodeToString(privBytes[:]),
		base64.StdEncoding.EncodeToString(routerPub)
}

func envMap(overrides map[string]string) func(string) string {
	return func(name string) string { return overrides[name] }
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	pub, priv, router := testKeys(t)
	cfg, err := Load(envMap(map[string]string{
		"RELAY_ADDRESS":           "203.0.113.5:40000",
		"RELAY_PUBLIC_KEY":        pub,
		"RELAY_PRIVATE_KEY":       priv,
		"RELAY_ROUTER_PUBLIC_KEY": router,
		"RELAY_BACKEND_HOSTNAME":  "https://backend.example",
	}))
	require.NoError(t, err)
	require.Equal(t, "203.0.113.5:40000", cfg.RelayAddress)
	require.Equal(t, "https://backend.example", cfg.BackendHostname)
	require.Greater(t, cfg.ProcessorCount, 0)
}

func TestLoadMissingRequiredFieldErrors(t *testing.T) {
	_, err := Load(envMap(map[string]string{}))
	require.Error(t, err)
}

func TestLoadRejectsMalformedKey(t *testing.T) {
	_, _, router := testKeys(t)
	_, err := Load(envMap(map[string]string{
		"RELAY_ADDRESS":           "203.0.113.5:40000",
		"RELAY_PUBLIC_KEY":        "not-base64!!!",
		"RELAY_PRIVATE_KEY":       "not-base64!!!",
		"RELAY_ROUTER_PUBLIC_KEY": router,
		"RELAY_BACKEND_HOSTNAME":  "https://backend.example",
	}))
	require.Error(t, err)
}

func TestLoadFileOverlayWithEnvOverride(t *testing.T) {
	pub, priv, router := testKeys(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.toml")
	contents := `
relay_address = "198.51.100.9:40000"
relay_public_key = "` + pub + `"
relay_private_key = "` + priv + `"
relay_router_public_key = "` + router + `"
relay_backend_hostname = "https://from-file.example"
relay_processor_count = "4"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(envMap(map[string]string{
		"RELAY_CONFIG_FILE":      path,
		"RELAY_BACKEND_HOSTNAME": "https://env-wins.example",
	}))
	require.NoError(t, err)
	require.Equal(t, "198.51.100.9:40000", cfg.RelayAddress)
	require.Equal(t, "https://env-wins.example", cfg.BackendHostname, "explicit env var must override file value")
	require.Equal(t, 4, cfg.ProcessorCount)
}

func TestLoadProcessorCountInvalidErrors(t *testing.T) {
	pub, priv, router := testKeys(t)
	_, err := Load(envMap(map[string]string{
		"RELAY_ADDRESS":           "203.0.113.5:40000",
		"RELAY_PUBLIC_KEY":        pub,
		"RELAY_PRIVATE_KEY":       priv,
		"RELAY_ROUTER_PUBLIC_KEY": router,
		"RELAY_BACKEND_HOSTNAME":  "https://backend.example",
		"RELAY_PROCESSOR_COUNT":   "not-a-number",
	}))
	require.Error(t, err)
}
