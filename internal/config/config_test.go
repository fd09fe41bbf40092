package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientConfig = `
[Account]
UserID = "alice"
DeviceID = 1
AuthToken = "token-alice"

[Relay]
Address = "relay.example.org:2153"

[KeyService]
URL = "https://keys.example.org"

[Storage]
Backend = "bolt"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]byte(clientConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateClient())

	assert.Equal(t, TransportTLS, cfg.Relay.Transport)
	assert.Equal(t, 10*time.Second, cfg.Relay.DialTimeoutDuration())
	assert.Equal(t, time.Minute, cfg.Relay.PingIntervalDuration())
	assert.Equal(t, defaultBoltPath, cfg.Storage.BoltPath)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte("[Relay]\nAdress = \"typo\"\n"))
	assert.Error(t, err)
}

func TestValidateClient(t *testing.T) {
	cfg, err := Load([]byte(clientConfig))
	require.NoError(t, err)

	cfg.Relay.Transport = "carrier-pigeon"
	assert.Error(t, cfg.ValidateClient())

	cfg.Relay.Transport = TransportWebSocket
	cfg.Account.DeviceID = 0
	assert.Error(t, cfg.ValidateClient())
}

func TestValidateServer(t *testing.T) {
	cfg, err := Load([]byte(`
[Server]
RelayAddress = ":2153"
HTTPAddress = ":9090"
CertFile = "cert.pem"
`))
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateServer())

	cfg.Server.KeyFile = "key.pem"
	assert.Error(t, cfg.ValidateServer())

	cfg.Server.Tokens = map[string]string{"alice": "token-alice"}
	assert.NoError(t, cfg.ValidateServer())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(clientConfig), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Account.UserID)
	assert.Equal(t, uint32(1), cfg.Account.DeviceID)
}
