package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	TransportTLS       = "tls"
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"

	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageBolt   = "bolt"

	defaultDialTimeout  = 10
	defaultPingInterval = 60
	defaultLogLevel     = "info"
	defaultBoltPath     = "sessions.db"
	defaultRedisAddr    = "localhost:6379"
)

type (
	Config struct {
		Account    Account
		Relay      Relay
		KeyService KeyService
		Storage    Storage
		Logging    Logging
		Metrics    Metrics
		Server     Server
	}

	// Account identifies this device to the relay and the key service.
	Account struct {
		UserID    string
		DeviceID  uint32
		AuthToken string
	}

	Relay struct {
		Address            string
		Transport          string
		ServerName         string
		InsecureSkipVerify bool
		CAFile             string
		// DialTimeout and PingInterval are in seconds.
		DialTimeout  int
		PingInterval int
	}

	KeyService struct {
		URL string
	}

	Storage struct {
		Backend   string
		RedisAddr string
		RedisDB   int
		BoltPath  string
	}

	Logging struct {
		Level       string
		Development bool
		// File receives the log instead of stderr.
		File string
	}

	Metrics struct {
		Address string
	}

	// Server configures cmd/server.
	Server struct {
		RelayAddress   string
		HTTPAddress    string
		MongoURI       string
		MongoDatabase  string
		RedisAddr      string
		CertFile       string
		KeyFile        string
		AcceptAnyToken bool
		Tokens         map[string]string
	}
)

func (r Relay) DialTimeoutDuration() time.Duration {
	return time.Duration(r.DialTimeout) * time.Second
}

func (r Relay) PingIntervalDuration() time.Duration {
	return time.Duration(r.PingInterval) * time.Second
}

func (cfg *Config) applyDefaults() {
	if cfg.Relay.Transport == "" {
		cfg.Relay.Transport = TransportTLS
	}
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = defaultDialTimeout
	}
	if cfg.Relay.PingInterval == 0 {
		cfg.Relay.PingInterval = defaultPingInterval
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageMemory
	}
	if cfg.Storage.Backend == StorageBolt && cfg.Storage.BoltPath == "" {
		cfg.Storage.BoltPath = defaultBoltPath
	}
	if cfg.Storage.Backend == StorageRedis && cfg.Storage.RedisAddr == "" {
		cfg.Storage.RedisAddr = defaultRedisAddr
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.Server.MongoDatabase == "" {
		cfg.Server.MongoDatabase = "e2e_relay"
	}
}

// ValidateClient checks the sections used by the chat client.
func (cfg *Config) ValidateClient() error {
	if cfg.Account.UserID == "" {
		return errors.New("config: Account.UserID is not set")
	}
	if cfg.Account.DeviceID == 0 {
		return errors.New("config: Account.DeviceID is not set")
	}
	if cfg.Relay.Address == "" {
		return errors.New("config: Relay.Address is not set")
	}
	switch cfg.Relay.Transport {
	case TransportTLS, TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("config: Relay.Transport %q is invalid", cfg.Relay.Transport)
	}
	if cfg.KeyService.URL == "" {
		return errors.New("config: KeyService.URL is not set")
	}
	switch cfg.Storage.Backend {
	case StorageMemory, StorageRedis, StorageBolt:
	default:
		return fmt.Errorf("config: Storage.Backend %q is invalid", cfg.Storage.Backend)
	}
	return nil
}

// ValidateServer checks the sections used by the development server.
func (cfg *Config) ValidateServer() error {
	if cfg.Server.RelayAddress == "" {
		return errors.New("config: Server.RelayAddress is not set")
	}
	if cfg.Server.HTTPAddress == "" {
		return errors.New("config: Server.HTTPAddress is not set")
	}
	if (cfg.Server.CertFile == "") != (cfg.Server.KeyFile == "") {
		return errors.New("config: Server.CertFile and Server.KeyFile must be set together")
	}
	if !cfg.Server.AcceptAnyToken && len(cfg.Server.Tokens) == 0 {
		return errors.New("config: Server.Tokens is empty and AcceptAnyToken is false")
	}
	return nil
}

// Load parses the provided buffer b as a config file body and returns the
// Config with defaults applied. Section validation is left to the caller.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
