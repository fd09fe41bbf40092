package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_relay/internal/config"
	"e2e_relay/internal/instrument"
	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/wire"
	"e2e_relay/internal/relay"
	"e2e_relay/internal/relay/connection"
	"e2e_relay/internal/repository/session"
	"e2e_relay/internal/service/app"
	"e2e_relay/internal/service/auth"
	"e2e_relay/internal/service/cipher"
	"e2e_relay/internal/service/keyservice"
	"e2e_relay/internal/service/messenger"
	redisSvc "e2e_relay/internal/service/redis"
	"e2e_relay/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const reconnectInterval = 5 * time.Second

func main() {
	cliApp := &cli.App{
		Name:                   "client",
		Usage:                  "End-to-end encrypted chat over the relay",
		Action:                 runClient,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Load configuration from `FILE`",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "to",
				Aliases: []string{"t"},
				Usage:   "Chat with `USER`; asked for on start when empty",
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runClient(c *cli.Context) error {
	cfg, err := config.LoadFile(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}

	var logOutput []string
	if cfg.Logging.File != "" {
		logOutput = append(logOutput, cfg.Logging.File)
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.Development, logOutput...); err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Metrics.Address != "" {
		instrument.Serve(cfg.Metrics.Address)
	}

	toName := c.String("to")
	if toName == "" {
		fmt.Print("Enter recipient's name: ")
		if _, err := fmt.Scan(&toName); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	self := model.Address{UserID: cfg.Account.UserID, DeviceID: cfg.Account.DeviceID}

	store, closeStore, err := openStore(cfg.Storage, self)
	if err != nil {
		return err
	}
	defer closeStore()

	// The account token is static; a refresh hands out the same one.
	provider := auth.NewFuncProvider(func(context.Context) (string, error) {
		return cfg.Account.AuthToken, nil
	})
	authManager := auth.NewManager(provider)
	go provider.Run(ctx)
	go authManager.Run(ctx)

	keys, err := keyservice.NewClient(cfg.KeyService.URL, self.UserID, authManager, nil)
	if err != nil {
		return err
	}

	if _, err := app.EnsureIdentity(ctx, store, self.DeviceID, keys); err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	cipherSvc := cipher.NewService(self, store, keys)
	cipherDone := make(chan struct{})
	go func() {
		defer close(cipherDone)
		cipherSvc.Run(ctx)
	}()

	syncSelfDevices(ctx, keys, cipherSvc, self)

	dialer, err := newDialer(cfg.Relay)
	if err != nil {
		return err
	}
	relayManager := relay.NewManager(func() *relay.Client {
		return relay.NewClient(
			connection.NewManager(dialer),
			wire.Credentials{Address: self, AuthToken: cfg.Account.AuthToken},
			relay.WithTokenSource(authManager),
		)
	}, relay.WithPingInterval(cfg.Relay.PingIntervalDuration()))

	chat := messenger.New(self, relayManager, cipherSvc)
	chatDone := make(chan struct{})
	go func() {
		defer close(chatDone)
		chat.Run(ctx)
	}()
	go relayManager.KeepConnected(ctx, reconnectInterval)

	ui := app.NewApp(chat, toName)
	uiErr := ui.Run(ctx)

	cancel()
	relayManager.Close()
	<-chatDone
	cipherSvc.Shutdown()
	<-cipherDone
	return uiErr
}

// syncSelfDevices makes sure we hold sessions with our own other devices.
func syncSelfDevices(ctx context.Context, keys *keyservice.Client, svc *cipher.Service, self model.Address) {
	devices, err := keys.Devices(ctx, self.UserID)
	if err != nil {
		if !errors.Is(err, keyservice.ErrNotFound) {
			log.Warn("listing own devices failed", zap.Error(err))
		}
		return
	}
	if err := svc.UpdateSelfDevices(ctx, devices); err != nil {
		log.Warn("updating own devices failed", zap.Error(err))
	}
}

func openStore(cfg config.Storage, self model.Address) (session.Store, func(), error) {
	switch cfg.Backend {
	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		r := redisSvc.NewRedis(rdb)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Ping(ctx); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return session.NewRedisStore(r, self), func() { rdb.Close() }, nil
	case config.StorageBolt:
		s, err := session.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return session.NewMemoryStore(), func() {}, nil
	}
}

func newDialer(cfg config.Relay) (connection.Dialer, error) {
	timeout := cfg.DialTimeoutDuration()

	var tlsConfig *tls.Config
	if cfg.Transport != config.TransportTCP {
		tlsConfig = &tls.Config{
			ServerName:         cfg.ServerName,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
		if cfg.CAFile != "" {
			pool, err := loadCA(cfg.CAFile)
			if err != nil {
				return nil, err
			}
			tlsConfig.RootCAs = pool
		}
	}

	switch cfg.Transport {
	case config.TransportTCP:
		return connection.TCPDialer{Address: cfg.Address, Timeout: timeout}, nil
	case config.TransportWebSocket:
		return connection.WebSocketDialer{URL: cfg.Address, TLSConfig: tlsConfig, Timeout: timeout}, nil
	default:
		return connection.TLSDialer{Address: cfg.Address, Config: tlsConfig, Timeout: timeout}, nil
	}
}

func loadCA(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}
