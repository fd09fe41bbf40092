package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_relay/internal/config"
	"e2e_relay/internal/instrument"
	"e2e_relay/internal/repository/bundle"
	"e2e_relay/internal/service/keyservice"
	redisSvc "e2e_relay/internal/service/redis"
	"e2e_relay/internal/service/server"
	"e2e_relay/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	cliApp := &cli.App{
		Name:   "server",
		Usage:  "Development relay and key service",
		Action: runServer,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Load configuration from `FILE`",
				Required: true,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServer(c *cli.Context) error {
	cfg, err := config.LoadFile(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Metrics.Address != "" {
		instrument.Serve(cfg.Metrics.Address)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := openRepo(ctx, cfg.Server)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg.Server)
	if err != nil {
		return err
	}

	check := keyservice.StaticTokens(cfg.Server.Tokens, cfg.Server.AcceptAnyToken)
	relaySrv := server.NewRelayServer(repo, queue, check)

	r := mux.NewRouter()
	keyservice.NewServer(repo, check).Register(r)
	r.HandleFunc("/v1/relay", relaySrv.WebSocketHandler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.Server.HTTPAddress))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
			cancel()
		}
	}()

	ln, err := listen(cfg.Server)
	if err != nil {
		return err
	}
	log.Info("relay listening", zap.String("addr", cfg.Server.RelayAddress), zap.Bool("tls", cfg.Server.CertFile != ""))
	serveErr := relaySrv.Serve(ctx, ln)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	relaySrv.Close()
	return serveErr
}

func listen(cfg config.Server) (net.Listener, error) {
	if cfg.CertFile == "" {
		return net.Listen("tcp", cfg.RelayAddress)
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", cfg.RelayAddress, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

// openRepo uses mongo when configured, otherwise keeps keys in memory.
func openRepo(ctx context.Context, cfg config.Server) (bundle.Repository, error) {
	if cfg.MongoURI == "" {
		log.Warn("no MongoURI set, device keys are kept in memory")
		return bundle.NewMemoryRepo(), nil
	}

	client, err := initMongo(ctx, cfg.MongoURI)
	if err != nil {
		return nil, fmt.Errorf("mongo: %w", err)
	}
	repo := bundle.NewMongoRepo(client.Database(cfg.MongoDatabase))
	if err := repo.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	return repo, nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

func openQueue(ctx context.Context, cfg config.Server) (server.Queue, error) {
	if cfg.RedisAddr == "" {
		log.Warn("no RedisAddr set, offline messages are kept in memory")
		return server.NewMemoryQueue(), nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	r := redisSvc.NewRedis(rdb)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return server.NewRedisQueue(r), nil
}
