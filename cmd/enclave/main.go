package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"key_enclave/internal/config"
	"key_enclave/internal/cryptographic/encryption"
	"key_enclave/internal/repository/secret"
	"key_enclave/internal/service/affordance"
	"key_enclave/internal/service/dialog"
	"key_enclave/internal/service/gateway"
	redisSvc "key_enclave/internal/service/redis"
	"key_enclave/internal/service/server"
	"key_enclave/internal/service/session"
	"key_enclave/internal/service/store"
	"key_enclave/internal/utils/log"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		memguard.SafeExit(1)
	}
}

type flags struct {
	configPath   string
	listen       string
	parentOrigin string
	driver       string
}

// load reads the config file and environment, applies the command line on top, then validates.
func (f flags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.parentOrigin != "" {
		cfg.ParentOrigin = f.parentOrigin
	}
	if f.driver != "" {
		cfg.Store.Driver = f.driver
	}
	return cfg, cfg.Validate()
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "enclave",
		Short:         "Key custody enclave serving an embedding application",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}

			if err := log.Init(cfg.Log); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&f.listen, "listen", "", "address to listen on")
	cmd.Flags().StringVar(&f.parentOrigin, "parent-origin", "", "the only origin allowed to call the enclave")
	cmd.Flags().StringVar(&f.driver, "store", "", "store driver: memory, redis or mongo")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	backend, closeBackend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeBackend()

	var storeOpts []store.Option
	if cfg.Store.SealKey != "" {
		sealer, err := encryption.NewSealerFromSecret(cfg.Store.SealKey)
		if err != nil {
			return err
		}
		storeOpts = append(storeOpts, store.WithSealer(sealer))
	}
	st := store.New(backend, storeOpts...)

	buttons := affordance.NewSet(cfg.Affordance.AutoActivate)
	windows := server.NewWindowManager(server.CommandLauncher(cfg.Dialog.Launcher))
	broker := dialog.NewBroker(windows, dialog.Config{
		BaseURL:      cfg.EnclaveOrigin,
		ScreenWidth:  cfg.Dialog.ScreenWidth,
		ScreenHeight: cfg.Dialog.ScreenHeight,
	})

	s := session.New(st, broker, buttons, session.WithAuthenticator(dialog.NewPasskeyPrompt(broker)))
	if err := s.Load(ctx); err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	log.Info("session loaded", zap.Stringer("state", s.State()), zap.String("store", cfg.Store.Driver))

	gw := gateway.New(cfg.ParentOrigin, s, buttons, gateway.RateLimit{
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	})

	srv := server.NewHttpServer(server.Config{
		Listen:        cfg.Listen,
		EnclaveOrigin: cfg.EnclaveOrigin,
		ParentOrigin:  cfg.ParentOrigin,
	}, gw, buttons, windows)
	return srv.Run(ctx)
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (store.Backend, func(), error) {
	switch cfg.Driver {
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		r := redisSvc.NewRedis(rdb)
		if err := r.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return store.NewRedisBackend(r, cfg.Prefix), func() { _ = rdb.Close() }, nil

	case config.DriverMongo:
		client, err := initMongo(cfg.Mongo.URI)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		repo := secret.NewSecretRepo(client.Database(cfg.Mongo.Database), cfg.Mongo.Collection)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return store.NewMongoBackend(repo), func() { _ = client.Disconnect(context.Background()) }, nil
	}
	return store.NewMemoryBackend(), func() {}, nil
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, readpref.Primary())
}
