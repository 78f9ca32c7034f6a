package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muhammadmahdiamirpour/p2psimple/crypto"
	"github.com/muhammadmahdiamirpour/p2psimple/node"
	"github.com/muhammadmahdiamirpour/p2psimple/observability"
	"github.com/muhammadmahdiamirpour/p2psimple/storage"
	"go.uber.org/zap"
)

// The driver runs a single node configured by the TOML file named in P2P_CONFIG and the
// P2P_* environment overrides. It broadcasts Message every BroadcastInterval and logs
// every message it receives.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "p2pnode: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadDriverConfig(os.Getenv("P2P_CONFIG"))
	if err != nil {
		return err
	}
	applyEnv(&cfg, os.Getenv)

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	// Distinguishes restarts of the same node in shared log files.
	runID := crypto.GenerateID()
	if len(runID) > 16 {
		runID = runID[:16]
	}
	logger = logger.With(zap.String("run_id", runID))

	keyFile, err := resolveKeyFile(cfg, logger)
	if err != nil {
		return err
	}

	queue := node.NewQueue()
	defer queue.Close()

	n, err := node.New(node.Config{
		KeyFile:           keyFile,
		MaxFrameLength:    cfg.MaxFrameLength,
		ListenAddr:        cfg.Listen,
		Peers:             cfg.Peers,
		ReconnectInterval: cfg.ReconnectInterval,
		Logger:            logger,
	}, queue)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go consume(ctx, logger, queue)
	go broadcastLoop(ctx, logger, n, cfg)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-n.Fatal():
		return err
	}
}

// resolveKeyFile returns the configured key file, or the node's file in the key store,
// generating a key on first start.
func resolveKeyFile(cfg driverConfig, logger *zap.Logger) (string, error) {
	if cfg.KeyFile != "" {
		return cfg.KeyFile, nil
	}
	store := storage.NewStore(storage.StoreOpts{Root: cfg.KeyDir, Logger: logger})
	_, created, err := store.LoadOrCreate(cfg.Name)
	if err != nil {
		return "", err
	}
	if created {
		logger.Info("generated new node key", zap.String("path", store.Path(cfg.Name)))
	}
	return store.Path(cfg.Name), nil
}

func consume(ctx context.Context, logger *zap.Logger, queue *node.Queue) {
	for {
		msg, err := queue.Recv(ctx)
		if err != nil {
			return
		}
		logger.Info("received message",
			zap.Uint64("session", uint64(msg.SessionID)),
			zap.ByteString("payload", msg.Payload))
	}
}

func broadcastLoop(ctx context.Context, logger *zap.Logger, n *node.Node, cfg driverConfig) {
	message := cfg.Message
	if message == "" {
		message = fmt.Sprintf("I'm %s", cfg.Name)
	}
	ticker := time.NewTicker(cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("broadcasting",
				zap.String("message", message),
				zap.Int("sessions", len(n.Sessions())),
				zap.Any("registry", n.Registry().Snapshot()))
			n.BroadcastMessage([]byte(message))
		}
	}
}
