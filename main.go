package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/muhammadmahdiamirpour/p2psimple/node"
	"github.com/muhammadmahdiamirpour/p2psimple/observability"
	"github.com/muhammadmahdiamirpour/p2psimple/storage"
	"go.uber.org/zap"
)

// Two node local demo.
//
//	go run . false 0    # node 0 on 127.0.0.1:1337, dials node 1
//	go run . false 1    # node 1 on 127.0.0.1:1338, dials node 0
//
// With "true" the nodes dial 127.0.0.1:8337 and 127.0.0.1:8338 instead, where an external
// relay is expected to forward to the other node.
const (
	addr0 = "127.0.0.1:1337"
	addr1 = "127.0.0.1:1338"

	proxy0 = "127.0.0.1:8337"
	proxy1 = "127.0.0.1:8338"

	demoFrameLength = 512 * 1024
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: p2psimple <proxy:true|false> <0|1>")
		os.Exit(2)
	}
	proxy, err := strconv.ParseBool(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid proxy flag %q: %v\n", os.Args[1], err)
		os.Exit(2)
	}
	index := os.Args[2]
	if index != "0" && index != "1" {
		fmt.Fprintf(os.Stderr, "node index must be 0 or 1, got %q\n", index)
		os.Exit(2)
	}

	logCfg := observability.DefaultLogConfig()
	logCfg.Development = true
	if lvl := os.Getenv("P2P_LOG_LEVEL"); lvl != "" {
		logCfg.Level = lvl
	}
	logger, err := observability.SetupLogger(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	listen, target := demoAddrs(index, proxy)

	store := storage.NewStore(storage.StoreOpts{Root: "examples", Logger: logger})
	if _, _, err := store.LoadOrCreate(index); err != nil {
		logger.Fatal("key store", zap.Error(err))
	}

	logger.Info("starting node", zap.String("index", index), zap.String("listen", listen), zap.String("target", target))
	queue := node.NewQueue()
	n, err := node.New(node.Config{
		KeyFile:        store.Path(index),
		MaxFrameLength: demoFrameLength,
		ListenAddr:     listen,
		Peers:          []string{target},
		Logger:         logger,
	}, queue)
	if err != nil {
		logger.Fatal("start node", zap.Error(err))
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("broadcast message", zap.String("node", index))
				n.BroadcastMessage([]byte("I'm node " + index))
			}
		}
	}()

	if err := serve(ctx, logger, queue, n.Fatal()); err != nil {
		logger.Error("stopping", zap.Error(err))
		n.Close()
		os.Exit(1)
	}
}

// serve logs inbound messages until ctx is done or the node reports a message it could
// not deliver, which is returned.
func serve(ctx context.Context, logger *zap.Logger, queue *node.Queue, fatal <-chan error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			msg, err := queue.Recv(ctx)
			if err != nil {
				return
			}
			logger.Info("got message",
				zap.Uint64("session", uint64(msg.SessionID)),
				zap.ByteString("payload", msg.Payload))
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	}
}

// demoAddrs returns the listen address of node index and the address it dials.
func demoAddrs(index string, proxy bool) (listen, target string) {
	if index == "0" {
		if proxy {
			return addr0, proxy0
		}
		return addr0, addr1
	}
	if proxy {
		return addr1, proxy1
	}
	return addr1, addr0
}
