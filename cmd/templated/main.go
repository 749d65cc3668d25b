// Package main implements templated, the block template notifier. It
// watches the coin daemon for chain tip changes, over ZMQ when available
// and by polling otherwise, and relays fresh templates to every listener
// process over the fork channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dvandal/cnpool/internal/config"
	"github.com/dvandal/cnpool/internal/daemon"
	"github.com/dvandal/cnpool/internal/fork"
	"github.com/dvandal/cnpool/internal/ledger"
	"github.com/dvandal/cnpool/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("templated", cfg.ServiceVersion, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting templated",
		"coin", cfg.Coin.Name,
		"daemon", cfg.DaemonURL(),
		"zmq_enabled", cfg.Daemon.ZMQEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := ledger.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	defer redisClient.Close()

	daemonClient := daemon.NewClient(cfg.Daemon, cfg.DaemonURL(), logger)
	broadcast := fork.New(redisClient, cfg.Coin.Name, "templated-"+uuid.New().String(), logger)

	notifier := NewNotifier(cfg, logger, daemonClient, broadcast)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := notifier.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("notifier failed")
			cancel()
		}
	}()

	if cfg.Daemon.ZMQEnabled {
		zmqListener := daemon.NewZMQListener(cfg.Daemon.ZMQEndpoint, logger, notifier.TriggerRefresh)
		go func() {
			for ctx.Err() == nil {
				if err := zmqListener.Listen(ctx); err != nil && ctx.Err() == nil {
					logger.WithError(err).Warn("zmq listener stopped, restarting")
					time.Sleep(5 * time.Second)
				}
			}
		}()
	}

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	logger.Info("templated stopped")
}

// Notifier polls the daemon for template changes and relays them
type Notifier struct {
	cfg       *config.Config
	logger    *log.Logger
	daemon    *daemon.Client
	broadcast *fork.Broadcast

	lastTipHash string
	refresh     chan struct{}
}

// NewNotifier creates a template notifier
func NewNotifier(cfg *config.Config, logger *log.Logger, daemonClient *daemon.Client, broadcast *fork.Broadcast) *Notifier {
	return &Notifier{
		cfg:       cfg,
		logger:    logger.WithComponent("notifier"),
		daemon:    daemonClient,
		broadcast: broadcast,
		refresh:   make(chan struct{}, 1),
	}
}

// TriggerRefresh forces a template fetch outside the poll cadence
func (n *Notifier) TriggerRefresh() {
	select {
	case n.refresh <- struct{}{}:
	default:
	}
}

// Start runs the poll loop until the context is canceled
func (n *Notifier) Start(ctx context.Context) error {
	n.logger.Info("notifier starting", "poll_interval", n.cfg.Pool.BlockRefreshInterval)

	if err := n.fetchAndRelay(ctx); err != nil {
		n.logger.WithError(err).Error("initial template fetch failed")
	}

	ticker := time.NewTicker(n.cfg.Pool.BlockRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.refresh:
			if err := n.fetchAndRelay(ctx); err != nil {
				n.logger.WithError(err).Error("forced template fetch failed")
			}
		case <-ticker.C:
			if err := n.poll(ctx); err != nil {
				n.logger.WithError(err).Error("template poll failed")
			}
		}
	}
}

// poll checks the chain tip cheaply and only fetches a full template when
// it moved
func (n *Notifier) poll(ctx context.Context) error {
	header, err := n.daemon.GetLastBlockHeader(ctx)
	if err != nil {
		return err
	}
	if header.Hash == n.lastTipHash {
		return nil
	}
	return n.fetchAndRelay(ctx)
}

func (n *Notifier) fetchAndRelay(ctx context.Context) error {
	reply, err := n.daemon.GetBlockTemplate(ctx, n.cfg.Daemon.ReserveSize, n.cfg.Coin.PoolAddress)
	if err != nil {
		return err
	}

	if reply.PrevHash != "" {
		n.lastTipHash = reply.PrevHash
	}

	n.logger.Info("relaying block template",
		"height", reply.Height,
		"difficulty", reply.Difficulty,
	)
	return n.broadcast.PublishTemplate(ctx, &fork.TemplateEvent{
		BlobHex:        reply.BlocktemplateBlob,
		Difficulty:     reply.Difficulty,
		Height:         reply.Height,
		ReservedOffset: reply.ReservedOffset,
		SeedHash:       reply.SeedHash,
		NextSeedHash:   reply.NextSeedHash,
		PrevHash:       reply.PrevHash,
	})
}
