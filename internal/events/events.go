// Package events publishes pool lifecycle events to Kafka for downstream
// consumers: the stats aggregator, the payment notifier and audit tooling.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dvandal/cnpool/internal/config"
	"github.com/dvandal/cnpool/pkg/errors"
	"github.com/dvandal/cnpool/pkg/log"
)

// Topic suffixes; the configured prefix namespaces them per deployment.
const (
	TopicShares  = "shares"
	TopicBlocks  = "blocks"
	TopicWorkers = "workers"
)

// Event types carried on the streams.
const (
	TypeShareAccepted    = "share_accepted"
	TypeShareRejected    = "share_rejected"
	TypeBlockFound       = "block_found"
	TypeWorkerConnected  = "worker_connected"
	TypeWorkerBanned     = "worker_banned"
	TypeWorkerTimeout    = "worker_timeout"
	TypeWorkerDisconnect = "worker_disconnected"
)

// Envelope is the common frame around every event
type Envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Coin      string      `json:"coin"`
	Payload   interface{} `json:"payload"`
}

// ShareEvent describes an accepted or rejected share
type ShareEvent struct {
	Login      string `json:"login"`
	Worker     string `json:"worker,omitempty"`
	IP         string `json:"ip"`
	Difficulty int64  `json:"difficulty"`
	ShareDiff  string `json:"share_diff,omitempty"`
	Height     int64  `json:"height,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Trusted    bool   `json:"trusted,omitempty"`
}

// BlockEvent describes a block candidate found by the pool
type BlockEvent struct {
	Login     string `json:"login"`
	Worker    string `json:"worker,omitempty"`
	Height    int64  `json:"height"`
	BlockHash string `json:"block_hash"`
}

// WorkerEvent describes a worker lifecycle transition
type WorkerEvent struct {
	Login  string `json:"login,omitempty"`
	Worker string `json:"worker,omitempty"`
	IP     string `json:"ip"`
}

// Publisher writes events to Kafka. A nil Publisher is valid and drops
// everything, so callers need no enabled checks.
type Publisher struct {
	writer *kafka.Writer
	prefix string
	coin   string
	logger *log.Logger
}

// NewPublisher creates a Kafka publisher, or nil when disabled
func NewPublisher(cfg config.KafkaConfig, coin string, logger *log.Logger) *Publisher {
	if !cfg.Enabled {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			BatchTimeout: cfg.BatchTimeout,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.WithError(err).Warn("kafka delivery failed",
						"messages", len(messages))
				}
			},
		},
		prefix: cfg.TopicPrefix,
		coin:   coin,
		logger: logger.WithComponent("events"),
	}
}

func (p *Publisher) publish(ctx context.Context, topic, eventType, key string, payload interface{}) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(&Envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Coin:      p.coin,
		Payload:   payload,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "event_publish", "marshal event")
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.prefix + "." + topic,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeKafka, "event_publish", "write event")
	}
	return nil
}

// ShareAccepted publishes an accepted share event
func (p *Publisher) ShareAccepted(ctx context.Context, ev *ShareEvent) error {
	return p.publish(ctx, TopicShares, TypeShareAccepted, ev.Login, ev)
}

// ShareRejected publishes a rejected share event
func (p *Publisher) ShareRejected(ctx context.Context, ev *ShareEvent) error {
	return p.publish(ctx, TopicShares, TypeShareRejected, ev.Login, ev)
}

// BlockFound publishes a block candidate event
func (p *Publisher) BlockFound(ctx context.Context, ev *BlockEvent) error {
	return p.publish(ctx, TopicBlocks, TypeBlockFound, ev.BlockHash, ev)
}

// WorkerConnected publishes a worker connection event
func (p *Publisher) WorkerConnected(ctx context.Context, ev *WorkerEvent) error {
	return p.publish(ctx, TopicWorkers, TypeWorkerConnected, ev.Login, ev)
}

// WorkerDisconnected publishes a worker disconnection event
func (p *Publisher) WorkerDisconnected(ctx context.Context, ev *WorkerEvent) error {
	return p.publish(ctx, TopicWorkers, TypeWorkerDisconnect, ev.Login, ev)
}

// WorkerBanned publishes a ban event
func (p *Publisher) WorkerBanned(ctx context.Context, ev *WorkerEvent) error {
	return p.publish(ctx, TopicWorkers, TypeWorkerBanned, ev.IP, ev)
}

// WorkerTimeout publishes a miner timeout event
func (p *Publisher) WorkerTimeout(ctx context.Context, ev *WorkerEvent) error {
	return p.publish(ctx, TopicWorkers, TypeWorkerTimeout, ev.Login, ev)
}

// Close flushes and closes the underlying writer
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
