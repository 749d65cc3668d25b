// Package fork relays events between sibling listener processes that share
// a Redis database but no memory: ban propagation and externally discovered
// block templates.
package fork

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/dvandal/cnpool/pkg/errors"
	"github.com/dvandal/cnpool/pkg/log"
)

// MessageType tags the relay payload union
type MessageType string

const (
	TypeBanIP         MessageType = "banIP"
	TypeBlockTemplate MessageType = "blockTemplate"
)

// Message is the wire envelope on the relay channel
type Message struct {
	Type     MessageType    `json:"type"`
	BanIP    string         `json:"banIP,omitempty"`
	Template *TemplateEvent `json:"template,omitempty"`
	Origin   string         `json:"origin"`
}

// TemplateEvent carries a block template discovered by the poller or a
// sibling process
type TemplateEvent struct {
	BlobHex        string `json:"blob"`
	Difficulty     int64  `json:"difficulty"`
	Height         int64  `json:"height"`
	ReservedOffset int    `json:"reserved_offset"`
	SeedHash       string `json:"seed_hash,omitempty"`
	NextSeedHash   string `json:"next_seed_hash,omitempty"`
	PrevHash       string `json:"prev_hash,omitempty"`
}

// Handler receives relayed messages. Messages originated by this process
// are filtered out before delivery.
type Handler interface {
	OnBanIP(ip string)
	OnBlockTemplate(ev *TemplateEvent)
}

// Broadcast publishes and subscribes relay messages on one Redis channel
type Broadcast struct {
	client    *redis.Client
	channel   string
	processID string
	logger    *log.Logger
}

// New creates a relay endpoint. processID must be unique per listener
// process so a publisher skips its own messages.
func New(client *redis.Client, coin, processID string, logger *log.Logger) *Broadcast {
	return &Broadcast{
		client:    client,
		channel:   coin + ":fork",
		processID: processID,
		logger:    logger.WithComponent("fork"),
	}
}

// Channel returns the Redis channel the relay runs on
func (b *Broadcast) Channel() string {
	return b.channel
}

// PublishBan relays a ban to sibling processes
func (b *Broadcast) PublishBan(ctx context.Context, ip string) error {
	return b.publish(ctx, &Message{Type: TypeBanIP, BanIP: ip, Origin: b.processID})
}

// PublishTemplate relays a fresh block template to sibling processes
func (b *Broadcast) PublishTemplate(ctx context.Context, ev *TemplateEvent) error {
	return b.publish(ctx, &Message{Type: TypeBlockTemplate, Template: ev, Origin: b.processID})
}

func (b *Broadcast) publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "fork_publish", "marshal relay message")
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeRedis, "fork_publish", "publish relay message")
	}
	return nil
}

// Listen consumes relay messages until the context is canceled. Malformed
// messages are logged and skipped.
func (b *Broadcast) Listen(ctx context.Context, handler Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return errors.New(errors.ErrorTypeRedis, "fork_listen", "subscription channel closed")
			}
			msg, err := Decode([]byte(raw.Payload))
			if err != nil {
				b.logger.WithError(err).Warn("dropping malformed relay message")
				continue
			}
			if msg.Origin == b.processID {
				continue
			}
			b.dispatch(msg, handler)
		}
	}
}

func (b *Broadcast) dispatch(msg *Message, handler Handler) {
	switch msg.Type {
	case TypeBanIP:
		if msg.BanIP == "" {
			b.logger.Warn("ban relay without IP")
			return
		}
		handler.OnBanIP(msg.BanIP)
	case TypeBlockTemplate:
		if msg.Template == nil {
			b.logger.Warn("template relay without payload")
			return
		}
		handler.OnBlockTemplate(msg.Template)
	default:
		b.logger.Warn("unknown relay message type", "type", string(msg.Type))
	}
}

// Decode parses and validates a relay envelope
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "fork_decode", "unmarshal relay message")
	}
	switch msg.Type {
	case TypeBanIP, TypeBlockTemplate:
	default:
		return nil, errors.New(errors.ErrorTypeProtocol, "fork_decode", "unknown relay message type")
	}
	return &msg, nil
}
