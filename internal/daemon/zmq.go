package daemon

import (
	"context"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/dvandal/cnpool/pkg/errors"
	"github.com/dvandal/cnpool/pkg/log"
)

// Topic published by monerod-family daemons when the chain tip moves.
const chainMainTopic = "json-minimal-chain_main"

// ZMQListener subscribes to the daemon's block notifications so the pool
// learns about new chain tips without waiting for the next poll tick.
type ZMQListener struct {
	endpoint string
	logger   *log.Logger
	onBlock  func()
}

// NewZMQListener creates a listener. onBlock runs once per notification.
func NewZMQListener(endpoint string, logger *log.Logger, onBlock func()) *ZMQListener {
	return &ZMQListener{
		endpoint: endpoint,
		logger:   logger.WithComponent("daemon_zmq"),
		onBlock:  onBlock,
	}
}

// Listen consumes notifications until the context is canceled. Socket
// errors are returned to the caller, which typically restarts the
// listener with backoff.
func (z *ZMQListener) Listen(ctx context.Context) error {
	sock, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_listen", "create SUB socket")
	}
	defer sock.Close()

	if err := sock.Connect(z.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_listen", "connect "+z.endpoint)
	}
	if err := sock.SetSubscribe(chainMainTopic); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_listen", "subscribe")
	}
	// Receive with a timeout so context cancellation is noticed.
	if err := sock.SetRcvtimeo(time.Second); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_listen", "set receive timeout")
	}

	z.logger.Info("listening for daemon block notifications", "endpoint", z.endpoint)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		parts, err := sock.RecvMessage(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_listen", "receive")
		}
		if len(parts) == 0 {
			continue
		}

		z.logger.Debug("daemon block notification", "topic", parts[0])
		z.onBlock()
	}
}
