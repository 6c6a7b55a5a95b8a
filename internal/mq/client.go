// Package mq wraps the NATS connection used to publish outcome events and to
// receive block observations from the chain-facing processes.
package mq

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	TopicBitcoinBlocks = "bitcoin-blocks"
	TopicStacksBlocks  = "stacks-blocks"
	TopicSignerVotes   = "signer-votes"

	connectWait   = 2 * time.Second
	reconnectWait = time.Second
)

var ErrConnectionFailed = errors.New("failed to establish connection to message queue")

type Client struct {
	nc     *nats.Conn
	logger *slog.Logger
}

func Connect(url string, logger *slog.Logger) (*Client, error) {
	logger = logger.With(slog.String("module", "message-queue"))

	nc, err := nats.Connect(url,
		nats.Timeout(connectWait),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("err", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	return &Client{nc: nc, logger: logger}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	err := c.nc.Publish(topic, data)
	if err != nil {
		return fmt.Errorf("failed to publish on %s topic: %w", topic, err)
	}
	return nil
}

// Subscribe registers a queue subscription so that concurrent coordinator
// instances share the topic load.
func (c *Client) Subscribe(topic string, msgFunc func([]byte) error) error {
	_, err := c.nc.QueueSubscribe(topic, topic+"-group", func(msg *nats.Msg) {
		err := msgFunc(msg.Data)
		if err != nil {
			c.logger.Error("message handler failed",
				slog.String("topic", topic),
				slog.String("err", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s topic: %w", topic, err)
	}
	return nil
}

func (c *Client) Shutdown() {
	if c.nc == nil {
		return
	}
	err := c.nc.Drain()
	if err != nil {
		c.logger.Error("failed to drain nats connection", slog.String("err", err.Error()))
	}
}
