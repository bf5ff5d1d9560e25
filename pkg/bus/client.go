// Package bus is the agent's message bus transport, grounded on tapio's
// pkg/integrations/nats publisher/subscriber connection handling
// (reconnect backoff, Name/MaxReconnects/ReconnectWait options) but
// narrowed to plain NATS pub/sub: JetStream, streams, and consumers are
// dropped since this client only needs at-most-once, transparent-reconnect
// semantics, not exactly-once delivery.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// MessageHandler is invoked for every inbound message on the subscribed
// topic. The caller (typically a Dispatcher) is responsible for ensuring
// handlers registered here run on the intended thread — Client itself
// delivers on NATS's own callback goroutines.
type MessageHandler func(subject string, payload []byte)

// Config holds connection parameters for Client.
type Config struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
}

// Client is an asynchronous pub/sub transport: it publishes to a
// control-plane topic and subscribes to a per-agent topic, delivering
// every inbound message to a single registered handler. Handlers run on
// NATS's own callback goroutines, not the caller's event thread — callers
// that need handler code to run on a single thread must wrap the handler
// in a dispatcher.Post call before passing it to RegisterMessageHandler.
type Client struct {
	log *zap.Logger

	mu      sync.RWMutex
	nc      *nats.Conn
	sub     *nats.Subscription
	handler MessageHandler
	closed  bool
}

// New constructs an unconnected Client. log may be nil.
func New(log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{log: log}
}

// Connect dials the NATS server described by cfg with transparent
// reconnect and exponential-backoff-free (fixed-wait) retry, matching
// nats.go's own reconnect loop.
func (c *Client) Connect(cfg Config) error {
	cfg.setDefaults()

	opts := []nats.Option{
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("bus disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to message bus: %w", err)
	}

	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()
	return nil
}

// Publish marshals msg as JSON and publishes it to topic.
func (c *Client) Publish(topic string, msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", topic, err)
	}

	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc == nil {
		return fmt.Errorf("bus not connected")
	}

	return nc.Publish(topic, payload)
}

// RegisterMessageHandler subscribes to topic, replacing any prior
// subscription and handler. Every subsequent inbound message on topic
// invokes handler with its raw payload.
func (c *Client) RegisterMessageHandler(topic string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc == nil {
		return fmt.Errorf("bus not connected")
	}
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.log.Warn("failed to unsubscribe prior handler", zap.Error(err))
		}
	}

	sub, err := c.nc.Subscribe(topic, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	c.sub = sub
	c.handler = handler
	return nil
}

// Close unsubscribes and drains the underlying connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

// Connected reports whether the underlying NATS connection believes
// itself connected.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc != nil && c.nc.IsConnected()
}
