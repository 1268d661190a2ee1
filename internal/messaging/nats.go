// Package messaging provides the broker transports behind the relay hub:
// NATS core pub/sub and Redis pub/sub. Both satisfy relay.Transport.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix roots every relay channel in the NATS subject space.
const SubjectPrefix = "chat"

// Subject maps a channel key to a NATS subject:
// conversation:<id> -> chat.conversation.<id>.
func Subject(channel string) string {
	return SubjectPrefix + "." + strings.ReplaceAll(channel, ":", ".")
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[*nats.Subscription]string
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "pairchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[*nats.Subscription]string),
	}, nil
}

// Publish sends data on the subject for channel.
func (c *NATSClient) Publish(channel string, data []byte) error {
	return c.conn.Publish(Subject(channel), data)
}

// Subscribe registers handler on the subject for channel. Every call opens
// its own NATS subscription; the relay hub is responsible for sharing them.
// It returns once the server has registered the interest, so a publish from
// another process made after Subscribe returns is received.
func (c *NATSClient) Subscribe(channel string, handler func(data []byte)) (func() error, error) {
	subject := Subject(channel)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	if err := c.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: flush: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[sub] = subject
	c.mu.Unlock()

	return func() error {
		c.mu.Lock()
		_, ok := c.subs[sub]
		delete(c.subs, sub)
		c.mu.Unlock()
		if !ok {
			return nil
		}
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
		}
		return nil
	}, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub, subject := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[*nats.Subscription]string)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
