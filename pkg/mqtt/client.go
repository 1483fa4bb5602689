// Package mqtt provides the broker transport: a paho client wrapper with TLS,
// persistent sessions, last-will announcements and bounded subscribe waits.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"climacore.dev/climacore/pkg/metrics"
)

// MessageHandler receives the raw payload for a delivered message.
type MessageHandler func(topic string, payload []byte)

const (
	// Bounded wait for connect/subscribe/unsubscribe/publish token resolution.
	tokenTimeout = 5 * time.Second

	// Fixed delay between reconnection attempts after a lost connection.
	reconnectDelay = 5 * time.Second

	defaultKeepAlive = 30 * time.Second
)

var (
	ErrNotConnected     = errors.New("not connected to the broker")
	ErrTokenTimeout     = errors.New("broker operation did not resolve within the bound")
	ErrAlreadyConnected = errors.New("already connected")
)

// Config holds the broker transport configuration.
type Config struct {
	Logger *slog.Logger

	// BrokerURL is the broker address, e.g. tls://broker:8883 or tcp://broker:1883.
	BrokerURL string
	// ClientID identifies this client to the broker; the session it anchors is
	// persistent, so queued QoS-1 deliveries survive short outages.
	ClientID string
	Username string
	Password string

	// CAFile is the PEM bundle used to verify the broker certificate.
	// Required unless InsecureSkipVerify is set.
	CAFile string
	// CertFile/KeyFile optionally hold a client certificate pair.
	CertFile string
	KeyFile  string
	// InsecureSkipVerify disables broker certificate verification. Only for
	// development setups; without it a missing CAFile is fatal.
	InsecureSkipVerify bool

	// StatusTopic carries the retained online announcement and the last will.
	StatusTopic string

	KeepAlive time.Duration
}

// statusPayload is the retained connection-status announcement.
type statusPayload struct {
	ClientID  string `json:"clientId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Client wraps the paho client with subscription tracking so every active
// subscription is re-established after a reconnect.
type Client struct {
	m       sync.Mutex
	logger  *slog.Logger
	client  paho.Client
	cfg     *Config
	subs    map[string]subscription
	onReady func()
	metrics *metrics.MQTTMetrics
	closed  bool
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// New creates a broker client. It validates the TLS trust material eagerly:
// a CA bundle that is missing or cannot be loaded is a startup failure, not
// something to fall back from silently. Only InsecureSkipVerify waives the
// CA requirement.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.BrokerURL == "" {
		return nil, errors.New("broker URL cannot be empty")
	}

	if cfg.ClientID == "" {
		return nil, errors.New("client ID cannot be empty")
	}

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS trust material: %w", err)
	}

	c := &Client{
		logger: cfg.Logger,
		cfg:    cfg,
		subs:   make(map[string]subscription),
	}

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(reconnectDelay)
	opts.SetMaxReconnectInterval(reconnectDelay)
	opts.SetKeepAlive(keepAlive)
	// The transport layer only consults this for tls:// and ssl:// broker
	// URLs; plain-TCP schemes ignore it.
	opts.SetTLSConfig(tlsCfg)

	if cfg.StatusTopic != "" {
		will, _ := json.Marshal(statusPayload{
			ClientID: cfg.ClientID,
			Status:   "offline",
		})
		opts.SetBinaryWill(cfg.StatusTopic, will, 1, true)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("broker connection lost", "error", err)
		if c.metrics != nil {
			c.metrics.ConnectionStatus.Set(0)
		}
	})

	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		c.logger.Info("reconnecting to broker")
		if c.metrics != nil {
			c.metrics.ReconnectAttempts.Inc()
		}
	})

	opts.SetOnConnectHandler(func(_ paho.Client) {
		c.logger.Info("connected to broker", "broker", cfg.BrokerURL)
		if c.metrics != nil {
			c.metrics.ConnectionStatus.Set(1)
		}
		c.announceOnline()
		c.resubscribe()
		c.m.Lock()
		ready := c.onReady
		c.m.Unlock()
		if ready != nil {
			ready()
		}
	})

	c.client = paho.NewClient(opts)
	return c, nil
}

// buildTLSConfig assembles the tls.Config from the configured trust material.
func buildTLSConfig(cfg *Config) (*tls.Config, error) {
	if cfg.InsecureSkipVerify {
		return &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, // #nosec G402 - explicit opt-out via configuration
		}, nil
	}

	if cfg.CAFile == "" {
		return nil, errors.New("CA file required unless certificate verification is explicitly disabled")
	}

	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle %s: %w", cfg.CAFile, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no usable certificates in CA bundle %s", cfg.CAFile)
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// SetMetrics sets the metrics collector for this client.
// This should be called before Connect.
func (c *Client) SetMetrics(m *metrics.MQTTMetrics) {
	c.metrics = m
}

// SetOnReady registers a callback invoked after every successful (re)connect,
// once the retained online status is published and subscriptions restored.
func (c *Client) SetOnReady(fn func()) {
	c.m.Lock()
	c.onReady = fn
	c.m.Unlock()
}

// Connect establishes the broker connection, waiting at most the token bound.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	return nil
}

// IsConnected reports whether the underlying client holds a live connection.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// announceOnline publishes the retained online status announcement.
func (c *Client) announceOnline() {
	if c.cfg.StatusTopic == "" {
		return
	}
	payload, _ := json.Marshal(statusPayload{
		ClientID:  c.cfg.ClientID,
		Status:    "online",
		Timestamp: time.Now().Unix(),
	})
	token := c.client.Publish(c.cfg.StatusTopic, 1, true, payload)
	if !token.WaitTimeout(tokenTimeout) || token.Error() != nil {
		c.logger.Warn("failed to publish online status", "error", token.Error())
	}
}

// resubscribe re-establishes every tracked subscription after a reconnect.
func (c *Client) resubscribe() {
	c.m.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.m.Unlock()

	for topic, sub := range subs {
		token := c.client.Subscribe(topic, sub.qos, wrapHandler(sub.handler))
		if !token.WaitTimeout(tokenTimeout) || token.Error() != nil {
			c.logger.Error("failed to restore subscription", "topic", topic, "error", token.Error())
			if c.metrics != nil {
				c.metrics.SubscribeFailures.WithLabelValues("resubscribe").Inc()
			}
		}
	}
}

func wrapHandler(h MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

// Publish sends a payload at the given QoS, waiting at most the token bound.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	var timer *prometheus.Timer
	if c.metrics != nil {
		timer = prometheus.NewTimer(c.metrics.PublishDuration.WithLabelValues("message"))
		defer timer.ObserveDuration()
	}

	if !c.client.IsConnectionOpen() {
		if c.metrics != nil {
			c.metrics.PublishFailures.WithLabelValues("message", "not_connected").Inc()
		}
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retain, payload)
	if err := waitToken(ctx, token); err != nil {
		if c.metrics != nil {
			c.metrics.PublishFailures.WithLabelValues("message", "token").Inc()
		}
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	if c.metrics != nil {
		c.metrics.MessagesPublished.WithLabelValues("message").Inc()
	}
	return nil
}

// Subscribe registers a handler for a topic filter. The subscription is
// tracked and restored automatically after reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	token := c.client.Subscribe(topic, qos, wrapHandler(handler))
	if !token.WaitTimeout(tokenTimeout) {
		if c.metrics != nil {
			c.metrics.SubscribeFailures.WithLabelValues("subscribe").Inc()
		}
		return fmt.Errorf("subscribe to %s: %w", topic, ErrTokenTimeout)
	}
	if err := token.Error(); err != nil {
		if c.metrics != nil {
			c.metrics.SubscribeFailures.WithLabelValues("subscribe").Inc()
		}
		return fmt.Errorf("subscribe to %s failed: %w", topic, err)
	}

	c.m.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	count := len(c.subs)
	c.m.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveSubscriptions.Set(float64(count))
	}
	return nil
}

// Unsubscribe removes a topic subscription, waiting at most the token bound.
func (c *Client) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(tokenTimeout) {
		if c.metrics != nil {
			c.metrics.SubscribeFailures.WithLabelValues("unsubscribe").Inc()
		}
		return fmt.Errorf("unsubscribe from %s: %w", topic, ErrTokenTimeout)
	}
	if err := token.Error(); err != nil {
		if c.metrics != nil {
			c.metrics.SubscribeFailures.WithLabelValues("unsubscribe").Inc()
		}
		return fmt.Errorf("unsubscribe from %s failed: %w", topic, err)
	}

	c.m.Lock()
	delete(c.subs, topic)
	count := len(c.subs)
	c.m.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveSubscriptions.Set(float64(count))
	}
	return nil
}

// Subscriptions returns a snapshot of the currently tracked topic filters.
func (c *Client) Subscriptions() []string {
	c.m.Lock()
	defer c.m.Unlock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// Close publishes the offline status and disconnects cleanly.
func (c *Client) Close() {
	c.m.Lock()
	if c.closed {
		c.m.Unlock()
		return
	}
	c.closed = true
	c.m.Unlock()

	if c.cfg.StatusTopic != "" && c.client.IsConnectionOpen() {
		payload, _ := json.Marshal(statusPayload{
			ClientID:  c.cfg.ClientID,
			Status:    "offline",
			Timestamp: time.Now().Unix(),
		})
		token := c.client.Publish(c.cfg.StatusTopic, 1, true, payload)
		token.WaitTimeout(tokenTimeout)
	}

	c.client.Disconnect(1000)
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
	}
	c.logger.Info("disconnected from broker")
}

// waitToken waits for token resolution bounded by both the context and the
// fixed token timeout. A hung token is treated as a failure, never waited on
// indefinitely.
func waitToken(ctx context.Context, token paho.Token) error {
	deadline := time.NewTimer(tokenTimeout)
	defer deadline.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline.C:
		return ErrTokenTimeout
	}
}
