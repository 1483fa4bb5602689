// Package events provides the scoped event emission bus: fire-and-forget
// publishes of named events onto a topic exchange consumed by downstream
// dashboard services.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"climacore.dev/climacore/pkg/metrics"
)

// Named events carried on the bus.
const (
	EventSensorUpdate          = "sensorUpdate"
	EventActuatorUpdate        = "actuatorUpdate"
	EventEnvironmentUpdate     = "environmentUpdate"
	EventSpatialControlCommand = "spatialControlCommand"
	EventMetricsSnapshot       = "metricsSnapshot"
)

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	exchangeName = "climacore.events"
)

var (
	errNotConnected  = errors.New("not connected to the event bus")
	errAlreadyClosed = errors.New("already closed: not connected to the event bus")
)

// Envelope is the JSON body published for every event.
type Envelope struct {
	Event     string `json:"event"`
	OwnerID   uint   `json:"ownerId"`
	Area      string `json:"area"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// Bus is a RabbitMQ-backed emitter that handles connection management and
// automatic reconnection. Emission is fire-and-forget: a publish that cannot
// be delivered is logged and dropped, never retried in a loop.
type Bus struct {
	m               *sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	isReady         bool
	isClosed        bool
	metrics         *metrics.EventMetrics // Optional metrics
}

// New creates a new event bus instance, and automatically attempts to
// connect to the server.
func New(addr string, l *slog.Logger) *Bus {
	bus := Bus{
		m:      &sync.Mutex{},
		logger: l,
		done:   make(chan bool),
	}
	go bus.handleReconnect(addr)
	return &bus
}

// SetMetrics sets the metrics collector for this bus.
// This should be called before the bus starts emitting events.
func (b *Bus) SetMetrics(m *metrics.EventMetrics) {
	b.metrics = m
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (b *Bus) handleReconnect(addr string) {
	for {
		b.m.Lock()
		b.isReady = false
		b.m.Unlock()

		b.logger.Info("attempting to connect to event bus")

		if b.metrics != nil {
			b.metrics.ReconnectAttempts.Inc()
		}

		conn, err := b.connect(addr)
		if err != nil {
			b.logger.Error("failed to connect to event bus, retrying...", "error", err)

			select {
			case <-b.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := b.handleReInit(conn); done {
			break
		}
	}
}

// connect will create a new AMQP connection.
func (b *Bus) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if b.metrics != nil {
			b.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	b.connection = conn
	b.notifyConnClose = make(chan *amqp.Error, 1)
	b.connection.NotifyClose(b.notifyConnClose)

	b.logger.Info("event bus connected")
	if b.metrics != nil {
		b.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize the channel.
func (b *Bus) handleReInit(conn *amqp.Connection) bool {
	for {
		b.m.Lock()
		b.isReady = false
		b.m.Unlock()

		err := b.init(conn)
		if err != nil {
			b.logger.Error("failed to initialize event channel, retrying...", "error", err)

			select {
			case <-b.done:
				return true
			case <-b.notifyConnClose:
				b.logger.Info("event bus connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-b.done:
			return true
		case <-b.notifyConnClose:
			b.logger.Info("event bus connection closed, reconnecting...")
			return false
		case <-b.notifyChanClose:
			b.logger.Info("event channel closed, re-running init...")
		}
	}
}

// init will initialize the channel and declare the topic exchange.
func (b *Bus) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	err = ch.ExchangeDeclare(
		exchangeName,
		"topic",
		true,  // Durable
		false, // Auto-deleted
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return err
	}

	b.channel = ch
	b.notifyChanClose = make(chan *amqp.Error, 1)
	b.channel.NotifyClose(b.notifyChanClose)

	b.m.Lock()
	b.isReady = true
	b.m.Unlock()
	b.logger.Info("event bus init done")

	return nil
}

// Emit publishes a named event scoped to an owner and area. Delivery is
// best-effort: an error means the event was dropped, callers do not retry.
func (b *Bus) Emit(ctx context.Context, event string, ownerID uint, area string, payload any) error {
	b.m.Lock()
	ready := b.isReady
	b.m.Unlock()

	if !ready {
		if b.metrics != nil {
			b.metrics.EmitFailures.WithLabelValues(event, "not_connected").Inc()
		}
		return errNotConnected
	}

	body, err := json.Marshal(Envelope{
		Event:     event,
		OwnerID:   ownerID,
		Area:      area,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	})
	if err != nil {
		if b.metrics != nil {
			b.metrics.EmitFailures.WithLabelValues(event, "marshal").Inc()
		}
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	err = b.channel.PublishWithContext(
		ctx,
		exchangeName,
		RoutingKey(event, ownerID, area),
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		if b.metrics != nil {
			b.metrics.EmitFailures.WithLabelValues(event, "publish").Inc()
		}
		return fmt.Errorf("failed to emit %s event: %w", event, err)
	}

	if b.metrics != nil {
		b.metrics.EventsEmitted.WithLabelValues(event).Inc()
	}
	return nil
}

// Close will cleanly shut down the channel and connection. A bus that never
// reached the ready state still has its reconnect loop stopped.
func (b *Bus) Close() error {
	b.m.Lock()
	defer b.m.Unlock()

	if b.isClosed {
		return errAlreadyClosed
	}
	b.isClosed = true
	close(b.done)

	if b.isReady {
		if err := b.channel.Close(); err != nil {
			return err
		}
		if err := b.connection.Close(); err != nil {
			return err
		}
	}
	b.isReady = false

	if b.metrics != nil {
		b.metrics.ConnectionStatus.Set(0)
	}

	return nil
}

// RoutingKey builds the exchange routing key for a scoped event.
// Dashboards bind with patterns like "sensorUpdate.42.*" or "*.42.kitchen".
func RoutingKey(event string, ownerID uint, area string) string {
	return fmt.Sprintf("%s.%d.%s", event, ownerID, area)
}
