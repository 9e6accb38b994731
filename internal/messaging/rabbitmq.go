package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
)

var (
	ErrNotConfirmed   = errors.New("broker did not confirm message")
	ErrUnroutable     = errors.New("broker returned unroutable message")
	ErrConnectionLost = errors.New("rabbitmq connection lost")
)

// RabbitMQ owns one connection, a confirm-mode publishing channel and one
// channel per consumer.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	returns chan amqp.Return
	logger  *zap.Logger

	mu        sync.Mutex
	consumers []*amqp.Channel
}

// NewRabbitMQ dials url, retrying with exponential backoff for up to dialTimeout.
func NewRabbitMQ(url string, dialTimeout time.Duration, logger *zap.Logger) (*RabbitMQ, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = dialTimeout

	var conn *amqp.Connection
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = amqp.Dial(url)
		return err
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("⏳ RabbitMQ not reachable, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Publisher confirms: Publish returns only once the broker has the message.
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	// Mandatory publishes that match no queue come back here before their
	// confirm. Publish drains it under the publish lock.
	returns := channel.NotifyReturn(make(chan amqp.Return, 1))

	logger.Info("✅ Connected to RabbitMQ")

	return &RabbitMQ{
		conn:    conn,
		channel: channel,
		returns: returns,
		logger:  logger,
	}, nil
}

// DeclareQueue creates a durable queue if it doesn't exist
func (r *RabbitMQ) DeclareQueue(name string) error {
	_, err := r.channel.QueueDeclare(
		name,  // queue name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	r.logger.Info("✅ Queue declared", zap.String("queue", name))
	return nil
}

func (r *RabbitMQ) DeclareQueues(names ...string) error {
	for _, name := range names {
		if err := r.DeclareQueue(name); err != nil {
			return err
		}
	}
	return nil
}

// Publish sends a persistent message to a queue and waits for the broker
// confirmation. A message that no queue accepts fails with ErrUnroutable.
func (r *RabbitMQ) Publish(ctx context.Context, queue string, message []byte, headers amqp.Table, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	confirm, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		"",    // exchange
		queue, // routing key (queue name)
		true,  // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
			Body:         message,
		},
	)
	if err != nil {
		return apperrors.Transient("failed to publish message to "+queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return apperrors.Transient("failed waiting for confirm from "+queue, err)
	}
	if !acked {
		return apperrors.Transient("publish to "+queue+" was nacked", ErrNotConfirmed)
	}
	if r.returned(messageID) {
		return apperrors.Transient("publish to "+queue+" was returned", ErrUnroutable)
	}

	r.logger.Debug("📤 Message published", zap.String("queue", queue), zap.String("message_id", messageID))
	return nil
}

// returned drains pending returns and reports whether one was for messageID.
// Returns left over from publishes that gave up early are discarded.
func (r *RabbitMQ) returned(messageID string) bool {
	found := false
	for {
		select {
		case ret, ok := <-r.returns:
			if !ok {
				return found
			}
			if ret.MessageId == messageID {
				found = true
				continue
			}
			r.logger.Warn("⚠️ Discarding stale returned message",
				zap.String("message_id", ret.MessageId),
				zap.String("routing_key", ret.RoutingKey),
				zap.String("reason", ret.ReplyText),
			)
		default:
			return found
		}
	}
}

// Consume receives messages from a queue on a dedicated channel with manual
// acknowledgment. prefetch bounds the unacknowledged deliveries in flight.
func (r *RabbitMQ) Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	channel, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	messages, err := channel.Consume(
		queue,       // queue name
		consumerTag, // consumer tag
		false,       // auto-ack (false = manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	r.mu.Lock()
	r.consumers = append(r.consumers, channel)
	r.mu.Unlock()

	r.logger.Info("👂 Listening on queue", zap.String("queue", queue), zap.String("consumer", consumerTag))
	return messages, nil
}

// NotifyClose reports connection loss.
func (r *RabbitMQ) NotifyClose() <-chan *amqp.Error {
	return r.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// WaitForClose blocks until ctx is done or closed fires. A broker-side close
// is returned as an error; a clean Close returns nil.
func WaitForClose(ctx context.Context, closed <-chan *amqp.Error) error {
	select {
	case <-ctx.Done():
		return nil
	case amqpErr, ok := <-closed:
		if !ok || amqpErr == nil {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrConnectionLost, amqpErr)
	}
}

// Close closes the channels and the connection
func (r *RabbitMQ) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.consumers {
		ch.Close()
	}
	r.consumers = nil
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
	r.logger.Info("🔌 RabbitMQ connection closed")
}
