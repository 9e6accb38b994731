package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/tracing"
)

// Broker is the publishing side of the message broker client.
type Broker interface {
	Publish(ctx context.Context, queue string, message []byte, headers amqp.Table, messageID string) error
}

type EventPublisher struct {
	broker Broker
}

func NewEventPublisher(broker Broker) *EventPublisher {
	return &EventPublisher{broker: broker}
}

// PublishInventoryUpdate publishes an inventory.update event
func (p *EventPublisher) PublishInventoryUpdate(ctx context.Context, event models.InventoryUpdateEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.broker.Publish(ctx, models.InventoryUpdateQueue, data, tracing.InjectHeaders(ctx, nil), event.EventID)
}

// PublishRaw relays a stored outbox message, replaying the trace context
// captured when it was written.
func (p *EventPublisher) PublishRaw(ctx context.Context, msg models.OutboxMessage) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return p.broker.Publish(ctx, msg.Queue, msg.Payload, headers, msg.EventID)
}
