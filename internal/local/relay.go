package local

import (
	"context"

	"github.com/google/uuid"

	"roomexpenses/internal/amqp"
	"roomexpenses/internal/backend"
)

// AMQPRelay shares changes over a RabbitMQ fanout exchange. Messages are
// tagged with a per-process origin so a process never re-delivers its own.
type AMQPRelay struct {
	client *amqp.Client
	origin string
}

func NewAMQPRelay(client *amqp.Client) *AMQPRelay {
	return &AMQPRelay{client: client, origin: uuid.NewString()}
}

func (r *AMQPRelay) Publish(ctx context.Context, c backend.Change) error {
	return r.client.PublishChange(ctx, amqp.NewChangeMessage(r.origin, c.Table, string(c.Type), c.ID))
}

func (r *AMQPRelay) Run(ctx context.Context, deliver func(backend.Change)) error {
	return r.client.ConsumeChanges(ctx, func(msg *amqp.ChangeMessage) error {
		if msg.Origin == r.origin {
			return nil
		}
		deliver(backend.Change{Table: msg.Table, Type: backend.EventType(msg.Type), ID: msg.ID})
		return nil
	})
}

func (r *AMQPRelay) Close() error {
	return r.client.Close()
}
