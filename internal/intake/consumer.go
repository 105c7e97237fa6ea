// Package intake feeds storefront order-created events into the broadcast
// pipeline. The storefront publishes to an AMQP queue when checkout completes;
// the consumer turns each message into a new_order fan-out.
package intake

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tableside/notify/internal/logging"
	"tableside/notify/internal/order"
)

const redialDelay = 5 * time.Second

// Broadcaster fans a freshly created order out to the realtime audience.
type Broadcaster interface {
	BroadcastNewOrder(snapshot order.Snapshot)
}

// orderCreated is the storefront's wire shape for a completed checkout.
type orderCreated struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Consumer drains the intake queue and broadcasts each order.
type Consumer struct {
	url         string
	queue       string
	broadcaster Broadcaster
	logger      *logging.Logger
}

// NewConsumer constructs a consumer for the given broker URL and queue.
func NewConsumer(url, queue string, broadcaster Broadcaster, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.L()
	}
	return &Consumer{
		url:         url,
		queue:       queue,
		broadcaster: broadcaster,
		logger:      logger.With(logging.String("component", "intake")),
	}
}

// Run consumes until the context is cancelled, redialling the broker after
// connection loss so a broker restart does not silence new-order events.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("intake connection lost", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redialDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.queue, "notify", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.logger.Info("consuming order intake", logging.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			c.handle(delivery)
		}
	}
}

func (c *Consumer) handle(delivery amqp.Delivery) {
	var created orderCreated
	if err := json.Unmarshal(delivery.Body, &created); err != nil {
		c.logger.Warn("discarding malformed intake message", logging.Error(err))
		_ = delivery.Nack(false, false)
		return
	}
	status, err := order.ParseStatus(created.Status)
	if err != nil {
		status = order.StatusPending
	}
	if c.broadcaster != nil {
		c.broadcaster.BroadcastNewOrder(order.Snapshot{
			ID:         created.OrderID,
			CustomerID: created.CustomerID,
			Status:     status,
			UpdatedAt:  created.CreatedAt,
		})
	}
	_ = delivery.Ack(false)
}
