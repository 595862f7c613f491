package rabbitmq

import (
	"errors"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const consumerPrefetch = 20

// Consumer delivers messages from a durable queue bound to a topic exchange.
type Consumer struct {
	conn   *amqp091.Connection
	ch     *amqp091.Channel
	logger *zap.Logger
}

// NewConsumer dials RabbitMQ and opens the consuming channel.
func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger.With(zap.String("component", "rabbitmq_consumer"))}, nil
}

// ConsumeWithBindings binds queueName to exchange once per routing key and
// dispatches each delivery to that key's handler. A handler returning true acks
// the message; false requeues it. Deliveries with no handler are acked and dropped.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return errors.New("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go c.dispatch(msgs, handlers)
	return nil
}

func (c *Consumer) dispatch(msgs <-chan amqp091.Delivery, handlers map[string]func([]byte) bool) {
	for d := range msgs {
		handler, ok := handlers[d.RoutingKey]
		if !ok {
			c.logger.Warn("no handler for routing key; dropping", zap.String("routing_key", d.RoutingKey))
			_ = d.Ack(false)
			continue
		}
		if handler(d.Body) {
			_ = d.Ack(false)
		} else {
			c.logger.Warn("handler failed; requeueing", zap.String("routing_key", d.RoutingKey))
			_ = d.Nack(false, true)
		}
	}
	c.logger.Info("delivery channel closed")
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
