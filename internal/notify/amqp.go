package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// dialFunc opens a connection and a channel with the exchange declared.
type dialFunc func() (amqpChannel, func() error, error)

// AMQPPublisher publishes messages to a RabbitMQ topic exchange, using the
// message type as the routing key. A closed channel is re-dialled on the
// next publish.
type AMQPPublisher struct {
	exchange string
	dial     dialFunc
	logger   *slog.Logger

	mu        sync.Mutex
	ch        amqpChannel
	closeConn func() error
	closed    bool
}

// NewAMQPPublisher connects to url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	dial := func() (amqpChannel, func() error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("dial amqp: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("open channel: %w", err)
		}
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		return ch, conn.Close, nil
	}
	return newAMQPPublisher(exchange, dial, logger)
}

func newAMQPPublisher(exchange string, dial dialFunc, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &AMQPPublisher{exchange: exchange, dial: dial, logger: logger}
	if err := p.connect(); err != nil {
		return nil, err
	}
	p.logger.Info("connected to RabbitMQ", slog.String("exchange", exchange))
	return p, nil
}

// connect must be called with mu held or before the publisher is shared.
func (p *AMQPPublisher) connect() error {
	ch, closeConn, err := p.dial()
	if err != nil {
		return err
	}
	p.ch = ch
	p.closeConn = closeConn
	return nil
}

// Publish sends msg as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, msg *Message) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("publisher is closed")
	}
	if p.ch == nil || p.ch.IsClosed() {
		p.logger.Warn("amqp channel closed, reconnecting")
		if p.closeConn != nil {
			_ = p.closeConn()
		}
		if err := p.connect(); err != nil {
			return err
		}
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, string(msg.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(msg.Type),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.exchange, msg.Type, err)
	}

	p.logger.Debug("published message",
		slog.String("exchange", p.exchange),
		slog.String("routing_key", string(msg.Type)),
		slog.String("message_id", msg.ID),
	)
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.closeConn != nil {
		errs = append(errs, p.closeConn())
	}
	return errors.Join(errs...)
}

var _ Publisher = (*AMQPPublisher)(nil)
