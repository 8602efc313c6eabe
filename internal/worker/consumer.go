// Package worker runs the RabbitMQ consumers that move slow work off the
// request path.
package worker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// JSONPublisher is satisfied by rabbitmq.Publisher.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// handleFunc processes one delivery body. A nil error acks; any other
// error nacks without requeue, so poison messages do not loop. Deliveries
// interrupted by shutdown are requeued.
type handleFunc func(ctx context.Context, body []byte) error

type consumer struct {
	conn      *amqp.Connection
	queueName string
	prefetch  int
	handle    handleFunc
	log       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c *consumer) start(ctx context.Context) error {
	if c.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	ch, err := c.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	if _, err := ch.QueueDeclare(c.queueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}
	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			_ = ch.Close()
			cancel()
			return fmt.Errorf("set worker qos failed: %w", err)
		}
	}

	deliveries, err := ch.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.log.Warn("delivery channel closed")
					return
				}
				if err := c.handle(workerCtx, d.Body); err != nil {
					if workerCtx.Err() != nil {
						_ = d.Nack(false, true)
						return
					}
					c.log.Error("handle delivery failed", zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	c.log.Info("worker started", zap.String("queue", c.queueName))
	return nil
}

func (c *consumer) close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}
