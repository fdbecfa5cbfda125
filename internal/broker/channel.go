// Package broker wraps a durable AMQP connection for the task pipeline.
// Queues are declared durable, messages are published persistent, and
// consumers acknowledge manually: a handler returning nil acks the
// delivery, any error nacks it back onto the queue for redelivery.
package broker

import (
	"context"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. Returning nil acknowledges the
// message; returning an error requeues it (at-least-once delivery).
type Handler func(ctx context.Context, body []byte) error

// Channel owns the single broker connection for the process. It is
// constructed once at startup and injected into every consumer; there
// is no ambient/global connection.
type Channel struct {
	conn  *amqp.Connection
	pub   *amqp.Channel
	pubMu sync.Mutex

	declared   map[string]bool
	declaredMu sync.Mutex
}

// Connect dials the broker and opens the publish channel. Connection
// loss after startup is fatal: the daemon relies on crash-and-restart
// rather than in-process reconnect logic.
func Connect(url string) (*Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}

	c := &Channel{
		conn:     conn,
		pub:      pub,
		declared: make(map[string]bool),
	}

	go func() {
		err := <-conn.NotifyClose(make(chan *amqp.Error, 1))
		if err != nil {
			log.Fatalf("FATAL: Broker connection lost: %v", err)
		}
	}()

	return c, nil
}

// Connection exposes the underlying AMQP connection so the remote
// worker client can open its own reply channel.
func (c *Channel) Connection() *amqp.Connection {
	return c.conn
}

func (c *Channel) declareQueue(ch *amqp.Channel, queue string) error {
	c.declaredMu.Lock()
	done := c.declared[queue]
	c.declaredMu.Unlock()
	if done {
		return nil
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	c.declaredMu.Lock()
	c.declared[queue] = true
	c.declaredMu.Unlock()
	return nil
}

// Publish declares the queue durable if absent and enqueues a
// persistent message. It never blocks on consumer availability.
func (c *Channel) Publish(ctx context.Context, queue string, body []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if err := c.declareQueue(c.pub, queue); err != nil {
		return err
	}

	err := c.pub.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Consume starts concurrency independent delivery loops for the queue,
// each on its own channel with prefetch 1, so one worker slot never
// holds more than one unacknowledged message. concurrency 0 declares
// the queue but starts no consumers (the stage is handed off to an
// out-of-process agent without deleting its queue).
func (c *Channel) Consume(ctx context.Context, queue string, concurrency int, handler Handler) error {
	c.pubMu.Lock()
	err := c.declareQueue(c.pub, queue)
	c.pubMu.Unlock()
	if err != nil {
		return err
	}

	if concurrency <= 0 {
		log.Printf("Queue %s declared with no consumers (concurrency 0)", queue)
		return nil
	}

	for slot := 0; slot < concurrency; slot++ {
		ch, err := c.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open consumer channel for %s: %w", queue, err)
		}
		if err := ch.Qos(1, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch for %s: %w", queue, err)
		}

		tag := fmt.Sprintf("%s-%d", queue, slot)
		deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to start consumer %s: %w", tag, err)
		}

		go c.deliveryLoop(ctx, tag, deliveries, handler)
	}

	log.Printf("Consuming queue %s with concurrency %d", queue, concurrency)
	return nil
}

func (c *Channel) deliveryLoop(ctx context.Context, tag string, deliveries <-chan amqp.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := invoke(ctx, handler, d.Body); err != nil {
				log.Printf("WARNING: Handler for %s failed, requeueing: %v", tag, err)
				if nackErr := d.Nack(false, true); nackErr != nil {
					log.Printf("ERROR: Failed to nack delivery on %s: %v", tag, nackErr)
				}
				continue
			}
			if ackErr := d.Ack(false); ackErr != nil {
				log.Printf("ERROR: Failed to ack delivery on %s: %v", tag, ackErr)
			}
		}
	}
}

// invoke shields the delivery loop from handler panics; a panic is a
// transient failure and the message is requeued.
func invoke(ctx context.Context, handler Handler, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, body)
}

// Close shuts down the publish channel and the connection.
func (c *Channel) Close() error {
	if c.pub != nil {
		c.pub.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
