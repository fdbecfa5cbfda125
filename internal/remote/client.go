// Package remote delegates CPU-heavy operations (speech transcription,
// scene detection) to out-of-process compute workers over the broker,
// using the direct reply-to request/response pattern with opaque
// correlation ids.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// WorkerQueuePrefix namespaces the compute worker request queues.
	WorkerQueuePrefix = "worker."

	replyToQueue = "amq.rabbitmq.reply-to"
)

var (
	ErrRequestTooLarge  = errors.New("remote request exceeds configured size limit")
	ErrResponseTooLarge = errors.New("remote response exceeds configured size limit")
	ErrCallTimeout      = errors.New("remote worker call timed out")
)

// Options bounds remote calls. Zero sizes mean unlimited.
type Options struct {
	Timeout         time.Duration
	MaxRequestSize  int
	MaxResponseSize int
}

// Client issues synchronous request/response calls to compute workers.
// The calling stage worker blocks for the duration of the call; the
// per-queue stage concurrency, not per-call limits, bounds resource
// usage.
type Client struct {
	ch   *amqp.Channel
	opts Options

	mu      sync.Mutex
	pending map[string]chan amqp.Delivery
}

// NewClient opens a dedicated channel on the shared broker connection
// and begins routing reply-to deliveries.
func NewClient(conn *amqp.Connection, opts Options) (*Client, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open remote worker channel: %w", err)
	}

	c := &Client{
		ch:      ch,
		opts:    opts,
		pending: make(map[string]chan amqp.Delivery),
	}

	replies, err := ch.Consume(replyToQueue, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume reply queue: %w", err)
	}
	go c.routeReplies(replies)

	return c, nil
}

func (c *Client) routeReplies(replies <-chan amqp.Delivery) {
	for d := range replies {
		c.mu.Lock()
		waiter, ok := c.pending[d.CorrelationId]
		if ok {
			delete(c.pending, d.CorrelationId)
		}
		c.mu.Unlock()
		if !ok {
			log.Printf("WARNING: Dropping remote reply with unknown correlation id %s", d.CorrelationId)
			continue
		}
		waiter <- d
	}
}

// Call sends a request to the named worker kind and blocks until its
// response, the timeout, or context cancellation. Responses are opaque
// payloads the caller stores verbatim.
func (c *Client) Call(ctx context.Context, workerKind string, request []byte) ([]byte, error) {
	if c.opts.MaxRequestSize > 0 && len(request) > c.opts.MaxRequestSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRequestTooLarge, len(request))
	}

	corrID := uuid.New().String()
	waiter := make(chan amqp.Delivery, 1)

	c.mu.Lock()
	c.pending[corrID] = waiter
	err := c.ch.PublishWithContext(ctx, "", WorkerQueuePrefix+workerKind, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyToQueue,
		Body:          request,
	})
	c.mu.Unlock()
	if err != nil {
		c.abandon(corrID)
		return nil, fmt.Errorf("failed to publish to worker %s: %w", workerKind, err)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.abandon(corrID)
		return nil, ctx.Err()
	case <-timer.C:
		c.abandon(corrID)
		return nil, fmt.Errorf("%w: worker %s after %v", ErrCallTimeout, workerKind, timeout)
	case d := <-waiter:
		if c.opts.MaxResponseSize > 0 && len(d.Body) > c.opts.MaxResponseSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, len(d.Body))
		}
		return d.Body, nil
	}
}

func (c *Client) abandon(corrID string) {
	c.mu.Lock()
	delete(c.pending, corrID)
	c.mu.Unlock()
}

// Close releases the client's channel.
func (c *Client) Close() error {
	return c.ch.Close()
}
