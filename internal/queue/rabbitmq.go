package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	JobsExchange    = "jobs.exchange"
	DLXExchange     = "jobs.dlx"
	RetryExchange   = "jobs.retry.exchange"
	DeadLetterQueue = "jobs.dead_letter.queue"

	attemptHeader = "x-attempt"
)

// Client wraps one RabbitMQ connection and channel.
type Client struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	maxAttempts int
	baseWait    time.Duration
	log         zerolog.Logger
}

// New connects to RabbitMQ and opens a channel.
func New(cfg *config.QueueConfig, log zerolog.Logger) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{
		conn:        conn,
		ch:          ch,
		maxAttempts: cfg.MaxAttempts,
		baseWait:    cfg.RetryBaseWait,
		log:         log.With().Str("component", "queue").Logger(),
	}, nil
}

// retryDelays returns the exponential backoff schedule: base, 2x, 4x, ...
// one entry per retry after the first attempt.
func (c *Client) retryDelays() []time.Duration {
	delays := make([]time.Duration, 0, c.maxAttempts-1)
	wait := c.baseWait
	for i := 1; i < c.maxAttempts; i++ {
		delays = append(delays, wait)
		wait *= 2
	}
	return delays
}

func retryRoutingKey(kind models.JobKind, delay time.Duration) string {
	return fmt.Sprintf("retry.%s.%ds", kind, int(delay.Seconds()))
}

// SetupTopology declares all exchanges and queues. Idempotent.
func (c *Client) SetupTopology() error {
	// Main exchange for jobs
	if err := c.ch.ExchangeDeclare(JobsExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	// Dead-letter exchange
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	// Retry exchange
	if err := c.ch.ExchangeDeclare(RetryExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}

	// Dead-letter queue
	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	// One durable queue per job kind
	for _, kind := range []models.JobKind{models.JobKindImport, models.JobKindExport} {
		queueName := fmt.Sprintf("jobs.queue.%s", kind)
		_, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": DLXExchange,
		})
		if err != nil {
			return err
		}
		if err := c.ch.QueueBind(queueName, string(kind), JobsExchange, false, nil); err != nil {
			return err
		}
	}

	// Retry queues, one per kind and delay: after the TTL the message
	// dead-letters back to the main jobs exchange under its kind's key.
	for _, kind := range []models.JobKind{models.JobKindImport, models.JobKindExport} {
		for _, delay := range c.retryDelays() {
			queueName := fmt.Sprintf("jobs.retry.queue.%s.%ds", kind, int(delay.Seconds()))
			routingKey := retryRoutingKey(kind, delay)
			_, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
				"x-dead-letter-exchange":    JobsExchange,
				"x-dead-letter-routing-key": string(kind),
				"x-message-ttl":             delay.Milliseconds(),
			})
			if err != nil {
				return err
			}
			if err := c.ch.QueueBind(queueName, routingKey, RetryExchange, false, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

// Publish enqueues a job for its kind's queue.
func (c *Client) Publish(ctx context.Context, data *models.JobData) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %w", err)
	}

	return c.ch.PublishWithContext(ctx,
		JobsExchange,
		string(data.Kind),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Headers:      amqp.Table{attemptHeader: int32(1)},
		})
}

// Consume opens a manual-ack delivery stream for one job kind.
func (c *Client) Consume(kind models.JobKind) (<-chan amqp.Delivery, error) {
	queueName := fmt.Sprintf("jobs.queue.%s", kind)
	return c.ch.Consume(
		queueName,
		"",    // consumer
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
}

// Attempt reads the delivery attempt counter (1-based).
func Attempt(msg amqp.Delivery) int {
	if v, ok := msg.Headers[attemptHeader]; ok {
		switch n := v.(type) {
		case int32:
			return int(n)
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	return 1
}

// DecodeJobData unmarshals a delivery payload.
func DecodeJobData(msg amqp.Delivery) (*models.JobData, error) {
	var data models.JobData
	if err := json.Unmarshal(msg.Body, &data); err != nil {
		return nil, fmt.Errorf("failed to decode job data: %w", err)
	}
	return &data, nil
}

// RetryOrDead re-publishes a failed delivery to the retry queue matching its
// next attempt, or lets it dead-letter when attempts are exhausted. The
// original delivery is settled either way.
func (c *Client) RetryOrDead(ctx context.Context, msg amqp.Delivery, kind models.JobKind) error {
	attempt := Attempt(msg)
	delays := c.retryDelays()

	if attempt >= c.maxAttempts || attempt-1 >= len(delays) {
		c.log.Warn().
			Str("kind", string(kind)).
			Int("attempt", attempt).
			Msg("Job exhausted retries, dead-lettering")
		return msg.Nack(false, false) // no requeue: routed to the DLX
	}

	delay := delays[attempt-1]
	routingKey := retryRoutingKey(kind, delay)

	err := c.ch.PublishWithContext(ctx,
		RetryExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         msg.Body,
			Headers:      amqp.Table{attemptHeader: int32(attempt + 1)},
		})
	if err != nil {
		// Could not schedule the retry; requeue the original instead.
		c.log.Error().Err(err).Msg("Failed to publish retry, requeueing")
		return msg.Nack(false, true)
	}

	c.log.Info().
		Str("kind", string(kind)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Job scheduled for retry")
	return msg.Ack(false)
}

// Close tears down the channel and connection.
func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
