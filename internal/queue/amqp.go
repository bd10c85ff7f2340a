package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"socialbridge/internal/constants"
	"socialbridge/internal/privacy"
	"socialbridge/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Channel is the subset of *amqp.Channel the queue uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type delivery struct {
	JobID string `json:"job_id"`
}

// AMQPQueue records jobs in the store and delivers their ids through
// RabbitMQ. Future jobs wait in a delay queue whose per-message TTL
// dead-letters them into the work queue.
type AMQPQueue struct {
	store      Store
	ch         Channel
	exchange   string
	workQueue  string
	delayQueue string
	logger     *logrus.Logger
	now        func() time.Time

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
}

// DialAMQP connects to url, retrying with policy, and opens one channel
func DialAMQP(ctx context.Context, url string, policy retry.Policy, logger *logrus.Logger) (*amqp.Connection, *amqp.Channel, error) {
	var conn *amqp.Connection
	err := policy.Do(ctx, func() error {
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			logger.WithError(err).WithField(constants.LogFieldURL, privacy.MaskURL(url)).Warn("AMQP dial failed")
		}
		return err
	}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	return conn, ch, nil
}

// NewAMQPQueue declares the exchange, work queue and delay queue on ch
func NewAMQPQueue(store Store, ch Channel, exchange string, logger *logrus.Logger) (*AMQPQueue, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if exchange == "" {
		exchange = constants.DefaultAMQPExchange
	}
	q := &AMQPQueue{
		store:      store,
		ch:         ch,
		exchange:   exchange,
		workQueue:  exchange + ".work",
		delayQueue: exchange + ".delay",
		logger:     logger,
		now:        time.Now,
	}
	if exchange == constants.DefaultAMQPExchange {
		q.workQueue = constants.DefaultAMQPWorkQueue
		q.delayQueue = constants.DefaultAMQPDelayQueue
	}
	if err := q.declare(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) declare() error {
	if err := q.ch.ExchangeDeclare(q.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", q.exchange, err)
	}
	if _, err := q.ch.QueueDeclare(q.workQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.workQueue, err)
	}
	if err := q.ch.QueueBind(q.workQueue, q.workQueue, q.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", q.workQueue, err)
	}
	_, err := q.ch.QueueDeclare(q.delayQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    q.exchange,
		"x-dead-letter-routing-key": q.workQueue,
	})
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.delayQueue, err)
	}
	return nil
}

// Enqueue records the job and publishes its id, delayed until runAt
func (q *AMQPQueue) Enqueue(ctx context.Context, kind string, args map[string]string, runAt time.Time) (string, error) {
	job, err := newJob(kind, args, runAt)
	if err != nil {
		return "", err
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.publish(job.ID, job.RunAt); err != nil {
		// The job row stays queued; a Poller over the same store still runs it
		q.logger.WithError(err).WithField(constants.LogFieldJobID, job.ID).Error("Failed to publish job")
		return "", err
	}
	q.logger.WithFields(logrus.Fields{
		constants.LogFieldJobID:   job.ID,
		constants.LogFieldJobKind: kind,
		"run_at":                  job.RunAt,
	}).Info("Job enqueued")
	return job.ID, nil
}

// Cancel marks the job canceled; its message is dropped on delivery
func (q *AMQPQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	return cancelJob(ctx, q.store, q.logger, jobID)
}

func (q *AMQPQueue) publish(jobID string, runAt time.Time) error {
	body, err := json.Marshal(delivery{JobID: jobID})
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Timestamp:    q.now().UTC(),
		Body:         body,
	}

	exchange, key := q.exchange, q.workQueue
	if delay := runAt.Sub(q.now()); delay > 0 {
		// Default exchange routes by queue name
		exchange, key = "", q.delayQueue
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish(exchange, key, false, false, msg)
}

// Consume runs delivered jobs with runner until ctx is done or the delivery
// channel closes. Failed jobs that should retry are republished with their
// backoff delay.
func (q *AMQPQueue) Consume(ctx context.Context, runner *Runner, prefetch int) error {
	if prefetch > 0 {
		if err := q.ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	deliveries, err := q.ch.Consume(q.workQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	q.logger.WithField("queue", q.workQueue).Info("AMQP job consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			q.handle(ctx, runner, d)
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, runner *Runner, d amqp.Delivery) {
	var msg delivery
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
		q.logger.WithField("body_size", len(d.Body)).Warn("Discarding malformed job message")
		_ = d.Ack(false)
		return
	}
	log := q.logger.WithField(constants.LogFieldJobID, msg.JobID)

	job, err := q.store.ClaimJob(ctx, msg.JobID)
	if err != nil {
		log.WithError(err).Warn("Failed to claim job, requeueing")
		_ = d.Nack(false, true)
		return
	}
	if job == nil {
		// Canceled, finished or claimed by a poller
		log.Debug("Skipping job that is no longer queued")
		_ = d.Ack(false)
		return
	}

	retryAt, err := runner.Run(ctx, job)
	if err != nil {
		log.WithError(err).Error("Failed to record job outcome")
	}
	if !retryAt.IsZero() {
		if err := q.publish(job.ID, retryAt); err != nil {
			// Keep the delivery so the retry still happens, without its delay
			log.WithError(err).Error("Failed to republish job for retry, requeueing delivery")
			_ = d.Nack(false, true)
			return
		}
	}
	_ = d.Ack(false)
}
