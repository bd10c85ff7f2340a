package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"socialbridge/internal/models"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	queues     map[string]amqp.Table
	bindings   []string
	published  []published
	deliveries chan amqp.Delivery
	prefetch   int
	publishErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{queues: map[string]amqp.Table{}, deliveries: make(chan amqp.Delivery, 8)}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.exchanges = append(c.exchanges, name+"/"+kind)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.bindings = append(c.bindings, exchange+"->"+name+"@"+key)
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) last() published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[len(c.published)-1]
}

type fakeAck struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func deliveryFor(ack *fakeAck, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, Body: []byte(body)}
}

func TestAMQPQueue_DeclaresDelayTopology(t *testing.T) {
	ch := newFakeChannel()
	_, err := NewAMQPQueue(newTestStore(t), ch, "", quietLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"socialbridge.jobs/direct"}, ch.exchanges)
	assert.Contains(t, ch.queues, "socialbridge.jobs.work")
	assert.Equal(t, []string{"socialbridge.jobs->socialbridge.jobs.work@socialbridge.jobs.work"}, ch.bindings)
	assert.Equal(t, amqp.Table{
		"x-dead-letter-exchange":    "socialbridge.jobs",
		"x-dead-letter-routing-key": "socialbridge.jobs.work",
	}, ch.queues["socialbridge.jobs.delay"])
}

func TestAMQPQueue_CustomExchangeNamesQueues(t *testing.T) {
	ch := newFakeChannel()
	_, err := NewAMQPQueue(newTestStore(t), ch, "crm", quietLogger())
	require.NoError(t, err)
	assert.Contains(t, ch.queues, "crm.work")
	assert.Contains(t, ch.queues, "crm.delay")
}

func TestAMQPQueue_EnqueueRoutesByDelay(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	ch := newFakeChannel()
	q, err := NewAMQPQueue(db, ch, "", quietLogger())
	require.NoError(t, err)
	now := time.Now()
	q.now = func() time.Time { return now }

	id, err := q.Enqueue(ctx, "publish_post", map[string]string{"post_id": "p1"}, now.Add(-time.Second))
	require.NoError(t, err)
	immediate := ch.last()
	assert.Equal(t, "socialbridge.jobs", immediate.exchange)
	assert.Equal(t, "socialbridge.jobs.work", immediate.key)
	assert.Empty(t, immediate.msg.Expiration)
	assert.JSONEq(t, `{"job_id":"`+id+`"}`, string(immediate.msg.Body))
	assert.Equal(t, amqp.Persistent, immediate.msg.DeliveryMode)

	_, err = q.Enqueue(ctx, "publish_post", nil, now.Add(90*time.Second))
	require.NoError(t, err)
	delayed := ch.last()
	assert.Equal(t, "", delayed.exchange)
	assert.Equal(t, "socialbridge.jobs.delay", delayed.key)
	assert.Equal(t, strconv.Itoa(90000), delayed.msg.Expiration)

	stored, err := db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, stored.Status)
}

func TestAMQPQueue_EnqueuePublishFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = errors.New("channel closed")
	q, err := NewAMQPQueue(newTestStore(t), ch, "", quietLogger())
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "publish_post", nil, time.Now())
	assert.Error(t, err)
}

func TestAMQPQueue_HandleRunsQueuedJob(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	q, err := NewAMQPQueue(db, newFakeChannel(), "", quietLogger())
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, "publish_post", map[string]string{"post_id": "p1"}, time.Now())
	require.NoError(t, err)

	runs := &recordedRuns{}
	runner := NewRunner(db, fixedPolicy(0), 3, quietLogger())
	runner.Handle("publish_post", runs.handler(nil))

	ack := &fakeAck{}
	q.handle(ctx, runner, deliveryFor(ack, `{"job_id":"`+id+`"}`))
	assert.Equal(t, 1, runs.count())
	assert.Equal(t, 1, ack.acks)

	// Redelivery of a finished job is dropped
	q.handle(ctx, runner, deliveryFor(ack, `{"job_id":"`+id+`"}`))
	assert.Equal(t, 1, runs.count())
	assert.Equal(t, 2, ack.acks)

	job, err := db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, job.Status)
}

func TestAMQPQueue_CanceledJobIsSkipped(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	q, err := NewAMQPQueue(db, newFakeChannel(), "", quietLogger())
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, "publish_post", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	canceled, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	require.True(t, canceled)

	runs := &recordedRuns{}
	runner := NewRunner(db, fixedPolicy(0), 3, quietLogger())
	runner.Handle("publish_post", runs.handler(nil))

	ack := &fakeAck{}
	q.handle(ctx, runner, deliveryFor(ack, `{"job_id":"`+id+`"}`))
	assert.Zero(t, runs.count())
	assert.Equal(t, 1, ack.acks)
}

func TestAMQPQueue_FailedJobIsRepublishedWithBackoff(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	ch := newFakeChannel()
	q, err := NewAMQPQueue(db, ch, "", quietLogger())
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, "publish_post", nil, time.Now())
	require.NoError(t, err)

	runner := NewRunner(db, fixedPolicy(time.Minute), 3, quietLogger())
	runner.Handle("publish_post", (&recordedRuns{}).handler(errors.New("timeout")))

	ack := &fakeAck{}
	q.handle(ctx, runner, deliveryFor(ack, `{"job_id":"`+id+`"}`))
	assert.Equal(t, 1, ack.acks)

	retried := ch.last()
	assert.Equal(t, "socialbridge.jobs.delay", retried.key)
	ttl, err := strconv.Atoi(retried.msg.Expiration)
	require.NoError(t, err)
	assert.InDelta(t, 60000, ttl, 2000)

	job, err := db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
}

func TestAMQPQueue_RetryRepublishFailureRequeuesDelivery(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	ch := newFakeChannel()
	q, err := NewAMQPQueue(db, ch, "", quietLogger())
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, "publish_post", nil, time.Now())
	require.NoError(t, err)

	runner := NewRunner(db, fixedPolicy(time.Minute), 3, quietLogger())
	runner.Handle("publish_post", (&recordedRuns{}).handler(errors.New("timeout")))

	ch.mu.Lock()
	ch.publishErr = errors.New("broker unavailable")
	ch.mu.Unlock()

	ack := &fakeAck{}
	q.handle(ctx, runner, deliveryFor(ack, `{"job_id":"`+id+`"}`))
	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)

	// The requeued delivery picks the job up again
	job, err := db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
}

func TestAMQPQueue_MalformedMessageIsAcked(t *testing.T) {
	q, err := NewAMQPQueue(newTestStore(t), newFakeChannel(), "", quietLogger())
	require.NoError(t, err)

	ack := &fakeAck{}
	q.handle(context.Background(), NewRunner(nil, fixedPolicy(0), 1, quietLogger()), deliveryFor(ack, `not json`))
	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
}

func TestAMQPQueue_ConsumeStops(t *testing.T) {
	ch := newFakeChannel()
	q, err := NewAMQPQueue(newTestStore(t), ch, "", quietLogger())
	require.NoError(t, err)
	runner := NewRunner(nil, fixedPolicy(0), 1, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Consume(ctx, runner, 4), context.Canceled)
	assert.Equal(t, 4, ch.prefetch)

	close(ch.deliveries)
	assert.Error(t, q.Consume(context.Background(), runner, 0))
}
