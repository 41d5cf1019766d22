// Package natsq implements queue.Broker on NATS JetStream. Messages live on a
// work-queue stream with one durable pull consumer per queue; task states and
// revocations live in KV buckets.
package natsq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kiranshivaraju/markwise/internal/queue"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subject hierarchy:
//
//	markwise.queue.{name}  -- correction task messages
const (
	StreamName      = "MARKWISE"
	SubjectPrefix   = "markwise"
	BucketTasks     = "markwise-tasks"
	BucketRevoked   = "markwise-revoked"
	NotBeforeHeader = "Markwise-Not-Before"
)

// QueueSubject returns the subject a queue's messages are published on.
func QueueSubject(queue string) string {
	return fmt.Sprintf("%s.queue.%s", SubjectPrefix, queue)
}

// ConsumerName returns the durable consumer name for a queue.
func ConsumerName(queue string) string {
	return fmt.Sprintf("markwise-worker-%s", queue)
}

// Options tune the broker. Zero values pick defaults.
type Options struct {
	TaskTTL time.Duration
	AckWait time.Duration
}

// Broker implements queue.Broker on JetStream.
type Broker struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	tasks   jetstream.KeyValue
	revoked jetstream.KeyValue
	ackWait time.Duration
	now     func() time.Time

	consumers sync.Map // map[string]jetstream.Consumer
}

// Connect dials NATS and sets up the stream and buckets.
func Connect(ctx context.Context, natsURL string, opts Options) (*Broker, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("markwise"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	b, err := New(ctx, nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// New sets up JetStream resources on an existing connection.
func New(ctx context.Context, nc *nats.Conn, opts Options) (*Broker, error) {
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = 24 * time.Hour
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 5 * time.Minute
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{QueueSubject(">")},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", StreamName, err)
	}

	tasks, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  BucketTasks,
		TTL:     opts.TaskTTL,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating KV bucket %s: %w", BucketTasks, err)
	}
	revoked, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  BucketRevoked,
		TTL:     opts.TaskTTL,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating KV bucket %s: %w", BucketRevoked, err)
	}

	return &Broker{
		nc:      nc,
		js:      js,
		tasks:   tasks,
		revoked: revoked,
		ackWait: opts.AckWait,
		now:     time.Now,
	}, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if _, err := b.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("jetstream account info: %w", err)
	}
	return nil
}

func (b *Broker) Close() error {
	b.nc.Close()
	return nil
}

func (b *Broker) Enqueue(ctx context.Context, msg queue.Message, delay time.Duration) error {
	payload, err := queue.EncodeMessage(msg)
	if err != nil {
		return err
	}

	if _, err := b.tasks.Put(ctx, msg.TaskID, []byte(queue.TaskPending)); err != nil {
		return fmt.Errorf("record task %s: %w", msg.TaskID, err)
	}

	m := nats.NewMsg(QueueSubject(msg.Queue))
	m.Data = payload
	if delay > 0 {
		m.Header.Set(NotBeforeHeader, strconv.FormatInt(b.now().Add(delay).UnixMilli(), 10))
	}
	if _, err := b.js.PublishMsg(ctx, m, jetstream.WithMsgID(msg.TaskID)); err != nil {
		return fmt.Errorf("publish task %s to %s: %w", msg.TaskID, m.Subject, err)
	}
	return nil
}

func (b *Broker) TaskStatus(ctx context.Context, taskID string) (queue.TaskState, error) {
	entry, err := b.tasks.Get(ctx, taskID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return queue.TaskUnknown, nil
	}
	if err != nil {
		return queue.TaskUnknown, fmt.Errorf("get task state: %w", err)
	}
	return queue.TaskState(entry.Value()), nil
}

func (b *Broker) SetTaskState(ctx context.Context, taskID string, state queue.TaskState) error {
	if _, err := b.tasks.Put(ctx, taskID, []byte(state)); err != nil {
		return fmt.Errorf("set task state: %w", err)
	}
	return nil
}

// RequestCancel records the revocation, then marks a non-terminal task revoked
// with a compare-and-set so a concurrent terminal write wins.
func (b *Broker) RequestCancel(ctx context.Context, taskID string, hard bool) error {
	mode := "soft"
	if hard {
		mode = "hard"
	}
	if _, err := b.revoked.Put(ctx, taskID, []byte(mode)); err != nil {
		return fmt.Errorf("revoke task %s: %w", taskID, err)
	}

	entry, err := b.tasks.Get(ctx, taskID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("revoke task %s: %w", taskID, err)
	}
	if queue.TaskState(entry.Value()).Terminal() {
		return nil
	}
	_, err = b.tasks.Update(ctx, taskID, []byte(queue.TaskRevoked), entry.Revision())
	if err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("revoke task %s: %w", taskID, err)
	}
	return nil
}

func (b *Broker) Revoked(ctx context.Context, taskID string) (queue.Revocation, error) {
	entry, err := b.revoked.Get(ctx, taskID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return queue.Revocation{}, nil
	}
	if err != nil {
		return queue.Revocation{}, fmt.Errorf("get revocation: %w", err)
	}
	return queue.Revocation{Revoked: true, Hard: string(entry.Value()) == "hard"}, nil
}

// Receive fetches from each queue in order, splitting wait between them.
// Messages whose not-before time is in the future are handed back to the
// server with a matching redelivery delay.
func (b *Broker) Receive(ctx context.Context, queues []string, wait time.Duration) (*queue.Delivery, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("receive: no queues")
	}
	perQueue := wait / time.Duration(len(queues))
	if perQueue < 100*time.Millisecond {
		perQueue = 100 * time.Millisecond
	}

	for _, q := range queues {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		consumer, err := b.consumer(ctx, q)
		if err != nil {
			return nil, err
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(perQueue))
		if err != nil {
			// Timeout or no messages is not an error
			continue
		}
		for m := range batch.Messages() {
			if d := b.notBefore(m); d > 0 {
				_ = m.NakWithDelay(d)
				continue
			}
			msg, err := queue.DecodeMessage(m.Data())
			if err != nil {
				_ = m.Term()
				return nil, err
			}
			d := queue.NewDelivery(msg, func(context.Context) error { return m.Ack() })
			return d.WithProgress(func(context.Context) error { return m.InProgress() }), nil
		}
	}
	return nil, nil
}

func (b *Broker) notBefore(m jetstream.Msg) time.Duration {
	v := m.Headers().Get(NotBeforeHeader)
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return time.UnixMilli(ms).Sub(b.now())
}

func (b *Broker) consumer(ctx context.Context, q string) (jetstream.Consumer, error) {
	if c, ok := b.consumers.Load(q); ok {
		return c.(jetstream.Consumer), nil
	}
	c, err := b.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName(q),
		FilterSubject: QueueSubject(q),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		MaxDeliver:    -1, // delayed messages are nak'ed until due
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer for queue %s: %w", q, err)
	}
	b.consumers.Store(q, c)
	return c, nil
}

// Compile-time check that Broker implements queue.Broker.
var _ queue.Broker = (*Broker)(nil)
