// Package queue defines the work queue contract used by the dispatcher, the
// worker runner and the sweepers, plus its Redis implementation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskState is the broker's view of one task (one delivery chain of a message).
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskStarted TaskState = "started"
	TaskRetry   TaskState = "retry"
	TaskSuccess TaskState = "success"
	TaskFailure TaskState = "failure"
	TaskRevoked TaskState = "revoked"
	TaskUnknown TaskState = "unknown"
)

// Terminal reports whether no further execution is expected for the task.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure || s == TaskRevoked
}

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Message asks a worker to run one attempt of a job. TaskID identifies the
// execution instance and becomes the job's owner when claimed.
type Message struct {
	TaskID     string    `json:"task_id"`
	JobID      uuid.UUID `json:"job_id"`
	Queue      string    `json:"queue"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewMessage returns a message for jobID with a fresh task id.
func NewMessage(jobID uuid.UUID, queue string) Message {
	return Message{
		TaskID:     uuid.NewString(),
		JobID:      jobID,
		Queue:      queue,
		EnqueuedAt: time.Now().UTC(),
	}
}

// DecodeMessage parses a message payload.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.TaskID == "" || msg.JobID == uuid.Nil {
		return Message{}, fmt.Errorf("decode message: missing task or job id")
	}
	return msg, nil
}

// EncodeMessage serializes a message payload.
func EncodeMessage(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// Revocation is a cancellation request recorded against a task.
type Revocation struct {
	Revoked bool
	// Hard asks a running execution to stop, not just to be skipped.
	Hard bool
}

// Delivery is a received message. Ack must be called once handling is done.
type Delivery struct {
	Message
	ack      func(ctx context.Context) error
	progress func(ctx context.Context) error
}

// NewDelivery wraps msg with the driver's acknowledgement.
func NewDelivery(msg Message, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Message: msg, ack: ack}
}

// WithProgress sets the driver hook that holds off redelivery while the
// message is still being handled.
func (d *Delivery) WithProgress(fn func(ctx context.Context) error) *Delivery {
	d.progress = fn
	return d
}

// InProgress tells the broker the message is still being handled. Drivers
// without redelivery deadlines ignore it.
func (d *Delivery) InProgress(ctx context.Context) error {
	if d.progress == nil {
		return nil
	}
	return d.progress(ctx)
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Publisher enqueues messages.
type Publisher interface {
	// Enqueue makes msg visible on msg.Queue after delay.
	Enqueue(ctx context.Context, msg Message, delay time.Duration) error
}

// StatusReader reports the live state of a task.
type StatusReader interface {
	// TaskStatus returns TaskUnknown when the broker has no record of taskID.
	TaskStatus(ctx context.Context, taskID string) (TaskState, error)
}

// Canceller requests cooperative termination of a task. Best effort.
type Canceller interface {
	RequestCancel(ctx context.Context, taskID string, hard bool) error
}

// Consumer is the worker-side half of the broker.
type Consumer interface {
	// Receive waits up to wait for a message on queues, checked in order.
	// It returns nil, nil when nothing arrived.
	Receive(ctx context.Context, queues []string, wait time.Duration) (*Delivery, error)
	SetTaskState(ctx context.Context, taskID string, state TaskState) error
	Revoked(ctx context.Context, taskID string) (Revocation, error)
}

// Broker is the full queue contract.
type Broker interface {
	Publisher
	StatusReader
	Canceller
	Consumer
	Ping(ctx context.Context) error
	Close() error
}
