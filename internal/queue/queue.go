// Package queue delivers Jobs to the worker at least once. A delivery stays
// owned by the worker until it is acknowledged; unacknowledged deliveries are
// handed out again after Recover.
package queue

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/model"
)

var ErrClosed = errors.New("queue closed")

// Delivery is one dequeued message. Job is nil when the payload could not be
// decoded; DecodeErr then says why.
type Delivery struct {
	Job       *model.Job
	Raw       []byte
	DecodeErr error
}

// Queue is the durable job input.
type Queue interface {
	Enqueue(ctx context.Context, job *model.Job) error
	// Dequeue blocks until a message is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Recover requeues deliveries left unacknowledged by a previous run.
	Recover(ctx context.Context) (int, error)
	Depth(ctx context.Context) (int, error)
	Close() error
}

// Leaser is implemented by queues that share in-flight deliveries between
// workers. A worker keeps its deliveries by calling Heartbeat more often than
// the lease TTL; Sweep hands out deliveries of workers that stopped doing so.
type Leaser interface {
	Heartbeat(ctx context.Context) error
	Sweep(ctx context.Context) (int, error)
}

func decode(raw []byte) *Delivery {
	d := &Delivery{Raw: raw}
	job := &model.Job{}
	if err := json.Unmarshal(raw, job); err != nil {
		d.DecodeErr = errors.Wrap(err, "decoding job")
		return d
	}
	d.Job = job
	return d
}

// ExtractRunID salvages a runId from a payload that failed to decode as a Job.
func ExtractRunID(raw []byte) string {
	var envelope struct {
		RunID any `json:"runId"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	if s, ok := envelope.RunID.(string); ok {
		return s
	}
	return ""
}
