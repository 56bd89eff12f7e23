package mail

import (
	"context"
	"fmt"

	"madr/internal/metrics"
	"madr/pkg/queue"
)

// Outbox accepts messages for delivery.
type Outbox interface {
	Enqueue(ctx context.Context, m Message) error
}

// InlineOutbox delivers synchronously through its Mailer.
type InlineOutbox struct {
	Mailer Mailer
}

func (o InlineOutbox) Enqueue(ctx context.Context, m Message) error {
	err := o.Mailer.Send(ctx, m)
	metrics.MailJob(m.Kind, resultLabel(err))
	return err
}

// JobQueue is the subset of queue.RedisJobQueue used by the outbox.
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, payload []byte) (queue.Job, error)
	Run(ctx context.Context, concurrency int, handler queue.Handler) error
}

// QueueOutbox defers delivery to a worker consuming the job queue.
type QueueOutbox struct {
	Queue JobQueue
}

func (o QueueOutbox) Enqueue(ctx context.Context, m Message) error {
	if err := m.validate(); err != nil {
		return err
	}
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := o.Queue.Enqueue(ctx, m.Kind, payload); err != nil {
		return fmt.Errorf("enqueue mail: %w", err)
	}
	return nil
}

// Worker sends queued messages through Mailer.
type Worker struct {
	Queue       JobQueue
	Mailer      Mailer
	Concurrency int
}

// Run blocks until ctx is done.
func (w Worker) Run(ctx context.Context) error {
	return w.Queue.Run(ctx, w.Concurrency, w.Handle)
}

// Handle delivers one queued job.
func (w Worker) Handle(ctx context.Context, job queue.Job) error {
	m, err := Decode([]byte(job.Payload))
	if err != nil {
		metrics.MailJob(job.Kind, "invalid")
		return err
	}
	err = w.Mailer.Send(ctx, m)
	metrics.MailJob(job.Kind, resultLabel(err))
	return err
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "sent"
}
