package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/submission-engine/internal/domain"
)

// Publisher publishes job messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg JobMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg JobMessage) error

// Consumer consumes job messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// JobQueueName is the durable work queue carrying submission jobs.
const JobQueueName = "submission.jobs"

// DLQName returns the dead-letter queue name for a work queue, e.g.
// dlq.submission.jobs.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns all work queues.
func WorkQueueNames() []string {
	return []string{JobQueueName}
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	work := WorkQueueNames()
	queues := make([]string, 0, len(work))
	for _, name := range work {
		queues = append(queues, DLQName(name))
	}
	return queues
}

// ShouldDeadLetter reports whether a handler error can never succeed on
// redelivery. Everything else is requeued.
func ShouldDeadLetter(err error) bool {
	return errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrConflict)
}
