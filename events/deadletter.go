package events

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

// Parked is the dead-letter envelope for an event a handler failed on.
type Parked struct {
	Handler  string       `json:"handler"`
	Error    string       `json:"error"`
	ParkedAt time.Time    `json:"parkedAt"`
	Event    domain.Event `json:"event"`
}

// Enqueuer is the subset of the queue client used for parking.
type Enqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueDeadLetter parks failed deliveries on an Azure storage queue.
type QueueDeadLetter struct {
	queue Enqueuer
}

// NewQueueDeadLetter connects to the named queue.
func NewQueueDeadLetter(connStr, queueName string) (*QueueDeadLetter, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, nil)
	if err != nil {
		return nil, err
	}
	return &QueueDeadLetter{queue: q}, nil
}

// NewQueueDeadLetterWith wraps an existing queue client.
func NewQueueDeadLetterWith(q Enqueuer) *QueueDeadLetter {
	return &QueueDeadLetter{queue: q}
}

// Park implements DeadLetter.
func (d *QueueDeadLetter) Park(ctx context.Context, handler string, ev domain.Event, cause error) error {
	env := Parked{Handler: handler, ParkedAt: time.Now().UTC(), Event: ev}
	if cause != nil {
		env.Error = cause.Error()
	}
	data, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	_, err = d.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
