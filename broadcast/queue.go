package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink exports every event to an Azure Storage queue for consumers
// outside the board service.
type QueueSink struct {
	queue queueClient
	ttl   *int32
}

// NewQueueSink connects to queueName using an Azure Storage connection string.
// Messages live for ttl; zero keeps the service default.
func NewQueueSink(connStr, queueName string, ttl time.Duration) (*QueueSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 10 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, fmt.Errorf("queue client %s: %w", queueName, err)
	}
	return newQueueSink(q, ttl), nil
}

func newQueueSink(q queueClient, ttl time.Duration) *QueueSink {
	s := &QueueSink{queue: q}
	if ttl > 0 {
		secs := int32(ttl / time.Second)
		s.ttl = &secs
	}
	return s
}

// Publish implements ordering.Publisher.
func (s *QueueSink) Publish(ctx context.Context, eventType string, entity any, projectID string) error {
	data, err := Encode(eventType, entity, projectID)
	if err != nil {
		return err
	}
	var opts *azqueue.EnqueueMessageOptions
	if s.ttl != nil {
		opts = &azqueue.EnqueueMessageOptions{TimeToLive: s.ttl}
	}
	if _, err := s.queue.EnqueueMessage(ctx, string(data), opts); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}
