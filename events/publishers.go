package events

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher sends envelopes to the board channel over Redis pub/sub.
// Subscribers connected to other instances pick them up there.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher on the given client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish encodes env and publishes it on boards.<boardId>.
func (p *RedisPublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, Channel(env.BoardID), data).Err()
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueuePublisher exports every envelope to an Azure Storage queue where the
// notification service consumes it.
type QueuePublisher struct {
	queue queueClient
}

// NewQueuePublisher creates a queue export for the named queue.
func NewQueuePublisher(connStr, queueName string) (*QueuePublisher, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, nil)
	if err != nil {
		return nil, err
	}
	return &QueuePublisher{queue: q}, nil
}

// Publish enqueues the encoded envelope.
func (p *QueuePublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	_, err = p.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
