package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"event-store/domain"
)

// RedisSink publishes each event as JSON on a pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis:" + s.channel }

func (s *RedisSink) Deliver(ctx context.Context, events []domain.Event) error {
	payloads := make([][]byte, len(events))
	for i := range events {
		data, err := sonic.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("encode event %d: %w", events[i].Sequence, err)
		}
		payloads[i] = data
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range payloads {
			pipe.Publish(ctx, s.channel, p)
		}
		return nil
	})
	return err
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink enqueues each event on an Azure Storage queue. Messages are base64
// encoded JSON, the encoding queue triggers expect.
type QueueSink struct {
	queue queueClient
	name  string
}

// NewQueueSink connects to queue using an Azure Storage connection string.
func NewQueueSink(connStr, queue string) (*QueueSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 30,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueSink{queue: qc, name: queue}, nil
}

func (s *QueueSink) Name() string { return "queue:" + s.name }

func (s *QueueSink) Deliver(ctx context.Context, events []domain.Event) error {
	for i := range events {
		data, err := sonic.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("encode event %d: %w", events[i].Sequence, err)
		}
		if _, err := s.queue.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(data), nil); err != nil {
			return fmt.Errorf("enqueue event %d: %w", events[i].Sequence, err)
		}
	}
	return nil
}
