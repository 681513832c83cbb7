package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewClient builds an enqueuer. timeout bounds how long a worker may spend on
// one conversion task.
func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: timeout,
	}
}

// EnqueueConvert queues one conversion. Failed conversions are not retried;
// the record lands in the error state and the user decides what to do next.
func (c *Client) EnqueueConvert(ctx context.Context, payload ConvertFilePayload) (*asynq.TaskInfo, error) {
	task, err := NewConvertFileTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout+30*time.Second),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
