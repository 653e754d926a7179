package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Handler func(ctx context.Context, job EventJob) error

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
	Logger            *slog.Logger
}

// PollConcurrent processes events with a worker pool. A message is deleted
// after the handler succeeds or when its body cannot be decoded; handler
// errors leave it for SQS redrive.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				var job EventJob
				if m.Body == nil || json.Unmarshal([]byte(*m.Body), &job) != nil {
					log.Warn("dropping undecodable sqs message", "message_id", deref(m.MessageId))
					c.delete(ctx, m)
					continue
				}
				if err := handler(ctx, job); err != nil {
					log.Error("sqs event handler error", "err", err, "job_id", job.ID, "tenant", job.TenantSlug)
					continue
				}
				c.delete(ctx, m)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Error("sqs receive message failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}
			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}
	}()

	err := <-errCh
	// Workers drain what is already buffered.
	wg.Wait()
	return err
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	// The receipt must still be deleted while shutting down.
	_, err := c.SQS.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil && c.Logger != nil {
		c.Logger.Warn("sqs delete failed", "err", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
