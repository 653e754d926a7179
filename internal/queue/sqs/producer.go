package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"voicebridge/internal/observability"
)

const defaultGroupBuckets = 64

type Producer struct {
	SQS      API
	QueueURL string
	// GroupBuckets spreads FIFO message groups per tenant; ignored for
	// standard queues.
	GroupBuckets int
}

func (p *Producer) Enqueue(ctx context.Context, job EventJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		in.MessageGroupId = str(messageGroupIDBucketed(job.TenantSlug, job.Event.ConversationID, p.GroupBuckets))
		in.MessageDeduplicationId = str(job.ID)
	}
	if _, err := p.SQS.SendMessage(ctx, in); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		return fmt.Errorf("enqueue event: %w", err)
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
	return nil
}

// messageGroupIDBucketed keeps one conversation in order while letting a
// tenant's conversations run in parallel.
func messageGroupIDBucketed(tenant, conversationID string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return fmt.Sprintf("%s:%d", tenant, h.Sum32()%uint32(buckets))
}
