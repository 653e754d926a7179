package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"voicebridge/internal/webhook"
)

type fakeSQS struct {
	mu      sync.Mutex
	sent    []*sqs.SendMessageInput
	pending []types.Message
	deleted []string
	sendErr error
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.pending
	f.pending = nil
	f.mu.Unlock()
	if len(msgs) > 0 {
		return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return &sqs.ReceiveMessageOutput{}, nil
	}
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func message(receipt, body string) types.Message {
	return types.Message{ReceiptHandle: str(receipt), Body: str(body), MessageId: str(receipt)}
}

func TestProducerEnqueue(t *testing.T) {
	f := &fakeSQS{}
	p := &Producer{SQS: f, QueueURL: "https://sqs.local/events"}
	job := EventJob{ID: "evt_1", TenantSlug: "sol", Event: webhook.Event{AgentID: "agent_1", ConversationID: "conv_1"}}

	if err := p.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	in := f.sent[0]
	if in.MessageGroupId != nil {
		t.Fatalf("standard queues take no group id")
	}
	var got EventJob
	if err := json.Unmarshal([]byte(*in.MessageBody), &got); err != nil || got.Event.ConversationID != "conv_1" {
		t.Fatalf("unexpected body %s", *in.MessageBody)
	}

	p.QueueURL = "https://sqs.local/events.fifo"
	if err := p.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue fifo: %v", err)
	}
	fifo := f.sent[1]
	if fifo.MessageGroupId == nil || *fifo.MessageDeduplicationId != "evt_1" {
		t.Fatalf("fifo queues need group and dedupe ids")
	}

	f.sendErr = errors.New("throttled")
	if err := p.Enqueue(context.Background(), job); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestMessageGroupIDBucketed(t *testing.T) {
	got1 := messageGroupIDBucketed("sol", "conv_1", 16)
	got2 := messageGroupIDBucketed("sol", "conv_1", 16)
	if got1 != got2 || got1 == "" {
		t.Fatalf("expected stable group id, got %q vs %q", got1, got2)
	}
	if messageGroupIDBucketed("sol", "conv_1", 0) == "" {
		t.Fatalf("expected non-empty group id for default buckets")
	}
}

func TestConsumerDeletesOnSuccessAndPoison(t *testing.T) {
	ok, _ := json.Marshal(EventJob{ID: "evt_ok"})
	bad, _ := json.Marshal(EventJob{ID: "evt_fail"})
	f := &fakeSQS{pending: []types.Message{
		message("r-poison", "{not json"),
		message("r-ok", string(ok)),
		message("r-fail", string(bad)),
	}}
	c := &Consumer{SQS: f, QueueURL: "q"}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	handled := map[string]bool{}
	done := make(chan error, 1)
	go func() {
		done <- c.PollConcurrent(ctx, 2, func(ctx context.Context, job EventJob) error {
			mu.Lock()
			handled[job.ID] = true
			n := len(handled)
			mu.Unlock()
			if n == 2 {
				cancel()
			}
			if job.ID == "evt_fail" {
				return errors.New("retry me")
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer did not stop")
	}

	deleted := map[string]bool{}
	for _, r := range f.deleted {
		deleted[r] = true
	}
	if !deleted["r-poison"] || !deleted["r-ok"] || deleted["r-fail"] {
		t.Fatalf("unexpected deletions %v", f.deleted)
	}
}
