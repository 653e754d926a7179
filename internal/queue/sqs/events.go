// Package sqsqueue carries normalized agent events from the API to the
// webhook processor over SQS.
package sqsqueue

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"voicebridge/internal/webhook"
)

// EventJob is the queued envelope. Keep it small; SQS caps messages at 256KB.
type EventJob struct {
	ID         string        `json:"id"`
	TenantSlug string        `json:"tenantSlug"`
	Event      webhook.Event `json:"event"`
	ReceivedAt time.Time     `json:"receivedAt"`
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func str(s string) *string { return &s }
