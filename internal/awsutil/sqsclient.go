// Package awsutil builds AWS clients, pointing them at LocalStack when an
// endpoint override is configured.
package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"voicebridge/internal/config"
)

// NewSQSClient uses the default credential chain, or static test
// credentials when LOCALSTACK_ENDPOINT is set.
func NewSQSClient(ctx context.Context, q config.Queue) (*sqs.Client, error) {
	opts := []func(*configv2.LoadOptions) error{
		configv2.WithRegion(q.AWSRegion),
	}
	if q.LocalstackEndpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	cfg, err := configv2.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg, sqsOptions(q)...), nil
}

func sqsOptions(q config.Queue) []func(*sqs.Options) {
	if q.LocalstackEndpoint == "" {
		return nil
	}
	return []func(*sqs.Options){func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(q.LocalstackEndpoint)
	}}
}
