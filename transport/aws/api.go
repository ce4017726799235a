package aws

import (
	"context"

	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SNSAPI is the subset of the SNS client the broker uses.
type SNSAPI interface {
	CreateTopic(ctx context.Context, in *amazonsns.CreateTopicInput, optFns ...func(*amazonsns.Options)) (*amazonsns.CreateTopicOutput, error)
	Publish(ctx context.Context, in *amazonsns.PublishInput, optFns ...func(*amazonsns.Options)) (*amazonsns.PublishOutput, error)
	Subscribe(ctx context.Context, in *amazonsns.SubscribeInput, optFns ...func(*amazonsns.Options)) (*amazonsns.SubscribeOutput, error)
	ListTopics(ctx context.Context, in *amazonsns.ListTopicsInput, optFns ...func(*amazonsns.Options)) (*amazonsns.ListTopicsOutput, error)
}

// SQSAPI is the subset of the SQS client the broker uses.
type SQSAPI interface {
	CreateQueue(ctx context.Context, in *amazonsqs.CreateQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, in *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, in *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, in *amazonsqs.SetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SetQueueAttributesOutput, error)
	ReceiveMessage(ctx context.Context, in *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
}

var (
	_ SNSAPI = (*amazonsns.Client)(nil)
	_ SQSAPI = (*amazonsqs.Client)(nil)
)
