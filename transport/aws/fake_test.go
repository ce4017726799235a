package aws

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const fakeARNBase = "arn:aws:sns:eu-west-1:000000000000:"

type subscription struct {
	topicARN string
	endpoint string
	attrs    map[string]string
}

// fakeSNS fans published messages out to subscribed fakeSQS queues.
type fakeSNS struct {
	mu            sync.Mutex
	sqs           *fakeSQS
	topics        []string
	subscriptions []subscription
	published     []*amazonsns.PublishInput
	pageSize      int
	publishErr    error
}

func newFakeSNS(sqs *fakeSQS) *fakeSNS {
	return &fakeSNS{sqs: sqs, pageSize: 2}
}

func (f *fakeSNS) CreateTopic(_ context.Context, in *amazonsns.CreateTopicInput, _ ...func(*amazonsns.Options)) (*amazonsns.CreateTopicOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := fakeARNBase + aws.ToString(in.Name)
	for _, t := range f.topics {
		if t == arn {
			return &amazonsns.CreateTopicOutput{TopicArn: aws.String(arn)}, nil
		}
	}
	f.topics = append(f.topics, arn)
	return &amazonsns.CreateTopicOutput{TopicArn: aws.String(arn)}, nil
}

func (f *fakeSNS) Publish(_ context.Context, in *amazonsns.PublishInput, _ ...func(*amazonsns.Options)) (*amazonsns.PublishOutput, error) {
	f.mu.Lock()
	if f.publishErr != nil {
		err := f.publishErr
		f.publishErr = nil
		f.mu.Unlock()
		return nil, err
	}
	arn := aws.ToString(in.TopicArn)
	exists := false
	for _, t := range f.topics {
		exists = exists || t == arn
	}
	if !exists {
		f.mu.Unlock()
		return nil, &snstypes.NotFoundException{Message: aws.String("Topic does not exist")}
	}
	f.published = append(f.published, in)
	var endpoints []string
	for _, s := range f.subscriptions {
		if s.topicARN == arn {
			endpoints = append(endpoints, s.endpoint)
		}
	}
	f.mu.Unlock()

	attrs := map[string]sqstypes.MessageAttributeValue{}
	for k, v := range in.MessageAttributes {
		attrs[k] = sqstypes.MessageAttributeValue{DataType: v.DataType, StringValue: v.StringValue, BinaryValue: v.BinaryValue}
	}
	for _, endpoint := range endpoints {
		f.sqs.deliver(endpoint, aws.ToString(in.Message), attrs)
	}
	return &amazonsns.PublishOutput{MessageId: aws.String("m")}, nil
}

func (f *fakeSNS) Subscribe(_ context.Context, in *amazonsns.SubscribeInput, _ ...func(*amazonsns.Options)) (*amazonsns.SubscribeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := aws.ToString(in.TopicArn)
	endpoint := aws.ToString(in.Endpoint)
	for _, s := range f.subscriptions {
		if s.topicARN == arn && s.endpoint == endpoint {
			return &amazonsns.SubscribeOutput{SubscriptionArn: aws.String(arn + ":sub")}, nil
		}
	}
	f.subscriptions = append(f.subscriptions, subscription{topicARN: arn, endpoint: endpoint, attrs: in.Attributes})
	return &amazonsns.SubscribeOutput{SubscriptionArn: aws.String(arn + ":sub")}, nil
}

func (f *fakeSNS) ListTopics(_ context.Context, in *amazonsns.ListTopicsInput, _ ...func(*amazonsns.Options)) (*amazonsns.ListTopicsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if in.NextToken != nil {
		start, _ = strconv.Atoi(*in.NextToken)
	}
	end := min(start+f.pageSize, len(f.topics))
	out := &amazonsns.ListTopicsOutput{}
	for _, arn := range f.topics[start:end] {
		out.Topics = append(out.Topics, snstypes.Topic{TopicArn: aws.String(arn)})
	}
	if end < len(f.topics) {
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeSNS) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscriptions)
}

type fakeQueue struct {
	url      string
	arn      string
	attrs    map[string]string
	messages []sqstypes.Message
	inflight map[string]sqstypes.Message
}

type fakeSQS struct {
	mu         sync.Mutex
	queues     map[string]*fakeQueue // by name
	deleted    []string
	seq        int
	receiveErr []error
	receives   int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{queues: map[string]*fakeQueue{}}
}

func (f *fakeSQS) byURL(url string) *fakeQueue {
	for _, q := range f.queues {
		if q.url == url {
			return q
		}
	}
	return nil
}

func (f *fakeSQS) deliver(queueARN, body string, attrs map[string]sqstypes.MessageAttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queues {
		if q.arn == queueARN {
			f.seq++
			id := strconv.Itoa(f.seq)
			q.messages = append(q.messages, sqstypes.Message{
				MessageId:         aws.String(id),
				ReceiptHandle:     aws.String("rh-" + id),
				Body:              aws.String(body),
				MessageAttributes: attrs,
				Attributes:        map[string]string{"ApproximateReceiveCount": "1"},
			})
		}
	}
}

func (f *fakeSQS) dropQueue(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, name)
}

func (f *fakeSQS) CreateQueue(_ context.Context, in *amazonsqs.CreateQueueInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.QueueName)
	q, ok := f.queues[name]
	if !ok {
		f.seq++
		q = &fakeQueue{
			url:      fmt.Sprintf("https://sqs.local/000000000000/%s-%d", name, f.seq),
			arn:      "arn:aws:sqs:eu-west-1:000000000000:" + name,
			attrs:    map[string]string{},
			inflight: map[string]sqstypes.Message{},
		}
		f.queues[name] = q
	}
	for k, v := range in.Attributes {
		q.attrs[k] = v
	}
	return &amazonsqs.CreateQueueOutput{QueueUrl: aws.String(q.url)}, nil
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *amazonsqs.GetQueueUrlInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[aws.ToString(in.QueueName)]
	if !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("missing")}
	}
	return &amazonsqs.GetQueueUrlOutput{QueueUrl: aws.String(q.url)}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, in *amazonsqs.GetQueueAttributesInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.byURL(aws.ToString(in.QueueUrl))
	if q == nil {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("missing")}
	}
	return &amazonsqs.GetQueueAttributesOutput{Attributes: map[string]string{"QueueArn": q.arn}}, nil
}

func (f *fakeSQS) SetQueueAttributes(_ context.Context, in *amazonsqs.SetQueueAttributesInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.SetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.byURL(aws.ToString(in.QueueUrl))
	if q == nil {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("missing")}
	}
	for k, v := range in.Attributes {
		q.attrs[k] = v
	}
	return &amazonsqs.SetQueueAttributesOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *amazonsqs.ReceiveMessageInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives++
	if len(f.receiveErr) > 0 {
		err := f.receiveErr[0]
		f.receiveErr = f.receiveErr[1:]
		return nil, err
	}
	q := f.byURL(aws.ToString(in.QueueUrl))
	if q == nil {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("missing")}
	}
	n := min(int(in.MaxNumberOfMessages), len(q.messages))
	out := q.messages[:n]
	q.messages = q.messages[n:]
	for _, m := range out {
		q.inflight[aws.ToString(m.ReceiptHandle)] = m
	}
	return &amazonsqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *amazonsqs.DeleteMessageInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.byURL(aws.ToString(in.QueueUrl))
	if q == nil {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("missing")}
	}
	delete(q.inflight, aws.ToString(in.ReceiptHandle))
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &amazonsqs.DeleteMessageOutput{}, nil
}
