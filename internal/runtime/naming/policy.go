package naming

import (
	"errors"
	"sort"
	"strings"

	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
)

const policyVersion = "2012-10-17"

// ErrNoTopics is returned when a policy is requested for no topics.
var ErrNoTopics = errors.New("naming: at least one topic ARN is required")

type policyDocument struct {
	Version   string            `json:"Version"`
	ID        string            `json:"Id"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string                    `json:"Sid"`
	Effect    string                    `json:"Effect"`
	Principal map[string]string         `json:"Principal"`
	Action    string                    `json:"Action"`
	Resource  string                    `json:"Resource"`
	Condition map[string]map[string]any `json:"Condition"`
}

// QueuePolicy builds the SQS access policy letting the given SNS topics
// deliver into queueARN. A single topic is referenced directly; topics
// sharing a prefix longer than the ARN base are matched with ArnLike;
// anything else is listed explicitly.
func QueuePolicy(queueARN string, topicARNs []string) (string, error) {
	if len(topicARNs) == 0 {
		return "", ErrNoTopics
	}

	arns := append([]string(nil), topicARNs...)
	sort.Strings(arns)
	arns = dedupeSorted(arns)

	var condition map[string]map[string]any
	switch {
	case len(arns) == 1:
		condition = map[string]map[string]any{"ArnEquals": {"aws:SourceArn": arns[0]}}
	default:
		prefix := commonPrefix(arns)
		if len(prefix) > len(arnBase(arns[0])) {
			condition = map[string]map[string]any{"ArnLike": {"aws:SourceArn": prefix + "*"}}
		} else {
			condition = map[string]map[string]any{"ArnEquals": {"aws:SourceArn": arns}}
		}
	}

	doc := policyDocument{
		Version: policyVersion,
		ID:      queueARN + "/SQSDefaultPolicy",
		Statement: []policyStatement{{
			Sid:       "flotilla-sns-delivery",
			Effect:    "Allow",
			Principal: map[string]string{"Service": "sns.amazonaws.com"},
			Action:    "sqs:SendMessage",
			Resource:  queueARN,
			Condition: condition,
		}},
	}
	return jsoncodec.MarshalString(doc)
}

// arnBase returns everything up to and including the last colon, i.e. the
// part of a topic ARN that does not name the topic.
func arnBase(arn string) string {
	idx := strings.LastIndex(arn, ":")
	if idx < 0 {
		return ""
	}
	return arn[:idx+1]
}

func commonPrefix(values []string) string {
	if len(values) == 0 {
		return ""
	}
	prefix := values[0]
	for _, v := range values[1:] {
		for !strings.HasPrefix(v, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}

func dedupeSorted(values []string) []string {
	out := values[:0]
	for i, v := range values {
		if i > 0 && v == values[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}
