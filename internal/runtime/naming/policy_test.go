package naming

import (
	"errors"
	"testing"

	"github.com/drblury/flotilla/internal/runtime/jsoncodec"
)

const (
	queueARN = "arn:aws:sqs:eu-west-1:123456789012:q"
	arnBaseA = "arn:aws:sns:eu-west-1:123456789012:"
)

func decodeCondition(t *testing.T, policy string) map[string]map[string]any {
	t.Helper()
	var doc struct {
		Version   string
		Statement []struct {
			Resource  string
			Action    string
			Condition map[string]map[string]any
		}
	}
	if err := jsoncodec.UnmarshalString(policy, &doc); err != nil {
		t.Fatalf("policy is not JSON: %v", err)
	}
	if doc.Version != policyVersion || len(doc.Statement) != 1 {
		t.Fatalf("unexpected policy document: %s", policy)
	}
	if doc.Statement[0].Resource != queueARN || doc.Statement[0].Action != "sqs:SendMessage" {
		t.Fatalf("unexpected statement: %+v", doc.Statement[0])
	}
	return doc.Statement[0].Condition
}

func TestQueuePolicySingleTopic(t *testing.T) {
	policy, err := QueuePolicy(queueARN, []string{arnBaseA + "orders"})
	if err != nil {
		t.Fatalf("QueuePolicy: %v", err)
	}
	cond := decodeCondition(t, policy)
	if got := cond["ArnEquals"]["aws:SourceArn"]; got != arnBaseA+"orders" {
		t.Fatalf("ArnEquals = %v", got)
	}
}

func TestQueuePolicyCommonPrefix(t *testing.T) {
	policy, err := QueuePolicy(queueARN, []string{
		arnBaseA + "orders___2e_created",
		arnBaseA + "orders___2e_deleted",
	})
	if err != nil {
		t.Fatalf("QueuePolicy: %v", err)
	}
	cond := decodeCondition(t, policy)
	if got := cond["ArnLike"]["aws:SourceArn"]; got != arnBaseA+"orders___2e_*" {
		t.Fatalf("ArnLike = %v", got)
	}
}

func TestQueuePolicyExplicitList(t *testing.T) {
	policy, err := QueuePolicy(queueARN, []string{
		arnBaseA + "orders",
		arnBaseA + "billing",
		arnBaseA + "orders",
	})
	if err != nil {
		t.Fatalf("QueuePolicy: %v", err)
	}
	cond := decodeCondition(t, policy)
	list, ok := cond["ArnEquals"]["aws:SourceArn"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("expected an explicit deduplicated list, got %v", cond)
	}
	if list[0] != arnBaseA+"billing" || list[1] != arnBaseA+"orders" {
		t.Fatalf("unexpected list order: %v", list)
	}
}

func TestQueuePolicyNoTopics(t *testing.T) {
	if _, err := QueuePolicy(queueARN, nil); !errors.Is(err, ErrNoTopics) {
		t.Fatalf("expected ErrNoTopics, got %v", err)
	}
}
