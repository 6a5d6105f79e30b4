package keystore_test

import (
	"context"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo evaluates the handful of condition expressions the key store
// issues against an in-memory table.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	fail  error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func subjectOf(key map[string]types.AttributeValue) string {
	return key["subject_id"].(*types.AttributeValueMemberS).Value
}

func numberOf(item map[string]types.AttributeValue, name string) int {
	attr, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(attr.Value)
	return n
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func conditionFailed(item map[string]types.AttributeValue) error {
	return &types.ConditionalCheckFailedException{
		Message: aws.String("The conditional request failed"),
		Item:    copyItem(item),
	}
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return &dynamodb.GetItemOutput{Item: copyItem(f.items[subjectOf(in.Key)])}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}

	subject := subjectOf(in.Item)
	if existing, ok := f.items[subject]; ok && in.ConditionExpression != nil {
		return nil, conditionFailed(existing)
	}
	f.items[subject] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}

	item, ok := f.items[subjectOf(in.Key)]
	if !ok {
		return nil, conditionFailed(nil)
	}

	vals := in.ExpressionAttributeValues
	gen := numberOf(vals, ":gen")
	next := numberOf(vals, ":next")

	if ps, begin := vals[":ps"]; begin {
		if numberOf(item, "generation") != gen || numberOf(item, "pending_generation") != 0 {
			return nil, conditionFailed(item)
		}
		item["pending_salt"] = ps
		item["pending_generation"] = vals[":next"]
	} else {
		if numberOf(item, "generation") != gen || numberOf(item, "pending_generation") != next {
			return nil, conditionFailed(item)
		}
		item["salt"] = item["pending_salt"]
		item["generation"] = item["pending_generation"]
		item["pending_generation"] = vals[":zero"]
		delete(item, "pending_salt")
	}
	item["updated_at"] = vals[":now"]

	return &dynamodb.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}

	subject := subjectOf(in.Key)
	if _, ok := f.items[subject]; !ok {
		return nil, conditionFailed(nil)
	}
	delete(f.items, subject)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}

	out := &dynamodb.ScanOutput{}
	for subject := range f.items {
		out.Items = append(out.Items, map[string]types.AttributeValue{
			"subject_id": &types.AttributeValueMemberS{Value: subject},
		})
	}
	return out, nil
}
