package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore keeps key material in a DynamoDB table keyed by subject_id.
// Every write is conditional so first provisioning and rotation are safe
// across any number of server instances.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
	timeout   time.Duration
	logger    *events.Logger
}

// NewDynamoDBStore creates a store using the default AWS credential chain.
func NewDynamoDBStore(ctx context.Context, tableName string, logger *events.Logger) (*DynamoDBStore, error) {
	if tableName == "" {
		return nil, models.InvalidArgument("dynamodb table name is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(cfg), tableName, logger), nil
}

// NewDynamoDBStoreWithClient creates a store around an existing client.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, tableName string, logger *events.Logger) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		timeout:   10 * time.Second,
		logger:    logger.WithField("component", "dynamodb_key_store"),
	}
}

func (s *DynamoDBStore) key(subjectID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"subject_id": &types.AttributeValueMemberS{Value: subjectID},
	}
}

// Get reads key material with a strongly consistent read.
func (s *DynamoDBStore) Get(ctx context.Context, subjectID string) (*models.KeyMaterial, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(subjectID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, models.Unavailable("dynamodb get", err)
	}

	if result.Item == nil {
		return nil, ErrMaterialNotFound
	}

	return unmarshalMaterial(result.Item)
}

// CreateIfAbsent puts the item with attribute_not_exists. On a lost race
// the existing item comes back with the condition failure.
func (s *DynamoDBStore) CreateIfAbsent(ctx context.Context, km *models.KeyMaterial) (*models.KeyMaterial, bool, error) {
	if err := km.Validate(); err != nil {
		return nil, false, err
	}

	item, err := marshalMaterial(km)
	if err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(s.tableName),
		Item:                                item,
		ConditionExpression:                 aws.String("attribute_not_exists(subject_id)"),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})

	var ccf *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &ccf):
		s.logger.WithField("subject_id", km.SubjectID).Debug("Key material already provisioned")
		if ccf.Item != nil {
			existing, err := unmarshalMaterial(ccf.Item)
			return existing, false, err
		}
		existing, err := s.Get(ctx, km.SubjectID)
		return existing, false, err
	case err != nil:
		return nil, false, models.Unavailable("dynamodb put", err)
	}

	s.logger.WithField("subject_id", km.SubjectID).Info("Provisioned key material in DynamoDB")
	return cloneMaterial(km), true, nil
}

// BeginRotation sets the pending salt under a generation condition.
func (s *DynamoDBStore) BeginRotation(ctx context.Context, subjectID string, generation int, pendingSalt []byte) (*models.KeyMaterial, error) {
	if len(pendingSalt) < models.MinSaltSize {
		return nil, models.InvalidArgument("pending salt must be at least %d bytes", models.MinSaltSize)
	}

	return s.conditionalUpdate(ctx, subjectID, generation, false, &dynamodb.UpdateItemInput{
		UpdateExpression:    aws.String("SET pending_salt = :ps, pending_generation = :next, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(subject_id) AND generation = :gen AND pending_generation = :zero"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ps":   &types.AttributeValueMemberB{Value: pendingSalt},
			":next": numberAttr(generation + 1),
			":gen":  numberAttr(generation),
			":zero": numberAttr(0),
			":now":  timeAttr(time.Now()),
		},
	})
}

// CommitRotation promotes the pending salt under a generation condition.
func (s *DynamoDBStore) CommitRotation(ctx context.Context, subjectID string, generation int) (*models.KeyMaterial, error) {
	return s.conditionalUpdate(ctx, subjectID, generation, true, &dynamodb.UpdateItemInput{
		UpdateExpression: aws.String(
			"SET salt = pending_salt, generation = pending_generation, pending_generation = :zero, updated_at = :now REMOVE pending_salt"),
		ConditionExpression: aws.String("attribute_exists(subject_id) AND generation = :gen AND pending_generation = :next"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":gen":  numberAttr(generation),
			":next": numberAttr(generation + 1),
			":zero": numberAttr(0),
			":now":  timeAttr(time.Now()),
		},
	})
}

func (s *DynamoDBStore) conditionalUpdate(ctx context.Context, subjectID string, generation int, committing bool, in *dynamodb.UpdateItemInput) (*models.KeyMaterial, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	in.TableName = aws.String(s.tableName)
	in.Key = s.key(subjectID)
	in.ReturnValues = types.ReturnValueAllNew
	in.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld

	out, err := s.client.UpdateItem(ctx, in)

	var ccf *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &ccf):
		if ccf.Item == nil {
			return nil, ErrMaterialNotFound
		}
		current, uerr := unmarshalMaterial(ccf.Item)
		if uerr != nil {
			return nil, uerr
		}
		return nil, classifyRotation(current, generation, committing)
	case err != nil:
		return nil, models.Unavailable("dynamodb update", err)
	}

	updated, err := unmarshalMaterial(out.Attributes)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"generation": updated.Generation,
		"pending":    updated.PendingGeneration,
	}).Info("Key rotation state changed")

	return updated, nil
}

// Delete removes the subject's item.
func (s *DynamoDBStore) Delete(ctx context.Context, subjectID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(subjectID),
		ConditionExpression: aws.String("attribute_exists(subject_id)"),
	})

	var ccf *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &ccf):
		return ErrMaterialNotFound
	case err != nil:
		return models.Unavailable("dynamodb delete", err)
	}

	s.logger.WithField("subject_id", subjectID).Info("Deleted key material from DynamoDB")
	return nil
}

// List scans the table for subject IDs.
func (s *DynamoDBStore) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*s.timeout)
	defer cancel()

	var subjects []string

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:            aws.String(s.tableName),
		ProjectionExpression: aws.String("subject_id"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, models.Unavailable("dynamodb scan", err)
		}

		for _, item := range page.Items {
			if attr, ok := item["subject_id"].(*types.AttributeValueMemberS); ok {
				subjects = append(subjects, attr.Value)
			}
		}
	}

	sort.Strings(subjects)
	return subjects, nil
}

// Close closes the store.
func (s *DynamoDBStore) Close() error {
	return nil
}

var _ Store = (*DynamoDBStore)(nil)

func numberAttr(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func timeAttr(t time.Time) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func marshalMaterial(km *models.KeyMaterial) (map[string]types.AttributeValue, error) {
	kdfJSON, err := json.Marshal(km.KDF)
	if err != nil {
		return nil, fmt.Errorf("encode kdf params: %w", err)
	}

	item := map[string]types.AttributeValue{
		"subject_id":         &types.AttributeValueMemberS{Value: km.SubjectID},
		"salt":               &types.AttributeValueMemberB{Value: km.Salt},
		"kdf_params":         &types.AttributeValueMemberS{Value: string(kdfJSON)},
		"cipher":             &types.AttributeValueMemberS{Value: string(km.Cipher)},
		"generation":         numberAttr(km.Generation),
		"pending_generation": numberAttr(km.PendingGeneration),
		"has_key":            &types.AttributeValueMemberBOOL{Value: km.HasKey},
		"provisioned_at":     timeAttr(km.ProvisionedAt),
		"updated_at":         timeAttr(km.UpdatedAt),
	}
	if len(km.WrappedKDK) > 0 {
		item["wrapped_kdk"] = &types.AttributeValueMemberB{Value: km.WrappedKDK}
	}
	if len(km.PendingSalt) > 0 {
		item["pending_salt"] = &types.AttributeValueMemberB{Value: km.PendingSalt}
	}
	return item, nil
}

func unmarshalMaterial(item map[string]types.AttributeValue) (*models.KeyMaterial, error) {
	var km models.KeyMaterial

	subject, ok := item["subject_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("invalid subject_id attribute type")
	}
	km.SubjectID = subject.Value

	salt, ok := item["salt"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("invalid salt attribute type for %s", km.SubjectID)
	}
	km.Salt = cloneBytes(salt.Value)

	if kdf, ok := item["kdf_params"].(*types.AttributeValueMemberS); ok {
		if err := json.Unmarshal([]byte(kdf.Value), &km.KDF); err != nil {
			return nil, fmt.Errorf("decode kdf params for %s: %w", km.SubjectID, err)
		}
	}
	if cipher, ok := item["cipher"].(*types.AttributeValueMemberS); ok {
		km.Cipher = models.CipherSuite(cipher.Value)
	}
	if wrapped, ok := item["wrapped_kdk"].(*types.AttributeValueMemberB); ok {
		km.WrappedKDK = cloneBytes(wrapped.Value)
	}
	if pending, ok := item["pending_salt"].(*types.AttributeValueMemberB); ok {
		km.PendingSalt = cloneBytes(pending.Value)
	}
	if hasKey, ok := item["has_key"].(*types.AttributeValueMemberBOOL); ok {
		km.HasKey = hasKey.Value
	}

	var err error
	if km.Generation, err = intAttr(item, "generation"); err != nil {
		return nil, err
	}
	if km.PendingGeneration, err = intAttr(item, "pending_generation"); err != nil {
		return nil, err
	}
	if km.ProvisionedAt, err = timeAttrValue(item, "provisioned_at"); err != nil {
		return nil, err
	}
	if km.UpdatedAt, err = timeAttrValue(item, "updated_at"); err != nil {
		return nil, err
	}

	return &km, nil
}

func intAttr(item map[string]types.AttributeValue, name string) (int, error) {
	attr, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(attr.Value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return n, nil
}

func timeAttrValue(item map[string]types.AttributeValue, name string) (time.Time, error) {
	attr, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, attr.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return t, nil
}
