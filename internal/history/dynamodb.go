package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const dynamoHistorySK = "HISTORY#"

// dynamodbAPI is the minimal DynamoDB interface required by DynamoBackend.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoBackend stores each conversation as a single item keyed by CONV#<key>.
// A positive ttl sets the table's "ttl" attribute.
type DynamoBackend struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

func NewDynamoBackend(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoBackend, error) {
	if api == nil {
		return nil, errors.New("history: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("history: dynamodb table name must not be empty")
	}
	return &DynamoBackend{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func convPK(key string) string {
	return "CONV#" + key
}

func (b *DynamoBackend) Read(ctx context.Context, key string) (*Record, error) {
	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(key)},
			"SK": &types.AttributeValueMemberS{Value: dynamoHistorySK},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	attr, ok := out.Item["record"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("dynamodb item missing record attribute")
	}
	var rec Record
	if err := json.Unmarshal([]byte(attr.Value), &rec); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &rec, nil
}

func (b *DynamoBackend) Write(ctx context.Context, key string, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	now := b.now().UTC()
	item := map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: convPK(key)},
		"SK":            &types.AttributeValueMemberS{Value: dynamoHistorySK},
		"record":        &types.AttributeValueMemberS{Value: string(raw)},
		"last_activity": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
	}
	if b.ttl > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(b.ttl).Unix(), 10)}
	}

	_, err = b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb put item: %w", err)
	}
	return nil
}
