package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
)

const DefaultSessionTTL time.Duration = 15 * time.Minute

var ErrTokenNotFound = errors.New("token not found")

// Should be safe to use in concurreny
type TokenStorage interface {
	// Store the nonce for the given sessionId
	// returns an error when it somehow fails to store the value.
	// Should not return an error when the value already exists,
	// it should just update in that case.
	StoreToken(sessionId string, nonce string) error

	// Should retrieve the token for the given sessionId
	// and return an error in any case where it fails to do so.
	RetrieveToken(sessionId string) (string, error)

	// Should remove the token and return an error if it fails to do so.
	// The value not being there should also be considered an error.
	RemoveToken(sessionId string) error
}

// ------------------------------------------------------------------------------

type InMemoryTokenStorage struct {
	TokenMap map[string]string
	mutex    sync.Mutex
}

func NewInMemoryTokenStorage() *InMemoryTokenStorage {
	return &InMemoryTokenStorage{
		TokenMap: make(map[string]string),
	}
}

func (s *InMemoryTokenStorage) StoreToken(sessionId, token string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.TokenMap[sessionId] = token
	return nil
}

func (s *InMemoryTokenStorage) RetrieveToken(sessionId string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if token, ok := s.TokenMap[sessionId]; ok {
		return token, nil
	}
	return "", fmt.Errorf("failed to find token for %s: %w", sessionId, ErrTokenNotFound)
}

func (s *InMemoryTokenStorage) RemoveToken(sessionId string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.TokenMap[sessionId]; !ok {
		return fmt.Errorf("failed to remove token for %s, because it wasn't there: %w", sessionId, ErrTokenNotFound)
	}
	delete(s.TokenMap, sessionId)
	return nil
}

// ------------------------------------------------------------------------------

// RedisCommands is the subset of *redis.Client the token storage needs.
type RedisCommands interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type RedisTokenStorage struct {
	client    RedisCommands
	namespace string
	ttl       time.Duration
}

func NewRedisTokenStorage(client RedisCommands, namespace string, ttl time.Duration) *RedisTokenStorage {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisTokenStorage{client: client, namespace: namespace, ttl: ttl}
}

func createKey(namespace, sessionId string) string {
	return fmt.Sprintf("%s:token:%s", namespace, sessionId)
}

func (s *RedisTokenStorage) StoreToken(sessionId string, nonce string) error {
	ctx := context.Background()
	return s.client.Set(ctx, createKey(s.namespace, sessionId), nonce, s.ttl).Err()
}

func (s *RedisTokenStorage) RetrieveToken(sessionId string) (string, error) {
	ctx := context.Background()
	token, err := s.client.Get(ctx, createKey(s.namespace, sessionId)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to find token for %s: %w", sessionId, ErrTokenNotFound)
	}
	return token, err
}

func (s *RedisTokenStorage) RemoveToken(sessionId string) error {
	ctx := context.Background()
	removed, err := s.client.Del(ctx, createKey(s.namespace, sessionId)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("failed to remove token for %s: %w", sessionId, ErrTokenNotFound)
	}
	return nil
}

// ------------------------------------------------------------------------------

type DynamoDBConfig struct {
	TableName string `json:"table_name"`
	Region    string `json:"region"`
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string `json:"endpoint,omitempty"`
}

// DynamoAPI is the subset of the DynamoDB client used by the token storage.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// tokenItem is stored with an epoch-seconds expires_at attribute, which the
// table's TTL setting should point at.
type tokenItem struct {
	SessionId string `dynamodbav:"session_id"`
	Nonce     string `dynamodbav:"nonce"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

type DynamoTokenStorage struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

func NewDynamoTokenStorage(client DynamoAPI, tableName string, ttl time.Duration) *DynamoTokenStorage {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &DynamoTokenStorage{client: client, tableName: tableName, ttl: ttl, now: time.Now}
}

// NewDynamoClient builds a DynamoDB client from the default AWS credential chain.
func NewDynamoClient(ctx context.Context, cfg DynamoDBConfig) (*dynamodb.Client, error) {
	if cfg.TableName == "" {
		return nil, errors.New("dynamodb table name is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func (s *DynamoTokenStorage) key(sessionId string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		"session_id": &dynamodbtypes.AttributeValueMemberS{Value: sessionId},
	}
}

func (s *DynamoTokenStorage) StoreToken(sessionId string, nonce string) error {
	item, err := attributevalue.MarshalMap(tokenItem{
		SessionId: sessionId,
		Nonce:     nonce,
		ExpiresAt: s.now().Add(s.ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	_, err = s.client.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save token to DynamoDB: %w", err)
	}
	return nil
}

func (s *DynamoTokenStorage) RetrieveToken(sessionId string) (string, error) {
	result, err := s.client.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(sessionId),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	if result.Item == nil {
		return "", fmt.Errorf("failed to find token for %s: %w", sessionId, ErrTokenNotFound)
	}

	var item tokenItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return "", fmt.Errorf("failed to unmarshal token: %w", err)
	}

	// DynamoDB deletes expired items lazily
	if item.ExpiresAt <= s.now().Unix() {
		return "", fmt.Errorf("token for %s expired: %w", sessionId, ErrTokenNotFound)
	}
	return item.Nonce, nil
}

func (s *DynamoTokenStorage) RemoveToken(sessionId string) error {
	result, err := s.client.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tableName),
		Key:          s.key(sessionId),
		ReturnValues: dynamodbtypes.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if len(result.Attributes) == 0 {
		return fmt.Errorf("failed to remove token for %s: %w", sessionId, ErrTokenNotFound)
	}
	return nil
}
