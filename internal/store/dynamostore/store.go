// Package dynamostore implements store.Store on a DynamoDB table.
//
// Table layout: hash key "dataset", range key "id", and a local secondary
// index named "cell" ordered by the cell attribute. Records without a cell
// (dataset summaries, counters) stay out of the index.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mohammed-shakir/tileindex/internal/core/observability"
	"github.com/mohammed-shakir/tileindex/internal/store"
)

const (
	backend      = "dynamodb"
	cellIndex    = "cell"
	maxBatchSize = 25
)

// API is the subset of the DynamoDB client the store calls.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type Config struct {
	Region          string
	Endpoint        string
	Table           string
	AccessKeyID     string
	SecretAccessKey string
	// CreateTable creates the table (with its cell index) when missing.
	CreateTable bool
	Logger      *slog.Logger
}

type Store struct {
	api   API
	table *string
	log   *slog.Logger
}

var _ store.Store = (*Store)(nil)

func newAWSConfig(ctx context.Context, c Config) (aws.Config, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(c.Region))
	if err != nil {
		return aws.Config{}, err
	}
	if c.SecretAccessKey != "" && c.AccessKeyID != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, "")
	}
	return cfg, nil
}

// Open builds a client from the default AWS configuration chain.
func Open(ctx context.Context, c Config) (*Store, error) {
	if c.Table == "" {
		return nil, errors.New("dynamodb table is required")
	}
	cfg, err := newAWSConfig(ctx, c)
	if err != nil {
		return nil, &store.BackendError{Backend: backend, Op: "load config", Err: err}
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	})
	s := New(client, c.Table, c.Logger)
	if c.CreateTable {
		if err := s.ensureTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// New wraps an existing client.
func New(api API, table string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{api: api, table: aws.String(table), log: log.With("component", "dynamostore")}
}

func (s *Store) ensureTable(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: s.table})
	if err == nil {
		return nil
	}
	var missing *types.ResourceNotFoundException
	if !errors.As(err, &missing) {
		return &store.BackendError{Backend: backend, Op: "describe table", Err: err}
	}
	s.log.Info("creating table", "table", *s.table)
	if _, err := s.api.CreateTable(ctx, buildCreateTableInput(*s.table)); err != nil {
		return &store.BackendError{Backend: backend, Op: "create table", Err: err}
	}
	return nil
}

func buildCreateTableInput(table string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("dataset"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("cell"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("dataset"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeRange},
		},
		LocalSecondaryIndexes: []types.LocalSecondaryIndex{{
			IndexName: aws.String(cellIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("dataset"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("cell"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
		BillingMode: types.BillingModePayPerRequest,
	}
}

func (s *Store) Close() error { return nil }

func tableKey(dataset, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"dataset": &types.AttributeValueMemberS{Value: dataset},
		"id":      &types.AttributeValueMemberS{Value: key},
	}
}

func exists() expression.ConditionBuilder {
	return expression.AttributeExists(expression.Name("id"))
}

func notExists() expression.ConditionBuilder {
	return expression.AttributeNotExists(expression.Name("id"))
}

// condition returns the builder for cond, or nil for Always.
func condition(cond store.Condition) *expression.ConditionBuilder {
	var c expression.ConditionBuilder
	switch cond {
	case store.IfAbsent:
		c = notExists()
	case store.IfExists:
		c = exists()
	default:
		return nil
	}
	return &c
}

func (s *Store) Get(ctx context.Context, dataset, key string) (store.Record, error) {
	start := time.Now()
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.table,
		Key:            tableKey(dataset, key),
		ConsistentRead: aws.Bool(true),
	})
	observe("get", err, start)
	if err != nil {
		return store.Record{}, backendErr("get", dataset, key, err)
	}
	if len(out.Item) == 0 {
		return store.Record{}, fmt.Errorf("get %s/%s: %w", dataset, key, store.ErrNotFound)
	}
	var rec store.Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return store.Record{}, backendErr("get", dataset, key, err)
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, rec store.Record, cond store.Condition) error {
	start := time.Now()
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return backendErr("put", rec.Dataset, rec.Key, err)
	}
	in := &dynamodb.PutItemInput{TableName: s.table, Item: item}
	if c := condition(cond); c != nil {
		expr, err := expression.NewBuilder().WithCondition(*c).Build()
		if err != nil {
			return backendErr("put", rec.Dataset, rec.Key, err)
		}
		in.ConditionExpression = expr.Condition()
		in.ExpressionAttributeNames = expr.Names()
		in.ExpressionAttributeValues = expr.Values()
	}
	_, err = s.api.PutItem(ctx, in)
	observe("put", err, start)
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("put %s/%s: %w", rec.Dataset, rec.Key, store.ErrConditionFailed)
		}
		return backendErr("put", rec.Dataset, rec.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, dataset, key string, cond store.Condition) (store.Record, error) {
	start := time.Now()
	in := &dynamodb.DeleteItemInput{
		TableName:    s.table,
		Key:          tableKey(dataset, key),
		ReturnValues: types.ReturnValueAllOld,
	}
	if cond == store.IfExists {
		expr, err := expression.NewBuilder().WithCondition(exists()).Build()
		if err != nil {
			return store.Record{}, backendErr("delete", dataset, key, err)
		}
		in.ConditionExpression = expr.Condition()
		in.ExpressionAttributeNames = expr.Names()
	}
	out, err := s.api.DeleteItem(ctx, in)
	observe("delete", err, start)
	if err != nil {
		if isConditionFailed(err) {
			return store.Record{}, fmt.Errorf("delete %s/%s: %w", dataset, key, store.ErrNotFound)
		}
		return store.Record{}, backendErr("delete", dataset, key, err)
	}
	var old store.Record
	if len(out.Attributes) > 0 {
		if err := attributevalue.UnmarshalMap(out.Attributes, &old); err != nil {
			return store.Record{}, backendErr("delete", dataset, key, err)
		}
	}
	return old, nil
}

func (s *Store) Update(ctx context.Context, dataset, key string, d store.Deltas, cond store.Condition) error {
	start := time.Now()
	upd := expression.Add(expression.Name("count"), expression.Value(d.Count)).
		Add(expression.Name("size"), expression.Value(d.Size)).
		Add(expression.Name("editcount"), expression.Value(d.EditCount))
	if d.Updated != 0 {
		upd = upd.Set(expression.Name("updated"), expression.Value(d.Updated))
	}
	b := expression.NewBuilder().WithUpdate(upd)
	if c := condition(cond); c != nil {
		b = b.WithCondition(*c)
	}
	expr, err := b.Build()
	if err != nil {
		return backendErr("update", dataset, key, err)
	}
	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 s.table,
		Key:                       tableKey(dataset, key),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	observe("update", err, start)
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("update %s/%s: %w", dataset, key, store.ErrConditionFailed)
		}
		return backendErr("update", dataset, key, err)
	}
	return nil
}

// extendCondition holds when the record exists and v lies outside the
// stored edge.
func extendCondition(edge store.Edge, v float64) expression.ConditionBuilder {
	name := expression.Name(edge.String())
	var outward expression.ConditionBuilder
	if edge == store.West || edge == store.South {
		outward = name.GreaterThan(expression.Value(v))
	} else {
		outward = name.LessThan(expression.Value(v))
	}
	return expression.And(exists(), outward)
}

func (s *Store) Extend(ctx context.Context, dataset, key string, edge store.Edge, v float64) (bool, error) {
	start := time.Now()
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Set(expression.Name(edge.String()), expression.Value(v))).
		WithCondition(extendCondition(edge, v)).
		Build()
	if err != nil {
		return false, backendErr("extend", dataset, key, err)
	}
	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 s.table,
		Key:                       tableKey(dataset, key),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	observe("extend", err, start)
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, backendErr("extend", dataset, key, err)
	}
	return true, nil
}

func (s *Store) Increment(ctx context.Context, dataset, key string, delta int64) (int64, error) {
	start := time.Now()
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name("count"), expression.Value(delta))).
		Build()
	if err != nil {
		return 0, backendErr("increment", dataset, key, err)
	}
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 s.table,
		Key:                       tableKey(dataset, key),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	observe("increment", err, start)
	if err != nil {
		return 0, backendErr("increment", dataset, key, err)
	}
	var n int64
	if err := attributevalue.Unmarshal(out.Attributes["count"], &n); err != nil {
		return 0, backendErr("increment", dataset, key, err)
	}
	return n, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func backendErr(op, dataset, key string, err error) error {
	return &store.BackendError{Backend: backend, Op: op + " " + dataset + "/" + key, Err: err}
}

func observe(op string, err error, start time.Time) {
	observability.ObserveStoreOp(backend, op, err, time.Since(start).Seconds())
}
