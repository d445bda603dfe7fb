package dynamostore

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/tileindex/internal/store"
)

// cursorKey mirrors LastEvaluatedKey for both the table and the cell index.
type cursorKey struct {
	Dataset string `dynamodbav:"dataset"`
	Key     string `dynamodbav:"id"`
	Cell    string `dynamodbav:"cell,omitempty"`
}

func toStartKey(c *store.Cursor) (map[string]types.AttributeValue, error) {
	if c == nil {
		return nil, nil
	}
	return attributevalue.MarshalMap(cursorKey{Dataset: c.Dataset, Key: c.Key, Cell: c.Cell})
}

func fromLastKey(m map[string]types.AttributeValue) (*store.Cursor, error) {
	if len(m) == 0 {
		return nil, nil
	}
	var k cursorKey
	if err := attributevalue.UnmarshalMap(m, &k); err != nil {
		return nil, err
	}
	return &store.Cursor{Dataset: k.Dataset, Key: k.Key, Cell: k.Cell}, nil
}

// overlapFilter keeps records whose box intersects b, edges inclusive.
func overlapFilter(b orb.Bound) expression.ConditionBuilder {
	return expression.And(
		expression.Name("west").LessThanEqual(expression.Value(b.Max.Lon())),
		expression.Name("east").GreaterThanEqual(expression.Value(b.Min.Lon())),
		expression.Name("north").GreaterThanEqual(expression.Value(b.Min.Lat())),
		expression.Name("south").LessThanEqual(expression.Value(b.Max.Lat())),
	)
}

func keyCondition(q store.Query) expression.KeyConditionBuilder {
	sortKey := "id"
	if q.Index == store.CellIndex {
		sortKey = "cell"
	}
	kc := expression.Key("dataset").Equal(expression.Value(q.Dataset))
	if q.Exact {
		return kc.And(expression.Key(sortKey).Equal(expression.Value(q.Prefix)))
	}
	return kc.And(expression.Key(sortKey).BeginsWith(q.Prefix))
}

func buildQueryInput(table *string, q store.Query) (*dynamodb.QueryInput, error) {
	b := expression.NewBuilder().WithKeyCondition(keyCondition(q))
	if q.Filter != nil {
		b = b.WithFilter(overlapFilter(*q.Filter))
	}
	expr, err := b.Build()
	if err != nil {
		return nil, err
	}
	start, err := toStartKey(q.Start)
	if err != nil {
		return nil, err
	}
	in := &dynamodb.QueryInput{
		TableName:                 table,
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ExclusiveStartKey:         start,
	}
	if q.Index == store.CellIndex {
		in.IndexName = aws.String(cellIndex)
	}
	if q.Limit > 0 {
		in.Limit = aws.Int32(int32(q.Limit))
	}
	return in, nil
}

// Query returns one DynamoDB page. The limit applies before the filter, so a
// page may come back short (even empty) with Next still set.
func (s *Store) Query(ctx context.Context, q store.Query) (store.Page, error) {
	start := time.Now()
	in, err := buildQueryInput(s.table, q)
	if err != nil {
		return store.Page{}, backendErr("query", q.Dataset, q.Prefix, err)
	}
	out, err := s.api.Query(ctx, in)
	observe("query", err, start)
	if err != nil {
		return store.Page{}, backendErr("query", q.Dataset, q.Prefix, err)
	}
	return toPage(out.Items, out.LastEvaluatedKey, q.Dataset, q.Prefix)
}

func (s *Store) Scan(ctx context.Context, prefix string, from *store.Cursor, limit int) (store.Page, error) {
	start := time.Now()
	expr, err := expression.NewBuilder().
		WithFilter(expression.Name("id").BeginsWith(prefix)).
		Build()
	if err != nil {
		return store.Page{}, backendErr("scan", "*", prefix, err)
	}
	startKey, err := toStartKey(from)
	if err != nil {
		return store.Page{}, backendErr("scan", "*", prefix, err)
	}
	in := &dynamodb.ScanInput{
		TableName:                 s.table,
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ExclusiveStartKey:         startKey,
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	out, err := s.api.Scan(ctx, in)
	observe("scan", err, start)
	if err != nil {
		return store.Page{}, backendErr("scan", "*", prefix, err)
	}
	return toPage(out.Items, out.LastEvaluatedKey, "*", prefix)
}

func toPage(items []map[string]types.AttributeValue, last map[string]types.AttributeValue, dataset, prefix string) (store.Page, error) {
	var page store.Page
	if err := attributevalue.UnmarshalListOfMaps(items, &page.Records); err != nil {
		return store.Page{}, backendErr("decode page", dataset, prefix, err)
	}
	next, err := fromLastKey(last)
	if err != nil {
		return store.Page{}, backendErr("decode cursor", dataset, prefix, err)
	}
	page.Next = next
	return page, nil
}

func (s *Store) BatchPut(ctx context.Context, recs []store.Record) ([]store.Record, error) {
	var unprocessed []store.Record
	for i := 0; i < len(recs); i += maxBatchSize {
		chunk := recs[i:min(i+maxBatchSize, len(recs))]
		reqs := make([]types.WriteRequest, 0, len(chunk))
		for _, r := range chunk {
			item, err := attributevalue.MarshalMap(r)
			if err != nil {
				unprocessed = append(unprocessed, r)
				continue
			}
			reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}
		left, err := s.batchWrite(ctx, reqs)
		if err != nil {
			return append(unprocessed, recs[i:]...), err
		}
		for _, w := range left {
			if w.PutRequest == nil {
				continue
			}
			var r store.Record
			if err := attributevalue.UnmarshalMap(w.PutRequest.Item, &r); err != nil {
				return append(unprocessed, recs[i:]...), backendErr("batch put", "*", "*", err)
			}
			unprocessed = append(unprocessed, r)
		}
	}
	return unprocessed, nil
}

func (s *Store) BatchDelete(ctx context.Context, keys []store.Key) ([]store.Key, error) {
	var unprocessed []store.Key
	for i := 0; i < len(keys); i += maxBatchSize {
		chunk := keys[i:min(i+maxBatchSize, len(keys))]
		reqs := make([]types.WriteRequest, 0, len(chunk))
		for _, k := range chunk {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: tableKey(k.Dataset, k.Key)}})
		}
		left, err := s.batchWrite(ctx, reqs)
		if err != nil {
			return append(unprocessed, keys[i:]...), err
		}
		for _, w := range left {
			if w.DeleteRequest == nil {
				continue
			}
			var k cursorKey
			if err := attributevalue.UnmarshalMap(w.DeleteRequest.Key, &k); err != nil {
				return append(unprocessed, keys[i:]...), backendErr("batch delete", "*", "*", err)
			}
			unprocessed = append(unprocessed, store.Key{Dataset: k.Dataset, Key: k.Key})
		}
	}
	return unprocessed, nil
}

// batchWrite issues one BatchWriteItem and returns the requests DynamoDB
// reported as unprocessed.
func (s *Store) batchWrite(ctx context.Context, reqs []types.WriteRequest) ([]types.WriteRequest, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	start := time.Now()
	out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{*s.table: reqs},
	})
	observe("batch_write", err, start)
	if err != nil {
		return nil, backendErr("batch write", "*", "*", err)
	}
	return out.UnprocessedItems[*s.table], nil
}
