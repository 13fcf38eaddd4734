package dynamodb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/syssam/orbit/dialect/document"
)

type item = map[string]types.AttributeValue

type fakeTable struct {
	key   string
	items map[string]item
	gsis  []string
}

// fakeAPI is an in-memory DynamoDB evaluating the expressions the driver
// produces.
type fakeAPI struct {
	mu     sync.Mutex
	tables map[string]*fakeTable
	calls  map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{tables: map[string]*fakeTable{}, calls: map[string]int{}}
}

func notFound(table string) error {
	return &types.ResourceNotFoundException{Message: aws.String("table not found: " + table)}
}

func plain(av types.AttributeValue) any {
	var v any
	_ = attributevalue.Unmarshal(av, &v)
	return v
}

func (f *fakeAPI) table(name *string) (*fakeTable, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, notFound(aws.ToString(name))
	}
	return t, nil
}

func (t *fakeTable) id(key item) string { return fmt.Sprint(plain(key[t.key])) }

func copyItem(it item) item {
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// check evaluates a condition built of AND-ed attribute_exists,
// attribute_not_exists and binary comparisons.
func check(cond *string, names map[string]string, values item, it item) bool {
	if cond == nil {
		return true
	}
	for _, term := range strings.Split(*cond, " AND ") {
		switch {
		case strings.HasPrefix(term, "attribute_exists("):
			if _, ok := it[names[strings.TrimSuffix(strings.TrimPrefix(term, "attribute_exists("), ")")]]; !ok {
				return false
			}
		case strings.HasPrefix(term, "attribute_not_exists("):
			if _, ok := it[names[strings.TrimSuffix(strings.TrimPrefix(term, "attribute_not_exists("), ")")]]; ok {
				return false
			}
		default:
			parts := strings.Fields(term)
			av, ok := it[names[parts[0]]]
			if !ok {
				return false
			}
			c, ok := document.Compare(plain(av), plain(values[parts[2]]))
			if !ok {
				return false
			}
			switch parts[1] {
			case "=":
				ok = c == 0
			case "<":
				ok = c < 0
			case "<=":
				ok = c <= 0
			case ">":
				ok = c > 0
			case ">=":
				ok = c >= 0
			}
			if !ok {
				return false
			}
		}
	}
	return true
}

// apply runs a SET or ADD update expression on it.
func apply(update string, names map[string]string, values item, it item) item {
	switch {
	case strings.HasPrefix(update, "SET "):
		for _, a := range strings.Split(strings.TrimPrefix(update, "SET "), ", ") {
			parts := strings.SplitN(a, " = ", 2)
			it[names[parts[0]]] = values[parts[1]]
		}
	case strings.HasPrefix(update, "ADD "):
		parts := strings.Fields(strings.TrimPrefix(update, "ADD "))
		var cur, inc float64
		if av, ok := it[names[parts[0]]]; ok {
			cur, _ = plain(av).(float64)
		}
		inc, _ = plain(values[parts[1]]).(float64)
		it[names[parts[0]]] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(cur+inc, 'f', -1, 64)}
	}
	return it
}

func (f *fakeAPI) GetItem(_ context.Context, in *ddb.GetItemInput, _ ...func(*ddb.Options)) (*ddb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetItem"]++
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	it, ok := t.items[t.id(in.Key)]
	if !ok {
		return &ddb.GetItemOutput{}, nil
	}
	return &ddb.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *ddb.PutItemInput, _ ...func(*ddb.Options)) (*ddb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PutItem"]++
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	id := t.id(in.Item)
	if !check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[id]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}
	t.items[id] = copyItem(in.Item)
	return &ddb.PutItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *ddb.UpdateItemInput, _ ...func(*ddb.Options)) (*ddb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateItem"]++
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	id := t.id(in.Key)
	cur, ok := t.items[id]
	if !ok {
		cur = copyItem(in.Key)
	}
	if !check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[id]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}
	next := apply(aws.ToString(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, copyItem(cur))
	t.items[id] = next
	out := &ddb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueUpdatedNew {
		out.Attributes = item{}
		for _, field := range in.ExpressionAttributeNames {
			if v, ok := next[field]; ok {
				out.Attributes[field] = v
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *ddb.DeleteItemInput, _ ...func(*ddb.Options)) (*ddb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteItem"]++
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	id := t.id(in.Key)
	if !check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[id]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}
	delete(t.items, id)
	return &ddb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) Scan(_ context.Context, in *ddb.ScanInput, _ ...func(*ddb.Options)) (*ddb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Scan"]++
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := &ddb.ScanOutput{}
	for _, id := range ids {
		out.Items = append(out.Items, copyItem(t.items[id]))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (f *fakeAPI) TransactWriteItems(_ context.Context, in *ddb.TransactWriteItemsInput, _ ...func(*ddb.Options)) (*ddb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TransactWriteItems"]++
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		var (
			table  *string
			key    item
			cond   *string
			names  map[string]string
			values item
		)
		switch {
		case ti.Put != nil:
			table, cond, names, values = ti.Put.TableName, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
			t, err := f.table(table)
			if err != nil {
				return nil, err
			}
			key = item{t.key: ti.Put.Item[t.key]}
		case ti.Update != nil:
			table, key, cond, names, values = ti.Update.TableName, ti.Update.Key, ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
		case ti.Delete != nil:
			table, key, cond, names, values = ti.Delete.TableName, ti.Delete.Key, ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
		}
		t, err := f.table(table)
		if err != nil {
			return nil, err
		}
		if !check(cond, names, values, t.items[t.id(key)]) {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			t := f.tables[aws.ToString(ti.Put.TableName)]
			t.items[t.id(ti.Put.Item)] = copyItem(ti.Put.Item)
		case ti.Update != nil:
			t := f.tables[aws.ToString(ti.Update.TableName)]
			id := t.id(ti.Update.Key)
			t.items[id] = apply(aws.ToString(ti.Update.UpdateExpression), ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues, copyItem(t.items[id]))
		case ti.Delete != nil:
			t := f.tables[aws.ToString(ti.Delete.TableName)]
			delete(t.items, t.id(ti.Delete.Key))
		}
	}
	return &ddb.TransactWriteItemsOutput{}, nil
}

func (f *fakeAPI) CreateTable(_ context.Context, in *ddb.CreateTableInput, _ ...func(*ddb.Options)) (*ddb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateTable"]++
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists: " + name)}
	}
	t := &fakeTable{key: aws.ToString(in.KeySchema[0].AttributeName), items: map[string]item{}}
	for _, g := range in.GlobalSecondaryIndexes {
		t.gsis = append(t.gsis, aws.ToString(g.IndexName))
	}
	f.tables[name] = t
	return &ddb.CreateTableOutput{}, nil
}

func (f *fakeAPI) DescribeTable(_ context.Context, in *ddb.DescribeTableInput, _ ...func(*ddb.Options)) (*ddb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DescribeTable"]++
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	desc := &types.TableDescription{TableName: in.TableName, TableStatus: types.TableStatusActive}
	for _, g := range t.gsis {
		desc.GlobalSecondaryIndexes = append(desc.GlobalSecondaryIndexes, types.GlobalSecondaryIndexDescription{IndexName: aws.String(g)})
	}
	return &ddb.DescribeTableOutput{Table: desc}, nil
}

func (f *fakeAPI) UpdateTable(_ context.Context, in *ddb.UpdateTableInput, _ ...func(*ddb.Options)) (*ddb.UpdateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateTable"]++
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	for _, u := range in.GlobalSecondaryIndexUpdates {
		if u.Create != nil {
			t.gsis = append(t.gsis, aws.ToString(u.Create.IndexName))
		}
	}
	return &ddb.UpdateTableOutput{}, nil
}

var _ API = (*fakeAPI)(nil)
