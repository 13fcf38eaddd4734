package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/dialect/document"
	"github.com/syssam/orbit/schema"
)

// maxTransactItems is the TransactWriteItems item limit.
const maxTransactItems = 100

// ErrTxDone is returned when committing or rolling back a finished
// transaction.
var ErrTxDone = errors.New("dynamodb: transaction has already been committed or rolled back")

// ErrWriteConflict is returned by Commit when an item written in the
// transaction no longer satisfies the conditions it was read under.
var ErrWriteConflict = errors.New("dynamodb: write conflict")

type opKind uint8

const (
	opPut opKind = iota
	opUpdate
	opDelete
)

// op is the pending write of one item. DynamoDB rejects transactions
// touching an item twice, so successive writes to an item are merged.
type op struct {
	kind    opKind
	entity  string
	table   string
	pkField string
	k       string
	key     map[string]types.AttributeValue
	// existing is set when the item was stored before the transaction.
	existing bool
	// doc is the item as seen inside the transaction; nil once deleted.
	doc dialect.Document
	set map[string]any
	// conds guard the stored item; they come from the first write.
	conds []dialect.Cond
}

// Tx buffers writes and commits them atomically with TransactWriteItems.
// Reads inside the transaction see the stored items overlaid with the
// pending writes.
type Tx struct {
	ctx context.Context
	d   *Driver

	mu    sync.Mutex
	ops   map[string]*op
	order []*op
	done  bool
}

func opID(table, k string) string { return table + "\x00" + k }

func (t *Tx) pending(table, k string) (*op, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.ops[opID(table, k)]
	return o, ok
}

// created returns the documents inserted in the transaction into table.
func (t *Tx) created(table string) []dialect.Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	var docs []dialect.Document
	for _, o := range t.order {
		if o.table == table && !o.existing && o.doc != nil {
			docs = append(docs, o.doc)
		}
	}
	return docs
}

func (t *Tx) insert(ctx context.Context, meta *schema.EntityMetadata, key map[string]types.AttributeValue, k string, doc dialect.Document) error {
	table := t.d.table(meta)
	if o, ok := t.pending(table, k); ok {
		if o.doc != nil {
			return t.d.conflict("insert", meta.Name, "duplicate primary key %v", doc[meta.PK().FieldName])
		}
		t.mu.Lock()
		o.kind, o.doc, o.set = opPut, doc, nil
		t.mu.Unlock()
		return nil
	}
	api, err := t.d.conn.api()
	if err != nil {
		return err
	}
	out, err := api.GetItem(ctx, &ddb.GetItemInput{TableName: aws.String(table), Key: key, ConsistentRead: aws.Bool(true)})
	if err != nil {
		return t.d.Wrap("insert", meta.Name, err)
	}
	if len(out.Item) > 0 {
		return t.d.conflict("insert", meta.Name, "duplicate primary key %v", doc[meta.PK().FieldName])
	}
	t.add(&op{kind: opPut, entity: meta.Name, table: table, pkField: meta.PK().FieldName, k: k, key: key, doc: doc})
	return nil
}

func (t *Tx) add(o *op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops[opID(o.table, o.k)] = o
	t.order = append(t.order, o)
}

// update stages fields on the item read as cur.
func (t *Tx) update(meta *schema.EntityMetadata, key map[string]types.AttributeValue, k string, cur dialect.Document, fields map[string]any, conds []dialect.Cond) {
	table := t.d.table(meta)
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.ops[opID(table, k)]
	if !ok {
		o = &op{
			kind:     opUpdate,
			entity:   meta.Name,
			table:    table,
			pkField:  meta.PK().FieldName,
			k:        k,
			key:      key,
			existing: true,
			doc:      document.CloneDoc(cur),
			set:      map[string]any{},
			conds:    conds,
		}
		t.ops[opID(table, k)] = o
		t.order = append(t.order, o)
	}
	for f, v := range fields {
		o.doc[f] = document.Clone(v)
		if o.kind == opUpdate {
			o.set[f] = document.Clone(v)
		}
	}
}

func (t *Tx) remove(meta *schema.EntityMetadata, key map[string]types.AttributeValue, k string, conds []dialect.Cond) {
	table := t.d.table(meta)
	t.mu.Lock()
	defer t.mu.Unlock()
	id := opID(table, k)
	o, ok := t.ops[id]
	switch {
	case !ok:
		o = &op{kind: opDelete, entity: meta.Name, table: table, pkField: meta.PK().FieldName, k: k, key: key, existing: true, conds: conds}
		t.ops[id] = o
		t.order = append(t.order, o)
	case !o.existing:
		delete(t.ops, id)
		for i, p := range t.order {
			if p == o {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	default:
		o.kind, o.doc, o.set = opDelete, nil, nil
	}
}

func (o *op) item() (types.TransactWriteItem, error) {
	e := newExpr()
	var (
		cond string
		err  error
	)
	if o.existing {
		cond, err = e.guard(o.pkField, o.conds)
	} else {
		cond = e.absent(o.pkField)
	}
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	switch o.kind {
	case opPut:
		item, err := attributevalue.MarshalMap(o.doc)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                 aws.String(o.table),
			Item:                      item,
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  e.attrNames(),
			ExpressionAttributeValues: e.attrValues(),
		}}, nil
	case opUpdate:
		update, err := e.set(o.set)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(o.table),
			Key:                       o.key,
			UpdateExpression:          aws.String(update),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  e.attrNames(),
			ExpressionAttributeValues: e.attrValues(),
		}}, nil
	}
	return types.TransactWriteItem{Delete: &types.Delete{
		TableName:                 aws.String(o.table),
		Key:                       o.key,
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  e.attrNames(),
		ExpressionAttributeValues: e.attrValues(),
	}}, nil
}

// Commit writes the pending operations in one TransactWriteItems call.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if len(t.order) == 0 {
		return nil
	}
	if len(t.order) > maxTransactItems {
		return t.d.Wrap("commit", "", fmt.Errorf("transaction holds %d writes, the limit is %d", len(t.order), maxTransactItems))
	}
	items := make([]types.TransactWriteItem, len(t.order))
	for i, o := range t.order {
		item, err := o.item()
		if err != nil {
			return t.d.Wrap("commit", o.entity, err)
		}
		items[i] = item
	}
	api, err := t.d.conn.api()
	if err != nil {
		return err
	}
	_, err = api.TransactWriteItems(t.ctx, &ddb.TransactWriteItemsInput{TransactItems: items})
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for i, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) != "ConditionalCheckFailed" || i >= len(t.order) {
				continue
			}
			o := t.order[i]
			if !o.existing {
				return t.d.conflict("commit", o.entity, "duplicate primary key in %s", o.table)
			}
			return t.d.Wrap("commit", o.entity, fmt.Errorf("%w: %s %s", ErrWriteConflict, o.table, o.k))
		}
	}
	return t.d.Wrap("commit", "", err)
}

// Rollback discards the pending operations.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.ops, t.order = nil, nil
	return nil
}

// Len returns the number of pending item writes.
func (t *Tx) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}
