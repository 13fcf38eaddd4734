package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/dialect/document"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// API is the subset of the DynamoDB client used by the driver.
// *dynamodb.Client implements it.
type API interface {
	GetItem(ctx context.Context, in *ddb.GetItemInput, optFns ...func(*ddb.Options)) (*ddb.GetItemOutput, error)
	PutItem(ctx context.Context, in *ddb.PutItemInput, optFns ...func(*ddb.Options)) (*ddb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *ddb.UpdateItemInput, optFns ...func(*ddb.Options)) (*ddb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *ddb.DeleteItemInput, optFns ...func(*ddb.Options)) (*ddb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *ddb.ScanInput, optFns ...func(*ddb.Options)) (*ddb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *ddb.TransactWriteItemsInput, optFns ...func(*ddb.Options)) (*ddb.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, in *ddb.CreateTableInput, optFns ...func(*ddb.Options)) (*ddb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, in *ddb.DescribeTableInput, optFns ...func(*ddb.Options)) (*ddb.DescribeTableOutput, error)
	UpdateTable(ctx context.Context, in *ddb.UpdateTableInput, optFns ...func(*ddb.Options)) (*ddb.UpdateTableOutput, error)
}

var _ API = (*ddb.Client)(nil)

// Connection is the link to a DynamoDB endpoint. The client URL has the
// form dynamodb://[host[:port]][?region=...&tls=true]; an empty host uses
// the default AWS endpoint resolution.
type Connection struct {
	url string

	mu        sync.RWMutex
	client    API
	connected bool
}

// Connect implements dialect.Connection. Without an injected client, one is
// built from the default AWS configuration chain.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		client, err := newClient(ctx, c.url)
		if err != nil {
			return err
		}
		c.client = client
	}
	c.connected = true
	return nil
}

func newClient(ctx context.Context, raw string) (*ddb.Client, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: parse client url: %w", err)
	}
	var opts []func(*config.LoadOptions) error
	if region := u.Query().Get("region"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if profile := u.Query().Get("profile"); profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: load aws config: %w", err)
	}
	return ddb.NewFromConfig(cfg, func(o *ddb.Options) {
		if u.Host == "" {
			return
		}
		scheme := "http"
		if u.Query().Get("tls") == "true" {
			scheme = "https"
		}
		o.BaseEndpoint = aws.String(scheme + "://" + u.Host)
	}), nil
}

// IsConnected implements dialect.Connection.
func (c *Connection) IsConnected(context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close implements dialect.Connection.
func (c *Connection) Close(context.Context, bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// ClientURL implements dialect.Connection.
func (c *Connection) ClientURL() string { return c.url }

func (c *Connection) api() (API, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, errors.New("dynamodb: not connected")
	}
	return c.client, nil
}

// Driver is a dialect.Driver for Amazon DynamoDB. Every collection is a
// table keyed by its primary key field.
type Driver struct {
	*dialect.Base
	conn     *Connection
	prefix   string
	seqTable string
	wait     time.Duration
	logger   *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithClient uses an existing client instead of building one on Connect.
func WithClient(api API) Option {
	return func(d *Driver) { d.conn.client = api }
}

// WithTablePrefix prefixes every table name.
func WithTablePrefix(prefix string) Option {
	return func(d *Driver) { d.prefix = prefix }
}

// WithSequenceTable sets the table holding integer key counters.
func WithSequenceTable(name string) Option {
	return func(d *Driver) { d.seqTable = name }
}

// WithTableWait sets how long EnsureIndexes waits for created tables to
// become active. Zero disables waiting.
func WithTableWait(d time.Duration) Option {
	return func(drv *Driver) { drv.wait = d }
}

// WithLogger sets the logger used for table maintenance messages.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// New returns a Driver for the client URL.
func New(clientURL string, opts ...Option) *Driver {
	if clientURL == "" {
		clientURL = "dynamodb://"
	}
	conn := &Connection{url: clientURL}
	d := &Driver{
		Base:     dialect.NewBase(dialect.DynamoDB, Platform{}, conn),
		conn:     conn,
		seqTable: "orbit_sequences",
		wait:     2 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) table(meta *schema.EntityMetadata) string { return d.prefix + meta.Collection }

// key returns the item key and the identity key of a native primary key.
func (d *Driver) key(meta *schema.EntityMetadata, id any) (map[string]types.AttributeValue, string, error) {
	pk := meta.PK()
	v := d.NormalizeID(pk, id)
	av, err := attributevalue.Marshal(d.Platform().DenormalizePrimaryKey(v))
	if err != nil {
		return nil, "", err
	}
	return map[string]types.AttributeValue{pk.FieldName: av}, v.Key(), nil
}

func (d *Driver) conflict(op, entity, msg string, args ...any) error {
	return &orbit.DriverError{
		Driver:     d.Name(),
		Op:         op,
		Entity:     entity,
		Constraint: orbit.UniqueConstraint,
		Err:        fmt.Errorf(msg, args...),
	}
}

func (d *Driver) tx(tx dialect.Tx) (*Tx, error) {
	if tx == nil {
		return nil, nil
	}
	t, ok := dialect.UnwrapTx(tx).(*Tx)
	if !ok || t.d != d {
		return nil, fmt.Errorf("dynamodb: unexpected transaction %T", tx)
	}
	return t, nil
}

// Begin implements dialect.Driver. Writes are buffered until Commit.
func (d *Driver) Begin(ctx context.Context) (dialect.Tx, error) {
	if _, err := d.conn.api(); err != nil {
		return nil, err
	}
	return &Tx{ctx: ctx, d: d, ops: map[string]*op{}}, nil
}

func decode(item map[string]types.AttributeValue) (dialect.Document, error) {
	doc := dialect.Document{}
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// get reads one item, seeing the pending writes of t. It returns nil when
// the item does not exist.
func (d *Driver) get(ctx context.Context, meta *schema.EntityMetadata, id any, t *Tx) (dialect.Document, error) {
	key, k, err := d.key(meta, id)
	if err != nil {
		return nil, err
	}
	if t != nil {
		if o, ok := t.pending(d.table(meta), k); ok {
			if o.doc == nil {
				return nil, nil
			}
			return document.CloneDoc(o.doc), nil
		}
	}
	api, err := d.conn.api()
	if err != nil {
		return nil, err
	}
	out, err := api.GetItem(ctx, &ddb.GetItemInput{
		TableName:      aws.String(d.table(meta)),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decode(out.Item)
}

// scan reads every item of the collection, seeing the pending writes of t,
// ordered by primary key.
func (d *Driver) scan(ctx context.Context, meta *schema.EntityMetadata, t *Tx) ([]dialect.Document, error) {
	api, err := d.conn.api()
	if err != nil {
		return nil, err
	}
	pk := meta.PK()
	table := d.table(meta)
	var docs []dialect.Document
	seen := map[string]bool{}
	p := ddb.NewScanPaginator(api, &ddb.ScanInput{TableName: aws.String(table), ConsistentRead: aws.Bool(true)})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			doc, err := decode(item)
			if err != nil {
				return nil, err
			}
			k := d.NormalizeID(pk, doc[pk.FieldName]).Key()
			if t != nil {
				if o, ok := t.pending(table, k); ok {
					seen[k] = true
					if o.doc == nil {
						continue
					}
					doc = document.CloneDoc(o.doc)
				}
			}
			docs = append(docs, doc)
		}
	}
	if t != nil {
		for _, doc := range t.created(table) {
			if k := d.NormalizeID(pk, doc[pk.FieldName]).Key(); !seen[k] {
				docs = append(docs, document.CloneDoc(doc))
			}
		}
	}
	document.Sort(docs, []string{pk.FieldName}, []bool{false})
	return docs, nil
}

// pkLookup returns the primary keys named by an $eq or $in condition on the
// primary key field.
func pkLookup(pk *schema.Property, conds []dialect.Cond) ([]any, bool) {
	for _, c := range conds {
		if c.Field != pk.FieldName || c.Value == nil {
			continue
		}
		switch c.Op {
		case dialect.OpEq:
			return []any{c.Value}, true
		case dialect.OpIn:
			list, _ := c.Value.([]any)
			return list, true
		}
	}
	return nil, false
}

// collect returns the documents matching conds. Primary key lookups use
// GetItem; anything else scans the table.
func (d *Driver) collect(ctx context.Context, meta *schema.EntityMetadata, conds []dialect.Cond, t *Tx) ([]dialect.Document, error) {
	var docs []dialect.Document
	if ids, ok := pkLookup(meta.PK(), conds); ok {
		seen := map[string]bool{}
		for _, id := range ids {
			k := d.NormalizeID(meta.PK(), id).Key()
			if seen[k] {
				continue
			}
			seen[k] = true
			doc, err := d.get(ctx, meta, id, t)
			if err != nil {
				return nil, err
			}
			if doc != nil {
				docs = append(docs, doc)
			}
		}
		document.Sort(docs, []string{meta.PK().FieldName}, []bool{false})
	} else {
		var err error
		if docs, err = d.scan(ctx, meta, t); err != nil {
			return nil, err
		}
	}
	out := docs[:0]
	for _, doc := range docs {
		ok, err := document.Match(doc, conds)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Find implements dialect.Driver. Without an order the documents are
// returned by primary key. Pessimistic locks are not supported.
func (d *Driver) Find(ctx context.Context, entity string, where dialect.Where, opts dialect.FindOptions, tx dialect.Tx) ([]dialect.Row, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return nil, err
	}
	if opts.Lock.Pessimistic() {
		return nil, d.Unsupported("Pessimistic locks")
	}
	conds, err := d.Conditions(meta, where)
	if err != nil {
		return nil, err
	}
	fields := make([]string, len(opts.OrderBy))
	desc := make([]bool, len(opts.OrderBy))
	for i, o := range opts.OrderBy {
		p, ok := meta.Property(o.Property)
		if !ok || !p.Persisted(false) {
			return nil, orbit.ValidationErrorf(entity, o.Property, "cannot order by this property")
		}
		fields[i], desc[i] = p.FieldName, o.Desc
	}
	t, err := d.tx(tx)
	if err != nil {
		return nil, err
	}
	docs, err := d.collect(ctx, meta, conds, t)
	if err != nil {
		return nil, d.Wrap("find", entity, err)
	}
	if len(fields) > 0 {
		document.Sort(docs, fields, desc)
	}
	docs = page(docs, opts.Offset, opts.Limit)
	rows := make([]dialect.Row, 0, len(docs))
	for _, doc := range docs {
		row, err := d.MapResult(meta, doc)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func page(docs []dialect.Document, offset, limit int) []dialect.Document {
	if offset > 0 {
		if offset >= len(docs) {
			return nil
		}
		docs = docs[offset:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// FindOne implements dialect.Driver.
func (d *Driver) FindOne(ctx context.Context, entity string, where dialect.Where, opts dialect.FindOptions, tx dialect.Tx) (dialect.Row, error) {
	opts.Limit = 1
	rows, err := d.Find(ctx, entity, where, opts, tx)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Count implements dialect.Driver.
func (d *Driver) Count(ctx context.Context, entity string, where dialect.Where, tx dialect.Tx) (int64, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return 0, err
	}
	conds, err := d.Conditions(meta, where)
	if err != nil {
		return 0, err
	}
	t, err := d.tx(tx)
	if err != nil {
		return 0, err
	}
	docs, err := d.collect(ctx, meta, conds, t)
	if err != nil {
		return 0, d.Wrap("count", entity, err)
	}
	return int64(len(docs)), nil
}

// generate returns a new native primary key: the next value of the
// collection counter for integer keys and a random uuid otherwise.
func (d *Driver) generate(ctx context.Context, meta *schema.EntityMetadata) (any, error) {
	if meta.PK().Type != schema.TypeInt {
		return uuid.NewString(), nil
	}
	api, err := d.conn.api()
	if err != nil {
		return nil, err
	}
	out, err := api.UpdateItem(ctx, &ddb.UpdateItemInput{
		TableName:                 aws.String(d.seqTable),
		Key:                       map[string]types.AttributeValue{"name": &types.AttributeValueMemberS{Value: meta.Collection}},
		UpdateExpression:          aws.String("ADD #v :one"),
		ExpressionAttributeNames:  map[string]string{"#v": "value"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": &types.AttributeValueMemberN{Value: "1"}},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return nil, err
	}
	var n int64
	if err := attributevalue.Unmarshal(out.Attributes["value"], &n); err != nil {
		return nil, err
	}
	return n, nil
}

// NativeInsert implements dialect.Driver. Missing primary keys are
// generated. Inside a transaction the item is written on Commit.
func (d *Driver) NativeInsert(ctx context.Context, entity string, data dialect.Row, tx dialect.Tx) (dialect.QueryResult, error) {
	res := dialect.QueryResult{InsertID: value.Null()}
	meta, err := d.Entity(entity)
	if err != nil {
		return res, err
	}
	fields, err := d.Fields(meta, data)
	if err != nil {
		return res, err
	}
	t, err := d.tx(tx)
	if err != nil {
		return res, err
	}
	pk := meta.PK()
	id := fields[pk.FieldName]
	generated := id == nil
	if generated {
		if id, err = d.generate(ctx, meta); err != nil {
			return res, d.Wrap("insert", entity, err)
		}
		fields[pk.FieldName] = id
	}
	doc := document.Clone(fields).(map[string]any)
	key, k, err := d.key(meta, id)
	if err != nil {
		return res, d.Wrap("insert", entity, err)
	}
	if t != nil {
		if err := t.insert(ctx, meta, key, k, doc); err != nil {
			return res, err
		}
	} else {
		api, err := d.conn.api()
		if err != nil {
			return res, err
		}
		item, err := attributevalue.MarshalMap(doc)
		if err != nil {
			return res, d.Wrap("insert", entity, err)
		}
		e := newExpr()
		cond := e.absent(pk.FieldName)
		_, err = api.PutItem(ctx, &ddb.PutItemInput{
			TableName:                aws.String(d.table(meta)),
			Item:                     item,
			ConditionExpression:      aws.String(cond),
			ExpressionAttributeNames: e.attrNames(),
		})
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return res, d.conflict("insert", entity, "duplicate primary key %v", id)
		}
		if err != nil {
			return res, d.Wrap("insert", entity, err)
		}
	}
	if generated {
		res.InsertID = d.NormalizeID(pk, id)
	}
	res.AffectedRows = 1
	return res, nil
}

// NativeUpdate implements dialect.Driver. Each matching item is updated
// with a condition repeating the comparisons of where, so a concurrent
// change of a compared field, such as a version, leaves it untouched and
// uncounted.
func (d *Driver) NativeUpdate(ctx context.Context, entity string, where dialect.Where, data dialect.Row, tx dialect.Tx) (dialect.QueryResult, error) {
	res := dialect.QueryResult{InsertID: value.Null()}
	meta, err := d.Entity(entity)
	if err != nil {
		return res, err
	}
	fields, err := d.Fields(meta, data)
	if err != nil {
		return res, err
	}
	if len(fields) == 0 {
		return res, orbit.ValidationErrorf(entity, "", "nothing to update")
	}
	pk := meta.PK()
	if _, ok := fields[pk.FieldName]; ok {
		return res, orbit.ValidationErrorf(entity, meta.PrimaryKey, "primary key cannot be updated")
	}
	conds, err := d.Conditions(meta, where)
	if err != nil {
		return res, err
	}
	t, err := d.tx(tx)
	if err != nil {
		return res, err
	}
	docs, err := d.collect(ctx, meta, conds, t)
	if err != nil {
		return res, d.Wrap("update", entity, err)
	}
	for _, doc := range docs {
		key, k, err := d.key(meta, doc[pk.FieldName])
		if err != nil {
			return res, d.Wrap("update", entity, err)
		}
		if t != nil {
			t.update(meta, key, k, doc, fields, conds)
			res.AffectedRows++
			continue
		}
		ok, err := d.updateItem(ctx, meta, key, fields, conds)
		if err != nil {
			return res, d.Wrap("update", entity, err)
		}
		if ok {
			res.AffectedRows++
		}
	}
	return res, nil
}

// updateItem reports false when the condition no longer holds.
func (d *Driver) updateItem(ctx context.Context, meta *schema.EntityMetadata, key map[string]types.AttributeValue, fields map[string]any, conds []dialect.Cond) (bool, error) {
	api, err := d.conn.api()
	if err != nil {
		return false, err
	}
	e := newExpr()
	update, err := e.set(fields)
	if err != nil {
		return false, err
	}
	cond, err := e.guard(meta.PK().FieldName, conds)
	if err != nil {
		return false, err
	}
	_, err = api.UpdateItem(ctx, &ddb.UpdateItemInput{
		TableName:                 aws.String(d.table(meta)),
		Key:                       key,
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  e.attrNames(),
		ExpressionAttributeValues: e.attrValues(),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	return err == nil, err
}

// NativeDelete implements dialect.Driver.
func (d *Driver) NativeDelete(ctx context.Context, entity string, where dialect.Where, tx dialect.Tx) (dialect.QueryResult, error) {
	res := dialect.QueryResult{InsertID: value.Null()}
	meta, err := d.Entity(entity)
	if err != nil {
		return res, err
	}
	conds, err := d.Conditions(meta, where)
	if err != nil {
		return res, err
	}
	t, err := d.tx(tx)
	if err != nil {
		return res, err
	}
	docs, err := d.collect(ctx, meta, conds, t)
	if err != nil {
		return res, d.Wrap("delete", entity, err)
	}
	pk := meta.PK()
	for _, doc := range docs {
		key, k, err := d.key(meta, doc[pk.FieldName])
		if err != nil {
			return res, d.Wrap("delete", entity, err)
		}
		if t != nil {
			t.remove(meta, key, k, conds)
			res.AffectedRows++
			continue
		}
		api, err := d.conn.api()
		if err != nil {
			return res, err
		}
		e := newExpr()
		cond, err := e.guard(pk.FieldName, conds)
		if err != nil {
			return res, d.Wrap("delete", entity, err)
		}
		_, err = api.DeleteItem(ctx, &ddb.DeleteItemInput{
			TableName:                 aws.String(d.table(meta)),
			Key:                       key,
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  e.attrNames(),
			ExpressionAttributeValues: e.attrValues(),
		})
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			continue
		}
		if err != nil {
			return res, d.Wrap("delete", entity, err)
		}
		res.AffectedRows++
	}
	return res, nil
}

// collection returns the many-to-many property and, for inverse sides, the
// owning property on the target.
func (d *Driver) collection(meta *schema.EntityMetadata, property string) (*schema.Property, *schema.Property, error) {
	p, ok := meta.Property(property)
	if !ok {
		return nil, nil, orbit.ValidationErrorf(meta.Name, property, "unknown property")
	}
	if p.Kind != schema.M2M {
		return nil, nil, orbit.ValidationErrorf(meta.Name, property, "not a many-to-many property")
	}
	if p.Owner() {
		return p, nil, nil
	}
	target, err := d.Entity(p.Target)
	if err != nil {
		return nil, nil, err
	}
	owner, ok := target.Property(p.MappedBy)
	if !ok {
		return nil, nil, orbit.ValidationErrorf(meta.Name, property, "missing owning side %s.%s", p.Target, p.MappedBy)
	}
	return p, owner, nil
}

// LoadCollection implements dialect.Driver. Owning sides read the id list
// of each owner item; inverse sides scan the target table for lists
// containing the owner.
func (d *Driver) LoadCollection(ctx context.Context, entity, property string, owners []value.Value, tx dialect.Tx) (map[string][]value.Value, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return nil, err
	}
	p, owning, err := d.collection(meta, property)
	if err != nil {
		return nil, err
	}
	target, err := d.Entity(p.Target)
	if err != nil {
		return nil, err
	}
	t, err := d.tx(tx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]value.Value, len(owners))
	ids := make(map[string]value.Value, len(owners))
	for _, o := range owners {
		r, ok := o.Resolve()
		if !ok {
			return nil, orbit.ValidationErrorf(entity, property, "owner without primary key")
		}
		ids[r.Key()] = r
	}
	if len(ids) == 0 {
		return out, nil
	}
	if owning == nil {
		for k, id := range ids {
			doc, err := d.get(ctx, meta, d.Platform().DenormalizePrimaryKey(id), t)
			if err != nil {
				return nil, d.Wrap("loadCollection", entity, err)
			}
			if doc == nil {
				continue
			}
			list, _ := doc[p.FieldName].([]any)
			for _, member := range list {
				out[k] = append(out[k], d.NormalizeID(target.PK(), member))
			}
		}
		return out, nil
	}
	docs, err := d.scan(ctx, target, t)
	if err != nil {
		return nil, d.Wrap("loadCollection", entity, err)
	}
	for _, doc := range docs {
		list, _ := doc[owning.FieldName].([]any)
		member := d.NormalizeID(target.PK(), doc[target.PK().FieldName])
		for _, o := range list {
			k := d.NormalizeID(meta.PK(), o).Key()
			if _, ok := ids[k]; ok {
				out[k] = append(out[k], member)
			}
		}
	}
	return out, nil
}

// SyncCollection implements dialect.Driver by rewriting the id list of the
// owner item.
func (d *Driver) SyncCollection(ctx context.Context, entity, property string, owner value.Value, added, removed []value.Value, tx dialect.Tx) error {
	meta, err := d.Entity(entity)
	if err != nil {
		return err
	}
	p, owning, err := d.collection(meta, property)
	if err != nil {
		return err
	}
	if owning != nil {
		return orbit.ValidationErrorf(entity, property, "only owning many-to-many sides are stored")
	}
	oid, err := d.Native(meta.PK(), owner)
	if err != nil {
		return err
	}
	add, err := d.Native(p, value.List(added...))
	if err != nil {
		return err
	}
	target, err := d.Entity(p.Target)
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(removed))
	for _, r := range removed {
		if rv, ok := r.Resolve(); ok {
			drop[rv.Key()] = true
		}
	}
	t, err := d.tx(tx)
	if err != nil {
		return err
	}
	doc, err := d.get(ctx, meta, oid, t)
	if err != nil {
		return d.Wrap("syncCollection", entity, err)
	}
	if doc == nil {
		return orbit.NewNotFoundError(entity, owner.Interface())
	}
	cur, _ := doc[p.FieldName].([]any)
	seen := make(map[string]bool, len(cur))
	list := make([]any, 0, len(cur))
	for _, m := range cur {
		k := d.NormalizeID(target.PK(), m).Key()
		if drop[k] || seen[k] {
			continue
		}
		seen[k] = true
		list = append(list, d.Platform().DenormalizePrimaryKey(d.NormalizeID(target.PK(), m)))
	}
	addList, _ := add.([]any)
	for _, m := range addList {
		if k := d.NormalizeID(target.PK(), m).Key(); !seen[k] {
			seen[k] = true
			list = append(list, m)
		}
	}
	key, k, err := d.key(meta, oid)
	if err != nil {
		return d.Wrap("syncCollection", entity, err)
	}
	fields := map[string]any{p.FieldName: list}
	if t != nil {
		t.update(meta, key, k, doc, fields, nil)
		return nil
	}
	ok, err := d.updateItem(ctx, meta, key, fields, nil)
	if err != nil {
		return d.Wrap("syncCollection", entity, err)
	}
	if !ok {
		return orbit.NewNotFoundError(entity, owner.Interface())
	}
	return nil
}

var _ dialect.Driver = (*Driver)(nil)
