package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/schema"
)

// attributeType returns the key attribute type of a property.
func attributeType(t schema.FieldType) types.ScalarAttributeType {
	switch t {
	case schema.TypeInt, schema.TypeFloat:
		return types.ScalarAttributeTypeN
	case schema.TypeBytes:
		return types.ScalarAttributeTypeB
	}
	return types.ScalarAttributeTypeS
}

// EnsureIndexes implements dialect.Driver. It creates the missing tables
// and global secondary indexes of every entity, and the counter table when
// an entity has an integer primary key. Unique indexes become plain global
// secondary indexes; DynamoDB does not enforce them.
func (d *Driver) EnsureIndexes(ctx context.Context) error {
	reg := d.Metadata()
	if reg == nil {
		return errors.New("dynamodb: driver has no metadata")
	}
	api, err := d.conn.api()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	sequences := false
	for _, meta := range reg.All() {
		sequences = sequences || meta.PK().Type == schema.TypeInt
		g.Go(func() error {
			return d.ensureTable(ctx, api, meta)
		})
	}
	if sequences {
		g.Go(func() error {
			return d.createTable(ctx, api, &ddb.CreateTableInput{
				TableName: aws.String(d.seqTable),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("name"), KeyType: types.KeyTypeHash},
				},
				AttributeDefinitions: []types.AttributeDefinition{
					{AttributeName: aws.String("name"), AttributeType: types.ScalarAttributeTypeS},
				},
				BillingMode: types.BillingModePayPerRequest,
			})
		})
	}
	return g.Wait()
}

type gsi struct {
	name  string
	keys  []types.KeySchemaElement
	attrs []types.AttributeDefinition
}

func (d *Driver) indexes(meta *schema.EntityMetadata) ([]gsi, error) {
	var out []gsi
	for _, desc := range meta.Indexes {
		if len(desc.Properties) > 2 {
			return nil, orbit.ValidationErrorf(meta.Name, "", "index %s has more than two key properties", desc.Name)
		}
		idx := gsi{name: desc.Name}
		for i, name := range desc.Properties {
			p, ok := meta.Property(name)
			if !ok || !p.Persisted(false) || p.Kind == schema.M2M {
				return nil, orbit.ValidationErrorf(meta.Name, name, "cannot index this property")
			}
			kt := types.KeyTypeHash
			if i == 1 {
				kt = types.KeyTypeRange
			}
			t := p.Type
			if p.Kind != schema.Scalar {
				if target, ok := d.Metadata().Get(p.Target); ok {
					t = target.PK().Type
				}
			}
			idx.keys = append(idx.keys, types.KeySchemaElement{AttributeName: aws.String(p.FieldName), KeyType: kt})
			idx.attrs = append(idx.attrs, types.AttributeDefinition{AttributeName: aws.String(p.FieldName), AttributeType: attributeType(t)})
		}
		if desc.Unique {
			d.logger.Warn("unique index is not enforced",
				slog.String("table", d.table(meta)),
				slog.String("index", desc.Name),
			)
		}
		out = append(out, idx)
	}
	return out, nil
}

func (d *Driver) ensureTable(ctx context.Context, api API, meta *schema.EntityMetadata) error {
	indexes, err := d.indexes(meta)
	if err != nil {
		return err
	}
	table := d.table(meta)
	out, err := api.DescribeTable(ctx, &ddb.DescribeTableInput{TableName: aws.String(table)})
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		pk := meta.PK()
		in := &ddb.CreateTableInput{
			TableName: aws.String(table),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(pk.FieldName), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(pk.FieldName), AttributeType: attributeType(pk.Type)},
			},
			BillingMode: types.BillingModePayPerRequest,
		}
		defined := map[string]bool{pk.FieldName: true}
		for _, idx := range indexes {
			for _, a := range idx.attrs {
				if !defined[*a.AttributeName] {
					defined[*a.AttributeName] = true
					in.AttributeDefinitions = append(in.AttributeDefinitions, a)
				}
			}
			in.GlobalSecondaryIndexes = append(in.GlobalSecondaryIndexes, types.GlobalSecondaryIndex{
				IndexName:  aws.String(idx.name),
				KeySchema:  idx.keys,
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			})
		}
		return d.createTable(ctx, api, in)
	}
	if err != nil {
		return d.Wrap("ensureIndexes", meta.Name, err)
	}
	existing := map[string]bool{}
	if out.Table != nil {
		for _, g := range out.Table.GlobalSecondaryIndexes {
			existing[aws.ToString(g.IndexName)] = true
		}
	}
	// DynamoDB creates one global secondary index per UpdateTable call.
	for _, idx := range indexes {
		if existing[idx.name] {
			continue
		}
		_, err := api.UpdateTable(ctx, &ddb.UpdateTableInput{
			TableName:            aws.String(table),
			AttributeDefinitions: idx.attrs,
			GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{{
				Create: &types.CreateGlobalSecondaryIndexAction{
					IndexName:  aws.String(idx.name),
					KeySchema:  idx.keys,
					Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
				},
			}},
		})
		if err != nil {
			return d.Wrap("ensureIndexes", meta.Name, fmt.Errorf("create index %s: %w", idx.name, err))
		}
		d.logger.InfoContext(ctx, "index created", slog.String("table", table), slog.String("index", idx.name))
	}
	return nil
}

// createTable creates a table unless it exists and waits for it to become
// active.
func (d *Driver) createTable(ctx context.Context, api API, in *ddb.CreateTableInput) error {
	table := aws.ToString(in.TableName)
	_, err := api.CreateTable(ctx, in)
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	if err != nil {
		return d.Wrap("ensureIndexes", "", fmt.Errorf("create table %s: %w", table, err))
	}
	d.logger.InfoContext(ctx, "table created", slog.String("table", table), slog.Int("indexes", len(in.GlobalSecondaryIndexes)))
	if d.wait <= 0 {
		return nil
	}
	waiter := ddb.NewTableExistsWaiter(api)
	if err := waiter.Wait(ctx, &ddb.DescribeTableInput{TableName: in.TableName}, d.wait); err != nil {
		return d.Wrap("ensureIndexes", "", fmt.Errorf("wait for table %s: %w", table, err))
	}
	return nil
}
