package dynamodb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/syssam/orbit/dialect"
)

// comparators maps the operators expressible in a condition expression.
var comparators = map[string]string{
	dialect.OpEq:  "=",
	dialect.OpGt:  ">",
	dialect.OpGte: ">=",
	dialect.OpLt:  "<",
	dialect.OpLte: "<=",
}

// expr accumulates the placeholders of one request.
type expr struct {
	names  map[string]string
	values map[string]types.AttributeValue
}

func newExpr() *expr {
	return &expr{names: map[string]string{}, values: map[string]types.AttributeValue{}}
}

func (e *expr) name(field string) string {
	for k, v := range e.names {
		if v == field {
			return k
		}
	}
	k := fmt.Sprintf("#n%d", len(e.names))
	e.names[k] = field
	return k
}

func (e *expr) value(v any) (string, error) {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return "", err
	}
	k := fmt.Sprintf(":v%d", len(e.values))
	e.values[k] = av
	return k, nil
}

// guard returns a condition requiring the item to exist and to satisfy the
// top-level scalar comparisons of conds. Other conditions were evaluated
// on the read that selected the item.
func (e *expr) guard(pkField string, conds []dialect.Cond) (string, error) {
	parts := []string{"attribute_exists(" + e.name(pkField) + ")"}
	for _, c := range conds {
		op, ok := comparators[c.Op]
		if !ok || c.Value == nil || c.Field == pkField || strings.Contains(c.Field, ".") {
			continue
		}
		v, err := e.value(c.Value)
		if err != nil {
			return "", err
		}
		parts = append(parts, e.name(c.Field)+" "+op+" "+v)
	}
	return strings.Join(parts, " AND "), nil
}

// absent returns a condition requiring the item not to exist.
func (e *expr) absent(pkField string) string {
	return "attribute_not_exists(" + e.name(pkField) + ")"
}

// set returns an update expression assigning fields.
func (e *expr) set(fields map[string]any) (string, error) {
	keys := make([]string, 0, len(fields))
	for f := range fields {
		keys = append(keys, f)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, f := range keys {
		v, err := e.value(fields[f])
		if err != nil {
			return "", err
		}
		parts = append(parts, e.name(f)+" = "+v)
	}
	return "SET " + strings.Join(parts, ", "), nil
}

func (e *expr) attrNames() map[string]string {
	if len(e.names) == 0 {
		return nil
	}
	return e.names
}

func (e *expr) attrValues() map[string]types.AttributeValue {
	if len(e.values) == 0 {
		return nil
	}
	return e.values
}
