package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/dialect/document"
)

// aggregate runs a pipeline of stages over docs. Supported stages are
// $match, $group, $sort, $skip, $limit, $count and $project.
func aggregate(docs []dialect.Document, pipeline []dialect.Document) ([]dialect.Document, error) {
	for i, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("pipeline stage %d must have exactly one operator", i)
		}
		for op, arg := range stage {
			var err error
			if docs, err = runStage(op, arg, docs); err != nil {
				return nil, fmt.Errorf("pipeline stage %d (%s): %w", i, op, err)
			}
		}
	}
	if docs == nil {
		docs = []dialect.Document{}
	}
	return docs, nil
}

func runStage(op string, arg any, docs []dialect.Document) ([]dialect.Document, error) {
	switch op {
	case "$match":
		filter, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expects a document")
		}
		conds, err := document.Conditions(filter)
		if err != nil {
			return nil, err
		}
		var out []dialect.Document
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
	case "$group":
		spec, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expects a document")
		}
		return group(spec, docs)
	case "$sort":
		spec, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expects a document")
		}
		fields := make([]string, 0, len(spec))
		for f := range spec {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		desc := make([]bool, len(fields))
		for i, f := range fields {
			n, ok := number(spec[f])
			if !ok || (n != 1 && n != -1) {
				return nil, fmt.Errorf("sort direction of %s must be 1 or -1", f)
			}
			desc[i] = n < 0
		}
		document.Sort(docs, fields, desc)
		return docs, nil
	case "$skip", "$limit":
		n, ok := number(arg)
		if !ok || n < 0 {
			return nil, fmt.Errorf("expects a non-negative number")
		}
		if op == "$skip" {
			return page(docs, int(n), 0), nil
		}
		if n == 0 {
			return nil, nil
		}
		return page(docs, 0, int(n)), nil
	case "$count":
		field, ok := arg.(string)
		if !ok || field == "" {
			return nil, fmt.Errorf("expects a field name")
		}
		return []dialect.Document{{field: int64(len(docs))}}, nil
	case "$project":
		spec, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expects a document")
		}
		return project(spec, docs)
	}
	return nil, fmt.Errorf("unsupported stage")
}

func number(v any) (float64, bool) {
	f, ok := document.Normalize(v).(float64)
	return f, ok
}

// expr evaluates a "$field" path or returns a literal.
func expr(doc dialect.Document, e any) any {
	if s, ok := e.(string); ok && strings.HasPrefix(s, "$") {
		v, _ := document.Lookup(doc, s[1:])
		return v
	}
	return e
}

type accumulator struct {
	field string
	op    string
	arg   any
}

func group(spec map[string]any, docs []dialect.Document) ([]dialect.Document, error) {
	id, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("_id is required")
	}
	var accs []accumulator
	for field, v := range spec {
		if field == "_id" {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok || len(m) != 1 {
			return nil, fmt.Errorf("accumulator %s must have exactly one operator", field)
		}
		for op, arg := range m {
			switch op {
			case "$sum", "$avg", "$min", "$max", "$push", "$first", "$last":
			default:
				return nil, fmt.Errorf("unsupported accumulator %s", op)
			}
			accs = append(accs, accumulator{field: field, op: op, arg: arg})
		}
	}
	var (
		keys    []any
		members [][]dialect.Document
	)
	for _, doc := range docs {
		k := groupKey(doc, id)
		i := 0
		for ; i < len(keys); i++ {
			if document.Equal(keys[i], k) {
				break
			}
		}
		if i == len(keys) {
			keys = append(keys, k)
			members = append(members, nil)
		}
		members[i] = append(members[i], doc)
	}
	out := make([]dialect.Document, len(keys))
	for i, k := range keys {
		res := dialect.Document{"_id": k}
		for _, acc := range accs {
			res[acc.field] = accumulate(acc, members[i])
		}
		out[i] = res
	}
	return out, nil
}

// groupKey evaluates the group _id: null, a path, a literal or a document
// of paths.
func groupKey(doc dialect.Document, id any) any {
	if m, ok := id.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = expr(doc, e)
		}
		return out
	}
	return expr(doc, id)
}

func accumulate(acc accumulator, docs []dialect.Document) any {
	switch acc.op {
	case "$sum", "$avg":
		var (
			sum   float64
			n     int
			whole = true
		)
		for _, doc := range docs {
			f, ok := number(expr(doc, acc.arg))
			if !ok {
				continue
			}
			sum += f
			n++
			whole = whole && f == float64(int64(f))
		}
		if acc.op == "$avg" {
			if n == 0 {
				return nil
			}
			return sum / float64(n)
		}
		if whole {
			return int64(sum)
		}
		return sum
	case "$min", "$max":
		var best any
		for _, doc := range docs {
			v := expr(doc, acc.arg)
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			if r, ok := document.Compare(v, best); ok && ((acc.op == "$min" && r < 0) || (acc.op == "$max" && r > 0)) {
				best = v
			}
		}
		return best
	case "$push":
		out := make([]any, 0, len(docs))
		for _, doc := range docs {
			out = append(out, expr(doc, acc.arg))
		}
		return out
	case "$first":
		if len(docs) == 0 {
			return nil
		}
		return expr(docs[0], acc.arg)
	case "$last":
		if len(docs) == 0 {
			return nil
		}
		return expr(docs[len(docs)-1], acc.arg)
	}
	return nil
}

// project keeps included fields (1 or true), drops excluded ones (0 or
// false) and computes "$path" expressions. _id is kept unless excluded.
func project(spec map[string]any, docs []dialect.Document) ([]dialect.Document, error) {
	include := false
	for f, v := range spec {
		if f == "_id" {
			continue
		}
		if flag, ok := projectFlag(v); !ok || flag {
			include = true
		}
	}
	out := make([]dialect.Document, len(docs))
	for i, doc := range docs {
		if !include {
			res := document.CloneDoc(doc)
			for f, v := range spec {
				if flag, ok := projectFlag(v); ok && !flag {
					delete(res, f)
				}
			}
			out[i] = res
			continue
		}
		res := dialect.Document{}
		if flag, ok := projectFlag(spec["_id"]); !ok || flag {
			if v, ok := doc["_id"]; ok {
				res["_id"] = v
			}
		}
		for f, v := range spec {
			flag, isFlag := projectFlag(v)
			switch {
			case !isFlag:
				res[f] = expr(doc, v)
			case flag && f != "_id":
				if fv, ok := document.Lookup(doc, f); ok {
					res[f] = fv
				}
			}
		}
		out[i] = res
	}
	return out, nil
}

func projectFlag(v any) (bool, bool) {
	switch x := v.(type) {
	case nil:
		return true, false
	case bool:
		return x, true
	}
	if n, ok := number(v); ok {
		return n != 0, true
	}
	return false, false
}
