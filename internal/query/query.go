// Package query evaluates RPC criterion filters against resource
// structs by reflecting over their `json` tags, so a single predicate
// language works uniformly across every rpctypes resource without each
// one hand-writing its own filter logic.
package query

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Op is a criterion comparison operator.
type Op string

const (
	OpEq     Op = "=="
	OpNe     Op = "!="
	OpGt     Op = ">"
	OpGe     Op = ">="
	OpLt     Op = "<"
	OpLe     Op = "<="
	OpLike   Op = "like"
	OpILike  Op = "ilike"
	OpIn     Op = "in"
	OpNotIn  Op = "!in"
	OpHas    Op = "has"
	OpNotHas Op = "!has"
)

// Criterion is one {field, op, value} predicate from an RPC query.
type Criterion struct {
	Field string      `json:"field"`
	Op    Op          `json:"op"`
	Value interface{} `json:"value"`
}

// Match reports whether resource satisfies every criterion (an empty
// list always matches).
func Match(resource interface{}, criteria []Criterion) (bool, error) {
	for _, c := range criteria {
		ok, err := c.match(resource)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c Criterion) match(resource interface{}) (bool, error) {
	field, ok := fieldByJSONTag(reflect.ValueOf(resource), c.Field)
	if !ok {
		return false, fmt.Errorf("query: unknown field %q", c.Field)
	}

	switch c.Op {
	case OpHas, OpNotHas:
		has := sliceContains(field, c.Value)
		if c.Op == OpNotHas {
			return !has, nil
		}
		return has, nil
	case OpIn, OpNotIn:
		values, ok := c.Value.([]interface{})
		if !ok {
			return false, fmt.Errorf("query: %s requires a list value", c.Op)
		}
		in := false
		for _, v := range values {
			if equalValue(field, v) {
				in = true
				break
			}
		}
		if c.Op == OpNotIn {
			return !in, nil
		}
		return in, nil
	case OpLike, OpILike:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("query: %s requires a string value", c.Op)
		}
		fv := fmt.Sprintf("%v", field.Interface())
		if c.Op == OpILike {
			pattern, fv = strings.ToLower(pattern), strings.ToLower(fv)
		}
		return matchLike(pattern, fv)
	case OpEq:
		return equalValue(field, c.Value), nil
	case OpNe:
		return !equalValue(field, c.Value), nil
	case OpGt, OpGe, OpLt, OpLe:
		return compareOrdered(field, c.Value, c.Op)
	default:
		return false, fmt.Errorf("query: unknown operator %q", c.Op)
	}
}

// fieldByJSONTag finds the struct field of v whose `json` tag name
// (ignoring options like omitempty) matches name.
func fieldByJSONTag(v reflect.Value, name string) (reflect.Value, bool) {
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "" {
			continue
		}
		if idx := strings.IndexByte(tag, ','); idx >= 0 {
			tag = tag[:idx]
		}
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// matchLike applies a SQL-style pattern ("%" = any run of characters,
// "_" = any single character) against s.
func matchLike(pattern, s string) (bool, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `%`, `.*`)
	escaped = strings.ReplaceAll(escaped, `_`, `.`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

func equalValue(field reflect.Value, value interface{}) bool {
	return fmt.Sprintf("%v", field.Interface()) == fmt.Sprintf("%v", value)
}

func sliceContains(field reflect.Value, value interface{}) bool {
	if field.Kind() != reflect.Slice && field.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < field.Len(); i++ {
		if equalValue(field.Index(i), value) {
			return true
		}
	}
	return false
}

func compareOrdered(field reflect.Value, value interface{}, op Op) (bool, error) {
	a, err := toFloat(field)
	if err != nil {
		return false, err
	}
	b, err := toFloat(reflect.ValueOf(value))
	if err != nil {
		return false, err
	}
	switch op {
	case OpGt:
		return a > b, nil
	case OpGe:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	case OpLe:
		return a <= b, nil
	}
	return false, fmt.Errorf("query: %s is not an ordering operator", op)
}

func toFloat(v reflect.Value) (float64, error) {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.String:
		return strconv.ParseFloat(v.String(), 64)
	default:
		return 0, fmt.Errorf("query: cannot compare value of kind %s", v.Kind())
	}
}
