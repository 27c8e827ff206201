package flow

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/spf13/cast"
)

// resolve substitutes a {{node.prop}} template with the referenced output.
// Non-templates and unresolvable templates are returned unchanged.
func resolve(value any, outputs map[string]any) any {
	text, ok := value.(string)
	if !ok {
		return value
	}
	path, ok := ParseTemplate(text)
	if !ok {
		return value
	}
	resolved, ok := path.Lookup(outputs)
	if !ok {
		slog.Warn("flow template did not resolve, using literal", "template", text)
		return text
	}
	return resolved
}

// Evaluate reports whether edge should be followed given the outputs so
// far. An edge without a condition always matches.
func Evaluate(edge manifest.FlowEdge, outputs map[string]any) bool {
	if edge.Condition == "" {
		return true
	}
	left := resolve(edge.If, outputs)
	right := resolve(edge.Value, outputs)

	switch edge.Condition {
	case "equals":
		return equal(left, right)
	case "not_equals":
		return !equal(left, right)
	case "greater_than", "less_than", "greater_than_or_equal", "less_than_or_equal":
		a, aok := number(left)
		b, bok := number(right)
		if !aok || !bok {
			slog.Warn("flow condition needs numbers", "condition", edge.Condition, "if", left, "value", right)
			return false
		}
		switch edge.Condition {
		case "greater_than":
			return a > b
		case "less_than":
			return a < b
		case "greater_than_or_equal":
			return a >= b
		default:
			return a <= b
		}
	case "contains":
		return contains(left, right)
	case "true":
		return truthy(left)
	case "false":
		return !truthy(left)
	default:
		slog.Warn("unknown flow condition", "condition", edge.Condition, "edge", edge.Name)
		return false
	}
}

func number(value any) (float64, bool) {
	switch value.(type) {
	case nil, bool:
		return 0, false
	}
	n, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

func equal(left, right any) bool {
	if a, ok := number(left); ok {
		if b, ok := number(right); ok {
			return a == b
		}
	}
	return stringify(left) == stringify(right)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[stringify(needle)]
		return ok
	}
	return strings.Contains(stringify(haystack), stringify(needle))
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
		return v != ""
	}
	if n, ok := number(value); ok {
		return n != 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		return rv.Len() > 0
	}
	return true
}

func stringify(value any) string {
	if value == nil {
		return ""
	}
	if s, err := cast.ToStringE(value); err == nil {
		return s
	}
	return fmt.Sprint(value)
}
