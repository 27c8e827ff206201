package flow

import (
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`^\{\{\s*([^.{}\s]+)((?:\.[^.{}\s]+)*)\s*\}\}$`)

// Path is a parsed {{node}} or {{node.prop}} reference. Prop may be a
// dotted path into nested objects.
type Path struct {
	Node string
	Prop string
}

// ParseTemplate parses s as a node reference. ok is false when s is not a
// template, in which case it is a literal.
func ParseTemplate(s string) (Path, bool) {
	match := templatePattern.FindStringSubmatch(strings.TrimSpace(s))
	if match == nil {
		return Path{}, false
	}
	return Path{Node: match[1], Prop: strings.TrimPrefix(match[2], ".")}, true
}

// Lookup resolves the path against node outputs.
func (p Path) Lookup(outputs map[string]any) (any, bool) {
	value, ok := outputs[p.Node]
	if !ok {
		return nil, false
	}
	if p.Prop == "" {
		return value, true
	}
	for _, key := range strings.Split(p.Prop, ".") {
		object, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = object[key]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func (p Path) String() string {
	if p.Prop == "" {
		return "{{" + p.Node + "}}"
	}
	return "{{" + p.Node + "." + p.Prop + "}}"
}
