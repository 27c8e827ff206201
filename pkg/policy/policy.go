package policy

import (
	"path"
	"strings"

	"github.com/edgeopslabs/blah/pkg/config"
	"github.com/edgeopslabs/blah/pkg/types"
)

type Decision int

const (
	Allow Decision = iota
	Deny
	Confirm
)

func (d Decision) String() string {
	switch d {
	case Deny:
		return "deny"
	case Confirm:
		return "confirm"
	default:
		return "allow"
	}
}

// Policy decides which resolved tools are exposed and callable.
//
// Source patterns match a tool's origin kind (declared, mcp, slop, source,
// flow, remote). Tool patterns are path.Match globs tried against the bare
// tool name and against "kind/name", so "slop/*" or "mcp/GIT_*" scope a
// rule to one backend. Deny rules win. Once any allow rule is set, tools
// matching none of them are denied. Safe mode also denies tools whose
// names suggest they mutate state.
type Policy struct {
	deny     rule
	allow    rule
	confirm  rule
	safeMode bool
}

type rule struct {
	sources []string
	tools   []string
}

func New(cfg config.PolicyConfig, safeMode bool) *Policy {
	return &Policy{
		deny:     rule{sources: cfg.DenySources, tools: cfg.DenyTools},
		allow:    rule{sources: cfg.AllowSources, tools: cfg.AllowTools},
		confirm:  rule{tools: cfg.ConfirmTools},
		safeMode: safeMode,
	}
}

// Evaluate decides for the tool named name produced by backend kind.
func (p *Policy) Evaluate(kind, name string) Decision {
	switch {
	case p == nil:
		return Allow
	case p.safeMode && mutating(name):
		return Deny
	case p.deny.matches(kind, name):
		return Deny
	case !p.allow.empty() && !p.allow.matches(kind, name):
		return Deny
	case p.confirm.matches(kind, name):
		return Confirm
	default:
		return Allow
	}
}

// EvaluateTool evaluates a resolved tool by its origin kind.
func (p *Policy) EvaluateTool(tool types.ResolvedTool) Decision {
	return p.Evaluate(string(tool.Origin.Kind), tool.Name)
}

// Filter drops denied tools, keeping order.
func (p *Policy) Filter(tools []types.ResolvedTool) []types.ResolvedTool {
	if p == nil {
		return tools
	}
	kept := make([]types.ResolvedTool, 0, len(tools))
	for _, tool := range tools {
		if p.EvaluateTool(tool) != Deny {
			kept = append(kept, tool)
		}
	}
	return kept
}

func (r rule) empty() bool {
	return len(r.sources) == 0 && len(r.tools) == 0
}

func (r rule) matches(kind, name string) bool {
	return glob(r.sources, kind) || glob(r.tools, name) || glob(r.tools, kind+"/"+name)
}

func glob(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if matched, _ := path.Match(pattern, value); matched {
			return true
		}
	}
	return false
}

var mutatingWords = []string{"delete", "remove", "drop", "write", "update", "create", "exec", "shell"}

func mutating(name string) bool {
	lower := strings.ToLower(name)
	for _, word := range mutatingWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
