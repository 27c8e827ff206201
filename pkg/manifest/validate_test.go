package manifest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasIssue(issues []string, fragment string) bool {
	for _, issue := range issues {
		if strings.Contains(issue, fragment) {
			return true
		}
	}
	return false
}

func TestValidateReportsStructuralIssues(t *testing.T) {
	m := &Manifest{
		Name:    "bad",
		Version: "one",
		Tools: []Tool{
			{Name: "dup", Command: "echo"},
			{Name: "dup", Command: "echo", Slop: "http://example.com"},
			{Name: "bridge", Bridge: "grpc"},
		},
		Flows: []Flow{{
			Name:  "f",
			Nodes: []FlowNode{{Name: "a", Type: "manual-trigger"}, {Name: "a", Type: "manual-trigger"}},
			Edges: []FlowEdge{{StartNodeName: "a", EndNodeName: "ghost", Condition: "roughly"}},
		}},
	}

	issues := Validate(m)
	assert.True(t, hasIssue(issues, "not a semantic version"))
	assert.True(t, hasIssue(issues, "duplicate tool name"))
	assert.True(t, hasIssue(issues, "mutually exclusive"))
	assert.True(t, hasIssue(issues, `unknown bridge "grpc"`))
	assert.True(t, hasIssue(issues, `duplicate node name "a"`))
	assert.True(t, hasIssue(issues, `unknown end node "ghost"`))
	assert.True(t, hasIssue(issues, `unknown condition "roughly"`))
}

func TestValidateCleanManifest(t *testing.T) {
	m := &Manifest{
		Name:    "ok",
		Version: "1.0.0",
		Tools:   []Tool{{Name: "a", Command: "echo a"}, {Name: "b", Slop: "http://example.com"}},
	}
	assert.Empty(t, Validate(m))
}

func TestSchemaRequiresCoreFields(t *testing.T) {
	data, err := SchemaJSON()
	require.NoError(t, err)

	var doc struct {
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.ElementsMatch(t, []string{"name", "version", "tools"}, doc.Required)
}

func TestValidateSchema(t *testing.T) {
	assert.Empty(t, ValidateSchema([]byte(`{"name":"ok","version":"1.0.0","tools":[{"name":"a"}],"extends":{"x":"y.json"}}`)))
	assert.NotEmpty(t, ValidateSchema([]byte(`{"name":"missing-tools","version":"1.0.0"}`)))
	assert.NotEmpty(t, ValidateSchema([]byte(`{"name":"bad-extends","version":"1.0.0","tools":[],"extends":{"x":1}}`)))
}
