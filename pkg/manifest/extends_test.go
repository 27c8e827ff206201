package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolNames(m *Manifest) []string {
	names := make([]string, 0, len(m.Tools))
	for _, tool := range m.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestMergeBaseToolWins(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "ext.json", `{"name":"ext","version":"1.0.0","tools":[{"name":"shared","description":"from extension"}]}`)
	base := writeManifest(t, dir, "base.json", `{"name":"base","version":"1.0.0","extends":{"ext":"./ext.json"},"tools":[{"name":"shared","description":"from base"}]}`)

	m := NewLoader().Resolve(context.Background(), FromLocation(base))
	require.Len(t, m.Tools, 1)
	assert.Equal(t, "from base", m.Tools[0].Description)
	assert.Empty(t, m.Tools[0].FromExtension)
	assert.Nil(t, m.Extends)
}

func TestMergeExtensionsAreAdditive(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "one.json", `{"name":"one","version":"1.0.0","tools":[{"name":"a1"},{"name":"a2"}]}`)
	writeManifest(t, dir, "two.json", `{"name":"two","version":"1.0.0","tools":[{"name":"b1"}]}`)
	base := writeManifest(t, dir, "base.json", `{"name":"base","version":"1.0.0","extends":{"first":"one.json","second":"two.json"},"tools":[{"name":"local"}]}`)

	m := NewLoader().Resolve(context.Background(), FromLocation(base))
	assert.Equal(t, []string{"local", "a1", "a2", "b1"}, toolNames(m))
	assert.Equal(t, "first", m.Tools[1].FromExtension)
	assert.Equal(t, "first", m.Tools[2].FromExtension)
	assert.Equal(t, "second", m.Tools[3].FromExtension)
}

func TestMergeEarlierExtensionWins(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "z.json", `{"name":"z","version":"1.0.0","tools":[{"name":"dup","description":"z"}]}`)
	writeManifest(t, dir, "a.json", `{"name":"a","version":"1.0.0","tools":[{"name":"dup","description":"a"}]}`)
	// Declaration order, not alphabetical order, decides.
	base := writeManifest(t, dir, "base.json", `{"name":"base","version":"1.0.0","extends":{"zeta":"z.json","alpha":"a.json"},"tools":[]}`)

	m := NewLoader().Resolve(context.Background(), FromLocation(base))
	require.Len(t, m.Tools, 1)
	assert.Equal(t, "z", m.Tools[0].Description)
	assert.Equal(t, "zeta", m.Tools[0].FromExtension)
}

func TestMergeCycleTerminates(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "b.json", `{"name":"b","version":"1.0.0","extends":{"a":"a.json"},"tools":[{"name":"from_b"}]}`)
	a := writeManifest(t, dir, "a.json", `{"name":"a","version":"1.0.0","extends":{"b":"b.json"},"tools":[{"name":"from_a"}]}`)

	m := NewLoader().Resolve(context.Background(), FromLocation(a))
	assert.Equal(t, []string{"from_a", "from_b"}, toolNames(m))
}

func TestMergeSelfReferenceTerminates(t *testing.T) {
	dir := t.TempDir()
	self := writeManifest(t, dir, "self.json", `{"name":"self","version":"1.0.0","extends":{"me":"self.json"},"tools":[{"name":"only"}]}`)

	m := NewLoader().Resolve(context.Background(), FromLocation(self))
	assert.Equal(t, []string{"only"}, toolNames(m))
}

func TestMergeEnvLocalWins(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "ext.json", `{"name":"ext","version":"1.0.0","env":{"A":"ext","B":"ext"},"tools":[]}`)
	base := writeManifest(t, dir, "base.json", `{"name":"base","version":"1.0.0","env":{"A":"local"},"extends":{"ext":"ext.json"},"tools":[]}`)

	m := NewLoader().Resolve(context.Background(), FromLocation(base))
	assert.Equal(t, map[string]string{"A": "local", "B": "ext"}, m.Env)
}

func TestMergeSkipsBrokenExtensions(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	writeManifest(t, dir, "bad.json", `{not json`)
	writeManifest(t, dir, "good.json", `{"name":"good","version":"1.0.0","tools":[{"name":"g"}]}`)
	base := writeManifest(t, dir, "base.json", `{"name":"base","version":"1.0.0","extends":{
		"bad":"bad.json",
		"missing":"nowhere.json",
		"remote":"`+srv.URL+`/ext.json",
		"good":"good.json"
	},"tools":[{"name":"local"}]}`)

	m := NewLoader().Resolve(context.Background(), FromLocation(base))
	assert.Equal(t, []string{"local", "g"}, toolNames(m))
}

func TestMergeNestedExtensionsShareVisited(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "leaf.json", `{"name":"leaf","version":"1.0.0","tools":[{"name":"leaf_tool"}]}`)
	writeManifest(t, dir, "mid.json", `{"name":"mid","version":"1.0.0","extends":{"leaf":"leaf.json"},"tools":[{"name":"mid_tool"}]}`)
	base := writeManifest(t, dir, "base.json", `{"name":"base","version":"1.0.0","extends":{"mid":"mid.json","leaf-again":"leaf.json"},"tools":[]}`)

	m := NewLoader().Resolve(context.Background(), FromLocation(base))
	assert.Equal(t, []string{"mid_tool", "leaf_tool"}, toolNames(m))
	// leaf_tool arrives through mid, which stamps its own extension name.
	assert.Equal(t, "mid", m.Tools[1].FromExtension)
}

func TestMergeExtendsNotAnObjectIsIgnored(t *testing.T) {
	base := writeManifest(t, t.TempDir(), "base.json", `{"name":"base","version":"1.0.0","extends":"other.json","tools":[{"name":"a"}]}`)
	m := NewLoader().Resolve(context.Background(), FromLocation(base))
	assert.Equal(t, "base", m.Name)
	assert.Equal(t, []string{"a"}, toolNames(m))
}

func TestMergeInlineManifestResolvesAgainstWorkdir(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "ext.json", `{"name":"ext","version":"1.0.0","tools":[{"name":"e"}]}`)
	inline := &Manifest{Name: "inline", Version: "1.0.0", Extends: NewExtensions()}
	inline.Extends.Set("ext", "ext.json")

	m := NewLoader(WithWorkdir(dir)).Resolve(context.Background(), FromManifest(inline))
	assert.Equal(t, []string{"e"}, toolNames(m))
	assert.Equal(t, 1, inline.Extends.Len())
}

func TestResolveSourcesListsVisitedFiles(t *testing.T) {
	dir := t.TempDir()
	ext := writeManifest(t, dir, "ext.json", `{"name":"ext","version":"1.0.0","tools":[{"name":"e"}]}`)
	base := writeManifest(t, dir, "base.json", `{"name":"base","version":"1.0.0","extends":{"ext":"./ext.json"},"tools":[]}`)

	res := NewLoader().ResolveSources(context.Background(), FromLocation(base))
	assert.Equal(t, base, res.Location)
	assert.Equal(t, []string{base, ext}, res.Sources)
	assert.Equal(t, []string{"e"}, toolNames(res.Manifest))

	inline := NewLoader().ResolveSources(context.Background(), FromManifest(&Manifest{Name: "x", Version: "1.0.0"}))
	assert.Empty(t, inline.Location)
	assert.Empty(t, inline.Sources)
}
