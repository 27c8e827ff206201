package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadEmptyRefWithoutFileReturnsDefault(t *testing.T) {
	loader := NewLoader(WithWorkdir(t.TempDir()))
	m := loader.Load(context.Background(), Ref{})
	require.True(t, m.IsDefault())
	assert.Equal(t, DefaultName, m.Name)
}

func TestLoadEmptyRefFindsWorkingDirectoryManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, FileName, `{"name":"local","version":"1.0.0","tools":[{"name":"hello","command":"echo hi"}]}`)

	m := NewLoader(WithWorkdir(dir)).Load(context.Background(), Ref{})
	assert.Equal(t, "local", m.Name)
	require.Len(t, m.Tools, 1)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	m := NewLoader().Load(context.Background(), FromLocation(filepath.Join(t.TempDir(), "missing.json")))
	assert.True(t, m.IsDefault())
}

func TestLoadMalformedJSONReturnsDefault(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "broken.json", `{"name": "broken",`)
	m := NewLoader().Load(context.Background(), FromLocation(path))
	assert.True(t, m.IsDefault())
}

func TestLoadAcceptsJSONC(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "commented.json", `{
		// comment
		"name": "commented",
		"version": "1.2.3",
		"tools": [
			{"name": "a", "command": "echo a"}, /* trailing comma below */
		],
	}`)
	m := NewLoader().Load(context.Background(), FromLocation(path))
	assert.Equal(t, "commented", m.Name)
	require.Len(t, m.Tools, 1)
}

func TestLoadValidationIsNonFatal(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "lenient.json", `{"name":"lenient","version":"not-semver","tools":[{"name":"a","command":"x","slop":"http://x"}]}`)
	m := NewLoader().Load(context.Background(), FromLocation(path))
	assert.Equal(t, "lenient", m.Name)
	require.Len(t, m.Tools, 1)
}

func TestLoadWrongFieldTypeKeepsRestOfDocument(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "typed.json", `{"name":"typed","version":"1.0.0","tags":"oops","tools":[{"name":"a"}]}`)
	m := NewLoader().Load(context.Background(), FromLocation(path))
	assert.Equal(t, "typed", m.Name)
	require.Len(t, m.Tools, 1)
	assert.Nil(t, m.Tags)
}

func TestLoadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blah.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"name":"remote","version":"1.0.0","tools":[]}`))
	}))
	defer srv.Close()

	loader := NewLoader()
	assert.Equal(t, "remote", loader.Load(context.Background(), FromLocation(srv.URL+"/blah.json")).Name)
	assert.True(t, loader.Load(context.Background(), FromLocation(srv.URL+"/missing.json")).IsDefault())
}

func TestLoadURLTimeoutReturnsDefault(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	loader := NewLoader(WithFetchTimeout(50 * time.Millisecond))
	assert.True(t, loader.Load(context.Background(), FromLocation(srv.URL)).IsDefault())
}

func TestLoadInlineIsCopied(t *testing.T) {
	inline := &Manifest{Name: "inline", Version: "1.0.0", Tools: []Tool{{Name: "a"}}}
	m := NewLoader().Load(context.Background(), FromManifest(inline))
	m.Tools[0].Name = "changed"
	assert.Equal(t, "a", inline.Tools[0].Name)
}

func TestResolveRef(t *testing.T) {
	assert.Equal(t, "https://example.com/x.json", resolveRef("/a/b.json", "https://example.com/x.json"))
	assert.Equal(t, filepath.Join("/a", "ext.json"), resolveRef("/a/b.json", "ext.json"))
	assert.Equal(t, "https://example.com/m/ext.json", resolveRef("https://example.com/m/blah.json", "ext.json"))
	assert.Equal(t, "/abs/ext.json", resolveRef("/a/b.json", "/abs/ext.json"))
}
