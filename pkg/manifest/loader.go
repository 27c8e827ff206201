package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	maxManifestBytes    = 8 << 20
)

// Ref points at a manifest: a local path, an http(s) URL, an already
// parsed manifest, or nothing (look in the working directory).
type Ref struct {
	Location string
	Inline   *Manifest
}

func FromLocation(location string) Ref {
	return Ref{Location: strings.TrimSpace(location)}
}

func FromManifest(m *Manifest) Ref {
	return Ref{Inline: m}
}

func (r Ref) IsZero() bool {
	return r.Location == "" && r.Inline == nil
}

func (r Ref) IsURL() bool {
	return IsURL(r.Location)
}

func (r Ref) String() string {
	switch {
	case r.Inline != nil:
		return "inline:" + r.Inline.Name
	case r.Location != "":
		return r.Location
	default:
		return FileName
	}
}

func IsURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

type Loader struct {
	client  *http.Client
	timeout time.Duration
	workdir string
}

type LoaderOption func(*Loader)

func WithHTTPClient(client *http.Client) LoaderOption {
	return func(l *Loader) { l.client = client }
}

func WithFetchTimeout(timeout time.Duration) LoaderOption {
	return func(l *Loader) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

// WithWorkdir sets the directory searched for blah.json when the ref is
// empty, and the base for relative paths.
func WithWorkdir(dir string) LoaderOption {
	return func(l *Loader) { l.workdir = dir }
}

func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		client:  &http.Client{},
		timeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the manifest named by ref without expanding extends. It
// never fails: anything unusable yields Default().
func (l *Loader) Load(ctx context.Context, ref Ref) *Manifest {
	m, _ := l.load(ctx, ref)
	return m
}

// Resolve loads ref and merges its extension chain.
func (l *Loader) Resolve(ctx context.Context, ref Ref) *Manifest {
	return l.ResolveSources(ctx, ref).Manifest
}

// Resolution is a merged manifest and the locations it was read from.
type Resolution struct {
	Manifest *Manifest
	// Location is the canonical location of the base manifest, empty for
	// inline and default manifests.
	Location string
	// Sources holds every location visited while merging, base first.
	Sources []string
}

// ResolveSources is Resolve, also reporting where the pieces came from.
func (l *Loader) ResolveSources(ctx context.Context, ref Ref) Resolution {
	m, location := l.load(ctx, ref)
	visited := make(map[string]bool)
	if location != "" {
		visited[location] = true
	}
	merged := l.MergeExtensions(ctx, m, location, visited)

	res := Resolution{Manifest: merged, Location: location}
	if location != "" {
		res.Sources = append(res.Sources, location)
	}
	extra := make([]string, 0, len(visited))
	for source := range visited {
		if source != location {
			extra = append(extra, source)
		}
	}
	sort.Strings(extra)
	res.Sources = append(res.Sources, extra...)
	return res
}

// load returns the manifest and the canonical location it came from
// (absolute path or URL, empty for inline and default manifests).
func (l *Loader) load(ctx context.Context, ref Ref) (*Manifest, string) {
	if ref.Inline != nil {
		return ref.Inline.Clone(), ""
	}

	location := ref.Location
	if location == "" {
		candidate := l.abs(FileName)
		if _, err := os.Stat(candidate); err != nil {
			slog.Debug("no manifest in working directory, using empty default", "path", candidate)
			return Default(), ""
		}
		location = candidate
	}

	m, resolved, err := l.fetch(ctx, location)
	if err != nil {
		slog.Warn("failed to load manifest, using empty default", "ref", location, "error", err)
		return Default(), resolved
	}
	return m, resolved
}

func (l *Loader) fetch(ctx context.Context, location string) (*Manifest, string, error) {
	var (
		data []byte
		err  error
	)
	if IsURL(location) {
		data, err = l.get(ctx, location)
	} else {
		location = l.abs(location)
		data, err = os.ReadFile(location)
	}
	if err != nil {
		return nil, location, err
	}

	m, issues, err := Parse(data)
	if err != nil {
		return nil, location, fmt.Errorf("%s: %w", location, err)
	}
	for _, issue := range issues {
		slog.Warn("manifest validation issue", "ref", location, "issue", issue)
	}
	return m, location, nil
}

func (l *Loader) get(ctx context.Context, location string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: %s returned status %d", location, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}
	return data, nil
}

func (l *Loader) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	base := l.workdir
	if base == "" {
		if wd, err := os.Getwd(); err == nil {
			base = wd
		}
	}
	return filepath.Join(base, path)
}

// Parse decodes a JSON or JSONC manifest. Validation problems are returned
// as issues and never as an error; only undecodable input fails. Fields
// with the wrong JSON type are skipped and reported, the rest of the
// document is kept.
func Parse(data []byte) (*Manifest, []string, error) {
	stripped := jsonc.ToJSON(data)

	var issues []string
	issues = append(issues, ValidateSchema(stripped)...)

	var m Manifest
	if err := json.Unmarshal(stripped, &m); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, nil, fmt.Errorf("parse manifest: %w", err)
		}
		issues = append(issues, fmt.Sprintf("ignored field with wrong type: %v", err))
	}
	if m.Tools == nil {
		m.Tools = []Tool{}
	}
	issues = append(issues, Validate(&m)...)
	return &m, issues, nil
}

// resolveRef resolves an extension reference relative to the manifest it
// was declared in.
func resolveRef(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if IsURL(ref) {
		return ref
	}
	if IsURL(base) {
		baseURL, err := url.Parse(base)
		if err != nil {
			return ref
		}
		rel, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return baseURL.ResolveReference(rel).String()
	}
	if filepath.IsAbs(ref) || base == "" {
		return ref
	}
	return filepath.Join(filepath.Dir(base), ref)
}
