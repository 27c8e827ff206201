package manifest

import (
	"context"
	"log/slog"
)

// MergeExtensions expands m.Extends into m. basePath is the location m was
// loaded from; visited is shared by the whole recursive expansion and
// holds every location already merged, so cycles are cut instead of
// followed. The returned manifest never carries Extends.
//
// Precedence: tools and env already present win. Extensions are processed
// in declaration order, so an earlier extension beats a later one.
func (l *Loader) MergeExtensions(ctx context.Context, m *Manifest, basePath string, visited map[string]bool) *Manifest {
	if m == nil {
		return Default()
	}
	if m.Extends.Len() == 0 {
		m.Extends = nil
		return m
	}
	if visited == nil {
		visited = make(map[string]bool)
	}

	names := make(map[string]bool, len(m.Tools))
	for _, tool := range m.Tools {
		names[tool.Name] = true
	}

	m.Extends.Each(func(extensionName, extensionRef string) {
		if ctx.Err() != nil {
			return
		}
		location := resolveRef(basePath, extensionRef)
		if !IsURL(location) {
			location = l.abs(location)
		}
		if visited[location] {
			slog.Warn("skipping already visited extension", "extension", extensionName, "ref", location)
			return
		}
		visited[location] = true

		extension, resolved, err := l.fetch(ctx, location)
		if err != nil {
			slog.Warn("skipping extension that failed to load", "extension", extensionName, "ref", location, "error", err)
			return
		}
		extension = l.MergeExtensions(ctx, extension, resolved, visited)

		added := 0
		for _, tool := range extension.Tools {
			if tool.Name == "" || names[tool.Name] {
				continue
			}
			tool.FromExtension = extensionName
			m.Tools = append(m.Tools, tool)
			names[tool.Name] = true
			added++
		}
		m.Env = mergeEnv(extension.Env, m.Env)
		m.Flows = mergeFlows(m.Flows, extension.Flows)
		slog.Debug("merged extension", "extension", extensionName, "ref", location, "tools", added)
	})

	m.Extends = nil
	return m
}

// mergeEnv overlays local on top of inherited.
func mergeEnv(inherited, local map[string]string) map[string]string {
	if len(inherited) == 0 {
		return local
	}
	out := make(map[string]string, len(inherited)+len(local))
	for key, value := range inherited {
		out[key] = value
	}
	for key, value := range local {
		out[key] = value
	}
	return out
}

func mergeFlows(base, extension []Flow) []Flow {
	if len(extension) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	for _, flow := range base {
		seen[flow.Name] = true
	}
	for _, flow := range extension {
		if flow.Name == "" || seen[flow.Name] {
			continue
		}
		seen[flow.Name] = true
		base = append(base, flow)
	}
	return base
}
