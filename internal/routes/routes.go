// Package routes holds the static route table mapping inbound (method, path)
// pairs onto backends. The table is loaded once at startup and is immutable
// afterwards; there is no runtime registration.
package routes

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/fableverse/gateway/internal/apierr"
)

// AuthPolicy controls which credential checks a route demands.
type AuthPolicy string

const (
	AuthPublic           AuthPolicy = "public"
	AuthRequirePrincipal AuthPolicy = "require_principal"
	AuthRequireScope     AuthPolicy = "require_scope"
)

// BodyMode controls how the proxy handles the request body.
type BodyMode string

const (
	BodyStream BodyMode = "stream"
	BodyBuffer BodyMode = "buffer"
	BodyNone   BodyMode = "none"
)

// Entry is one static route. Patterns are segment-based with `:name`
// captures; regex patterns are deliberately unsupported.
type Entry struct {
	Method               string     `yaml:"method"`
	PathPattern          string     `yaml:"path"`
	Backend              string     `yaml:"backend"`
	UpstreamPathTemplate string     `yaml:"upstream_path"`
	AuthPolicy           AuthPolicy `yaml:"auth_policy"`
	RequiredScope        string     `yaml:"required_scope,omitempty"`
	BodyMode             BodyMode   `yaml:"body,omitempty"`
	Idempotent           bool       `yaml:"idempotent,omitempty"`
	TimeoutSeconds       int        `yaml:"timeout_seconds,omitempty"`

	segments []segment
	literals int
}

type segment struct {
	literal string
	capture string // non-empty for :name segments
}

// Match is a successful lookup: the entry plus the values bound to its
// `:name` captures.
type Match struct {
	Entry  *Entry
	Params map[string]string
}

// UpstreamPath expands the entry's upstream path template with the captured
// parameters.
func (m *Match) UpstreamPath() string {
	out := m.Entry.UpstreamPathTemplate
	if out == "" {
		out = m.Entry.PathPattern
	}
	for name, value := range m.Params {
		out = strings.ReplaceAll(out, ":"+name, value)
	}
	return out
}

// document is the on-disk shape of the route table.
type document struct {
	Backends map[string]string `yaml:"backends"`
	Routes   []*Entry          `yaml:"routes"`
}

// Table is the immutable route table. Lookup is read-only and safe for
// concurrent use.
type Table struct {
	entries  []*Entry
	backends map[string]string
}

// Load reads and parses the route table document at path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading route table: %w", err)
	}
	return Parse(data)
}

// Parse builds a Table from a YAML route table document.
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing route table: %w", err)
	}

	if len(doc.Routes) == 0 {
		return nil, fmt.Errorf("route table declares no routes")
	}

	seen := make(map[string]bool, len(doc.Routes))
	for _, e := range doc.Routes {
		if err := prepare(e, doc.Backends); err != nil {
			return nil, err
		}
		key := e.Method + " " + e.PathPattern
		if seen[key] {
			return nil, fmt.Errorf("duplicate route %s", key)
		}
		seen[key] = true
	}

	// More literal segments first so the most specific pattern wins lookup.
	entries := make([]*Entry, len(doc.Routes))
	copy(entries, doc.Routes)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].literals != entries[j].literals {
			return entries[i].literals > entries[j].literals
		}
		return len(entries[i].PathPattern) > len(entries[j].PathPattern)
	})

	return &Table{entries: entries, backends: doc.Backends}, nil
}

func prepare(e *Entry, backends map[string]string) error {
	e.Method = strings.ToUpper(strings.TrimSpace(e.Method))
	if e.Method == "" || e.PathPattern == "" {
		return fmt.Errorf("route entry missing method or path")
	}
	if !strings.HasPrefix(e.PathPattern, "/") {
		return fmt.Errorf("route path %q must start with /", e.PathPattern)
	}
	if e.Backend == "" {
		return fmt.Errorf("route %s %s has no backend", e.Method, e.PathPattern)
	}
	if _, ok := backends[e.Backend]; !ok {
		return fmt.Errorf("route %s %s references unknown backend %q", e.Method, e.PathPattern, e.Backend)
	}

	switch e.AuthPolicy {
	case AuthPublic, AuthRequirePrincipal:
	case AuthRequireScope:
		if e.RequiredScope == "" {
			return fmt.Errorf("route %s %s requires a scope but names none", e.Method, e.PathPattern)
		}
	case "":
		e.AuthPolicy = AuthRequirePrincipal
	default:
		return fmt.Errorf("route %s %s has unknown auth policy %q", e.Method, e.PathPattern, e.AuthPolicy)
	}

	switch e.BodyMode {
	case BodyStream, BodyBuffer, BodyNone:
	case "":
		if e.Method == http.MethodGet || e.Method == http.MethodDelete {
			e.BodyMode = BodyNone
		} else {
			e.BodyMode = BodyBuffer
		}
	default:
		return fmt.Errorf("route %s %s has unknown body mode %q", e.Method, e.PathPattern, e.BodyMode)
	}

	for _, raw := range splitPath(e.PathPattern) {
		if strings.HasPrefix(raw, ":") {
			name := raw[1:]
			if name == "" {
				return fmt.Errorf("route %s %s has an unnamed capture", e.Method, e.PathPattern)
			}
			e.segments = append(e.segments, segment{capture: name})
			continue
		}
		if strings.ContainsAny(raw, "*{}()[]") {
			return fmt.Errorf("route %s %s: pattern segments must be literals or :name captures", e.Method, e.PathPattern)
		}
		e.segments = append(e.segments, segment{literal: raw})
		e.literals++
	}
	return nil
}

// BackendURL returns the base URL of a logical backend.
func (t *Table) BackendURL(name string) (string, bool) {
	url, ok := t.backends[name]
	return url, ok
}

// Entries returns the routes in lookup precedence order.
func (t *Table) Entries() []*Entry {
	return t.entries
}

// Lookup resolves (method, path) to the most specific matching route.
// Unknown routes fail with not_found.
func (t *Table) Lookup(method, path string) (*Match, error) {
	method = strings.ToUpper(method)
	parts := splitPath(normalise(path))

	for _, e := range t.entries {
		if e.Method != method {
			continue
		}
		params, ok := match(e.segments, parts)
		if !ok {
			continue
		}
		return &Match{Entry: e, Params: params}, nil
	}
	return nil, apierr.New(apierr.KindNotFound, fmt.Sprintf("no route for %s %s", method, path))
}

func match(segs []segment, parts []string) (map[string]string, bool) {
	if len(segs) != len(parts) {
		return nil, false
	}
	var params map[string]string
	for i, s := range segs {
		if s.capture != "" {
			if params == nil {
				params = make(map[string]string)
			}
			params[s.capture] = parts[i]
			continue
		}
		if s.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// normalise strips trailing slashes and collapses duplicate separators.
func normalise(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}
	return path
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
