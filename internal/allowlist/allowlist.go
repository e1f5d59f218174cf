// Package allowlist decides which backend sub-paths the relay may reach.
package allowlist

import (
	"fmt"
	"regexp"
	"strings"

	"riona-relay/internal/config"
)

// Entry is a single allow-list matcher.
type Entry interface {
	// Match reports whether subPath is permitted by this entry.
	Match(subPath string) bool
	// String describes the entry for logs and status output.
	String() string
}

// Literal permits exactly one sub-path.
type Literal string

// Match reports whether subPath equals the literal.
func (l Literal) Match(subPath string) bool { return subPath == string(l) }

func (l Literal) String() string { return "exact:" + string(l) }

// Prefix permits the path itself and anything starting with it.
// Matching is plain string prefix, so "/health" also admits "/healthz".
type Prefix string

// Match reports whether subPath equals or starts with the prefix.
func (p Prefix) Match(subPath string) bool { return strings.HasPrefix(subPath, string(p)) }

func (p Prefix) String() string { return "prefix:" + string(p) }

// Pattern permits sub-paths matching a regular expression.
type Pattern struct {
	re *regexp.Regexp
}

// NewPattern compiles expr into a Pattern entry.
func NewPattern(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return Pattern{re: re}, nil
}

// MustPattern is like NewPattern but panics on an invalid expression.
func MustPattern(expr string) Pattern {
	p, err := NewPattern(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether subPath matches the expression.
func (p Pattern) Match(subPath string) bool { return p.re != nil && p.re.MatchString(subPath) }

func (p Pattern) String() string {
	if p.re == nil {
		return "pattern:"
	}
	return "pattern:" + p.re.String()
}

// Verify entries implement Entry.
var (
	_ Entry = Literal("")
	_ Entry = Prefix("")
	_ Entry = Pattern{}
)

// List is an immutable set of entries. A sub-path is allowed iff any entry matches.
type List struct {
	entries []Entry
}

// New returns a List over a copy of entries.
func New(entries ...Entry) *List {
	return &List{entries: append([]Entry(nil), entries...)}
}

// Allows reports whether subPath is permitted. An empty list allows nothing.
func (l *List) Allows(subPath string) bool {
	for _, e := range l.entries {
		if e.Match(subPath) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (l *List) Len() int { return len(l.entries) }

// Strings describes every entry in order.
func (l *List) Strings() []string {
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.String()
	}
	return out
}

// dashboardPrefixes are the backend endpoints the dashboard calls.
var dashboardPrefixes = []string{
	"/health",
	"/status",
	"/api/status",
	"/api/login",
	"/api/logout",
	"/api/me",
	"/api/interact",
	"/api/dm",
	"/api/dm-file",
	"/api/scrape-followers",
	"/api/clear-cookies",
	"/api/exit",
	"/api/characters",
	"/characters",
	"/characters/select",
	"/instagram/login",
	"/instagram/post",
	"/instagram/like",
	"/instagram/comment",
	"/logs/stream",
	"/api/logs/stream",
	"/settings",
	"/api/settings",
}

// Default returns the allow-list used when the config names no rules.
func Default() *List {
	entries := make([]Entry, 0, len(dashboardPrefixes)+1)
	for _, p := range dashboardPrefixes {
		entries = append(entries, Prefix(p))
	}
	entries = append(entries, MustPattern(`^/characters/[^/]+$`))
	return New(entries...)
}

// FromConfig builds the relay's allow-list from configuration,
// falling back to Default when no rules are configured.
func FromConfig(cfg *config.Config) (*List, error) {
	rules := cfg.Relay.Allow
	if len(rules) == 0 {
		return Default(), nil
	}

	entries := make([]Entry, 0, len(rules))
	for i, r := range rules {
		switch {
		case r.Exact != "":
			entries = append(entries, Literal(r.Exact))
		case r.Prefix != "":
			entries = append(entries, Prefix(r.Prefix))
		case r.Pattern != "":
			p, err := NewPattern(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("relay.allow[%d]: %w", i, err)
			}
			entries = append(entries, p)
		default:
			return nil, fmt.Errorf("relay.allow[%d]: empty rule", i)
		}
	}
	return New(entries...), nil
}
