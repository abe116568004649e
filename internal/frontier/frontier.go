// Package frontier implements the Frontier Filter: a deterministic
// decision function from a discovered URL and a source profile to
// enqueue-or-drop. Its only side effect is counting each decision in the
// FrontierDecisions metric. It performs no I/O and holds no state beyond the
// per-domain rule sets it is constructed with, which a run's Executor may
// extend at runtime with additional deny globs.
package frontier

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/metrics"
)

// Filter evaluates discovered URLs against a source profile's per-domain
// allow/deny rules plus any deny globs added at runtime by the Executor.
// Runtime rules have a single writer and many readers (§5); Filter guards
// them with a mutex so readers see a consistent snapshot per call.
type Filter struct {
	profile domain.SourceProfile

	mu          sync.RWMutex
	runtimeDeny map[string][]string // domain -> extra deny globs
}

// New builds a Filter bound to a source profile. The profile's
// AllowedDomains map is treated as read-only static configuration; runtime
// deny rules accumulate separately.
func New(profile domain.SourceProfile) *Filter {
	return &Filter{
		profile:     profile,
		runtimeDeny: make(map[string][]string),
	}
}

// Decision is the Frontier Filter's verdict for a single URL.
type Decision struct {
	Enqueue bool
	Reason  string
}

// Evaluate implements §4.3's five-step decision. canonicalURL must already
// be canonicalized (scheme+host lowercased, fragment stripped, etc).
func (f *Filter) Evaluate(canonicalURL string, depth int) (decision Decision) {
	defer func() {
		reason := decision.Reason
		if reason == "" {
			reason = "accepted"
		}
		metrics.FrontierDecisions.WithLabelValues(boolLabel(decision.Enqueue), reason).Inc()
	}()

	if depth > f.profile.MaxDepth {
		return Decision{Enqueue: false, Reason: "depth exceeds max_depth"}
	}

	u, err := url.Parse(canonicalURL)
	if err != nil {
		return Decision{Enqueue: false, Reason: "unparseable url"}
	}
	host := strings.ToLower(u.Hostname())

	rules, ok := f.profile.AllowedDomains[host]
	if !ok {
		return Decision{Enqueue: false, Reason: "domain not allowed"}
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	denyGlobs := append([]string{}, rules.DenyPaths...)
	denyGlobs = append(denyGlobs, f.runtimeDenyFor(host)...)
	for _, g := range denyGlobs {
		if globMatch(g, path) {
			return Decision{Enqueue: false, Reason: fmt.Sprintf("denied by %q", g)}
		}
	}

	if len(rules.AllowPaths) == 0 {
		return Decision{Enqueue: true}
	}
	for _, g := range rules.AllowPaths {
		if globMatch(g, path) {
			return Decision{Enqueue: true}
		}
	}
	return Decision{Enqueue: false, Reason: "no allow_paths glob matched"}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// AddRuntimeDeny merges new deny globs into a domain's rule set for the
// remainder of the run (§4.5's runtime deny-rule channel). Safe for
// concurrent use with Evaluate.
func (f *Filter) AddRuntimeDeny(host string, globs ...string) {
	host = strings.ToLower(host)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runtimeDeny[host] = append(f.runtimeDeny[host], globs...)
}

// RuntimeDenyRules returns a snapshot of every deny glob added at runtime,
// keyed by domain, for the Orchestrator's end-of-run summary.
func (f *Filter) RuntimeDenyRules() map[string][]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string][]string, len(f.runtimeDeny))
	for host, globs := range f.runtimeDeny {
		out[host] = append([]string{}, globs...)
	}
	return out
}

func (f *Filter) runtimeDenyFor(host string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.runtimeDeny[host]
}

// globMatch reports whether path matches glob, where path segments are
// matched literally by default, "*" matches exactly one segment, and "**"
// matches any number of segments including zero (§4.3).
func globMatch(glob, path string) bool {
	globSegs := splitPath(glob)
	pathSegs := splitPath(path)
	return matchSegs(globSegs, pathSegs)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegs(glob, path []string) bool {
	if len(glob) == 0 {
		return len(path) == 0
	}
	head := glob[0]
	if head == "**" {
		if matchSegs(glob[1:], path) {
			return true
		}
		if len(path) == 0 {
			return false
		}
		return matchSegs(glob, path[1:])
	}
	if len(path) == 0 {
		return false
	}
	if head != "*" && head != path[0] {
		return false
	}
	return matchSegs(glob[1:], path[1:])
}
