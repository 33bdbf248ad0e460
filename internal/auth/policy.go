package auth

import (
	"net/http"
	"strings"
)

// Rule maps a path to the roles needed to read and to change it. A rule with
// Prefix set matches every path below Path.
type Rule struct {
	Path   string
	Prefix bool
	Read   Role
	Write  Role
}

func (r Rule) matches(path string) bool {
	if r.Prefix {
		return strings.HasPrefix(path, r.Path)
	}
	return path == r.Path
}

// DefaultRules protects the /api/v1 surface. Configuration and oscillation
// tuning change server-wide behaviour and need admin; everything else under
// /api/ is readable by viewers and writable by operators.
func DefaultRules() []Rule {
	return []Rule{
		{Path: "/api/v1/configuration", Read: RoleAdmin, Write: RoleAdmin},
		{Path: "/api/v1/alarms/oscillation", Read: RoleViewer, Write: RoleAdmin},
		{Path: "/api/", Prefix: true, Read: RoleViewer, Write: RoleOperator},
	}
}

// Policy decides which role a request needs. Rules are checked in order and
// the first match wins.
type Policy struct {
	exemptPaths    map[string]struct{}
	exemptPrefixes []string
	rules          []Rule
}

// NewPolicy builds a policy from explicit rules.
func NewPolicy(rules []Rule, exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{exemptPaths: set, exemptPrefixes: exemptPrefixes, rules: rules}
}

// NewDefaultPolicy builds a policy with DefaultRules.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	return NewPolicy(DefaultRules(), exemptPaths, exemptPrefixes)
}

// IsExempt reports whether the request skips authentication.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.exemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.exemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole returns the role the request needs, or false when no rule
// covers it.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	for _, rule := range p.rules {
		if !rule.matches(r.URL.Path) {
			continue
		}
		if isRead(r.Method) {
			return rule.Read, true
		}
		return rule.Write, true
	}
	return "", false
}

func isRead(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
