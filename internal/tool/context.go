package tool

import "sort"

// PermissionSet is an immutable set of capability tags such as "db:read".
type PermissionSet struct {
	tags map[string]struct{}
}

// NewPermissionSet builds a set from the given tags. Empty tags are ignored.
func NewPermissionSet(tags ...string) PermissionSet {
	m := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t != "" {
			m[t] = struct{}{}
		}
	}
	return PermissionSet{tags: m}
}

// Has reports whether tag is granted.
func (p PermissionSet) Has(tag string) bool {
	_, ok := p.tags[tag]
	return ok
}

// Missing returns the required tags not present in p, sorted.
func (p PermissionSet) Missing(required []string) []string {
	var missing []string
	for _, r := range required {
		if !p.Has(r) {
			missing = append(missing, r)
		}
	}
	sort.Strings(missing)
	return missing
}

// Tags returns the granted tags, sorted.
func (p PermissionSet) Tags() []string {
	out := make([]string, 0, len(p.tags))
	for t := range p.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Caller identifies who is invoking a tool.
type Caller struct {
	ID          string
	ProjectID   string
	Permissions PermissionSet
}

// ExecutionContext is the ambient caller state handed to every handler.
// It is passed by value; handlers cannot change what the gate saw.
type ExecutionContext struct {
	SessionID  string
	DocumentID string
	Caller     Caller
}
