package sync

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	mapset "github.com/deckarep/golang-set/v2"
)

// ProtectedFiles is the set of boilerplate owned paths plus the paths the user
// already overrode this session. Entries are slash separated relative paths or
// doublestar patterns.
type ProtectedFiles struct {
	exact      mapset.Set[string]
	patterns   []string
	overridden mapset.Set[string]
}

func NewProtectedFiles(entries []string) *ProtectedFiles {
	p := &ProtectedFiles{
		exact:      mapset.NewSet[string](),
		overridden: mapset.NewSet[string](),
	}
	for _, entry := range entries {
		entry = strings.TrimPrefix(strings.TrimSpace(entry), "/")
		if entry == "" {
			continue
		}
		if strings.ContainsAny(entry, "*?[{") && doublestar.ValidatePattern(entry) {
			p.patterns = append(p.patterns, entry)
		} else {
			p.exact.Add(entry)
		}
	}
	return p
}

// IsProtected reports whether rel belongs to the boilerplate
func (p *ProtectedFiles) IsProtected(rel string) bool {
	if p == nil {
		return false
	}
	if p.exact.Contains(rel) {
		return true
	}
	for _, pattern := range p.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// IsOverridden reports whether the user already confirmed a change to rel
func (p *ProtectedFiles) IsOverridden(rel string) bool {
	if p == nil {
		return false
	}
	return p.overridden.Contains(rel)
}

// ShouldConfirm reports whether a change to rel still needs a confirmation
func (p *ProtectedFiles) ShouldConfirm(rel string) bool {
	return p.IsProtected(rel) && !p.IsOverridden(rel)
}

// MarkOverridden records that rel was confirmed for the rest of the session.
// Returns false if it was already marked.
func (p *ProtectedFiles) MarkOverridden(rel string) bool {
	if p == nil {
		return false
	}
	return p.overridden.Add(rel)
}
