package scanner

import (
	"path/filepath"
	"regexp"
)

// Exclusions decides which paths are never scanned. Each pattern is tried
// as a glob against the file name and, when it compiles, as a regular
// expression against the full path.
type Exclusions struct {
	globs   []string
	regexes []*regexp.Regexp
}

func NewExclusions(patterns []string) *Exclusions {
	if len(patterns) == 0 {
		return nil
	}
	e := &Exclusions{globs: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err == nil {
			e.globs = append(e.globs, p)
		}
		if re, err := regexp.Compile(p); err == nil {
			e.regexes = append(e.regexes, re)
		}
	}
	return e
}

// Excluded reports whether path matches any pattern. A nil set excludes
// nothing.
func (e *Exclusions) Excluded(path string) bool {
	if e == nil {
		return false
	}
	base := filepath.Base(path)
	for _, g := range e.globs {
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
	}
	for _, re := range e.regexes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
