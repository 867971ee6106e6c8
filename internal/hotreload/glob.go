package hotreload

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Glob is one compiled pattern. Supported syntax: "*" matches within a path
// segment, "**" matches across segments, "?" matches one character and a
// leading "!" turns the pattern into an exclusion.
type Glob struct {
	Pattern string
	Negate  bool
	re      *regexp.Regexp
}

func CompileGlob(pattern string) (Glob, error) {
	g := Glob{Pattern: pattern}
	p := strings.TrimSpace(pattern)
	if strings.HasPrefix(p, "!") {
		g.Negate = true
		p = p[1:]
	}
	if p == "" {
		return Glob{}, fmt.Errorf("empty glob %q", pattern)
	}
	p = strings.TrimPrefix(filepath.ToSlash(p), "./")

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c == '*' && i+1 < len(p) && p[i+1] == '*':
			i++
			if i+1 < len(p) && p[i+1] == '/' {
				// "**/" also matches zero directories
				i++
				b.WriteString("(?:.*/)?")
			} else {
				b.WriteString(".*")
			}
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return Glob{}, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	g.re = re
	return g, nil
}

// MatchString reports whether a slash-separated relative path matches,
// ignoring Negate.
func (g Glob) MatchString(path string) bool {
	return g.re.MatchString(path)
}

// Matcher combines include and exclude globs.
type Matcher struct {
	include []Glob
	exclude []Glob
}

func CompileGlobs(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		g, err := CompileGlob(p)
		if err != nil {
			return nil, err
		}
		if g.Negate {
			m.exclude = append(m.exclude, g)
		} else {
			m.include = append(m.include, g)
		}
	}
	return m, nil
}

// MustCompileGlobs panics on a bad pattern. Used for the built-in rules.
func MustCompileGlobs(patterns []string) *Matcher {
	m, err := CompileGlobs(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether path matches at least one include and no exclude.
func (m *Matcher) Match(path string) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")
	matched := false
	for _, g := range m.include {
		if g.MatchString(path) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, g := range m.exclude {
		if g.MatchString(path) {
			return false
		}
	}
	return true
}
