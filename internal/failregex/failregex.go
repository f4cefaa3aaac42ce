// Package failregex wraps compiled regular expressions the way the filter
// needs them: a plain Regex that remembers its last match, and a FailRegex
// specialization that additionally requires and exposes a named <HOST>
// capture group.
package failregex

import (
	"fmt"
	"regexp"
	"strings"
)

// hostGroup replaces a bare <HOST> placeholder in a fail-regex pattern.
const hostGroup = `(?P<HOST>\S+)`

// RegexError is a ConfigError: the pattern failed to compile, or (for
// FailRegex) the pattern compiled but has no HOST group.
type RegexError struct {
	Pattern string
	Reason  string
}

func (e *RegexError) Error() string {
	return fmt.Sprintf("regex %q: %s", e.Pattern, e.Reason)
}

// Regex wraps a compiled pattern and the result of its last search.
type Regex struct {
	pattern string
	re      *regexp.Regexp
	last    []string
	names   []string
}

// Compile compiles pattern, surfacing compilation failures as *RegexError.
func Compile(pattern string) (*Regex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &RegexError{Pattern: pattern, Reason: err.Error()}
	}
	return &Regex{pattern: pattern, re: re, names: re.SubexpNames()}, nil
}

// Pattern returns the original source pattern.
func (r *Regex) Pattern() string { return r.pattern }

// Search runs the pattern against line, remembering the match for
// HasMatched/Group. Returns whether it matched.
func (r *Regex) Search(line string) bool {
	r.last = r.re.FindStringSubmatch(line)
	return r.last != nil
}

// HasMatched reports whether the last Search call matched.
func (r *Regex) HasMatched() bool {
	return r.last != nil
}

// Group returns the text captured by the named group in the last match, or
// ("", false) if there was no match or no such group.
func (r *Regex) Group(name string) (string, bool) {
	if r.last == nil {
		return "", false
	}
	for i, n := range r.names {
		if n == name && i < len(r.last) {
			return r.last[i], true
		}
	}
	return "", false
}

// FailRegex specializes Regex with a mandatory named <HOST> group.
type FailRegex struct {
	*Regex
}

// CompileFail compiles pattern and requires it to contain a HOST named
// group; construction fails with *RegexError otherwise. A bare <HOST>
// placeholder is expanded to a named group matching one non-space run;
// Pattern still returns the pattern as given.
func CompileFail(pattern string) (*FailRegex, error) {
	source := pattern
	if !strings.Contains(pattern, "?P<HOST>") && !strings.Contains(pattern, "(?<HOST>") {
		source = strings.ReplaceAll(pattern, "<HOST>", hostGroup)
	}
	re, err := Compile(source)
	if err != nil {
		return nil, err
	}
	re.pattern = pattern
	found := false
	for _, n := range re.names {
		if n == "HOST" {
			found = true
			break
		}
	}
	if !found {
		return nil, &RegexError{Pattern: pattern, Reason: "missing required named group <HOST>"}
	}
	return &FailRegex{Regex: re}, nil
}

// GetHost returns the text captured by the HOST group in the last match.
// Only meaningful immediately after a successful Search.
func (f *FailRegex) GetHost() (string, bool) {
	return f.Group("HOST")
}
