package processes

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoMatch is matched by every LineMatcher failure.
var ErrNoMatch = errors.New("line match failed")

// MatchError describes a failed LineMatcher assertion. Its message is the
// full match log, ending with the reason.
type MatchError struct {
	Reason string
	Log    []string
}

func (e *MatchError) Error() string {
	return strings.Join(e.Log, "\n")
}

// Is makes errors.Is(err, ErrNoMatch) succeed.
func (e *MatchError) Is(target error) bool {
	return target == ErrNoMatch
}

type matchFunc func(line, pattern string) (bool, error)

// LineMatcher asserts on lines of captured output using glob (fnmatch)
// or regular expression patterns.
//
// Assertions return nil on success and a *MatchError otherwise. The
// match log of the last failed assertion is kept until the next call.
type LineMatcher struct {
	lines []string
	log   []string
}

// NewLineMatcher returns a matcher over lines.
func NewLineMatcher(lines []string) *LineMatcher {
	return &LineMatcher{lines: lines}
}

// Lines returns the matched lines.
func (m *LineMatcher) Lines() []string {
	return m.lines
}

// String joins the lines with "\n".
func (m *LineMatcher) String() string {
	return strings.Join(m.lines, "\n")
}

// Log returns the log lines recorded by the last failed assertion.
func (m *LineMatcher) Log() []string {
	return m.log
}

// FnmatchLines checks that each pattern matches a line, in order. Lines
// between matches are skipped. A pattern matches a line when it is equal
// to it or when the glob matches the whole line.
func (m *LineMatcher) FnmatchLines(patterns ...string) error {
	return m.matchLines(patterns, fnmatchFunc, "fnmatch", false)
}

// FnmatchLinesConsecutive is FnmatchLines where, after the first match,
// every following pattern must match the very next line.
func (m *LineMatcher) FnmatchLinesConsecutive(patterns ...string) error {
	return m.matchLines(patterns, fnmatchFunc, "fnmatch", true)
}

// ReMatchLines is FnmatchLines with regular expressions anchored at the start of the line.
func (m *LineMatcher) ReMatchLines(patterns ...string) error {
	return m.matchLines(patterns, reMatchFunc, "re.match", false)
}

// ReMatchLinesConsecutive is FnmatchLinesConsecutive with regular expressions.
func (m *LineMatcher) ReMatchLinesConsecutive(patterns ...string) error {
	return m.matchLines(patterns, reMatchFunc, "re.match", true)
}

// FnmatchLinesRandom checks that each pattern matches some line, in any order.
func (m *LineMatcher) FnmatchLinesRandom(patterns ...string) error {
	return m.matchLinesRandom(patterns, fnmatchFunc)
}

// ReMatchLinesRandom is FnmatchLinesRandom with regular expressions.
func (m *LineMatcher) ReMatchLinesRandom(patterns ...string) error {
	return m.matchLinesRandom(patterns, reMatchFunc)
}

// NoFnmatchLine checks that no line matches the glob pattern.
func (m *LineMatcher) NoFnmatchLine(pattern string) error {
	return m.noMatchLine(pattern, fnmatchFunc, "fnmatch")
}

// NoReMatchLine checks that no line matches the regular expression.
func (m *LineMatcher) NoReMatchLine(pattern string) error {
	return m.noMatchLine(pattern, reMatchFunc, "re.match")
}

// GetLinesAfter returns the lines following the first line matching fnline.
func (m *LineMatcher) GetLinesAfter(fnline string) ([]string, error) {
	for i, line := range m.lines {
		ok, err := fnmatchFunc(line, fnline)
		if err != nil {
			return nil, err
		}
		if line == fnline || ok {
			return m.lines[i+1:], nil
		}
	}
	return nil, fmt.Errorf("%w: line %q not found in output", ErrNoMatch, fnline)
}

func (m *LineMatcher) matchLines(patterns []string, match matchFunc, nickname string, consecutive bool) error {
	m.log = nil
	remaining := m.lines
	width := len(nickname) + 1
	started := false

	for _, pattern := range patterns {
		matched := false
		nomatchLogged := false

		for len(remaining) > 0 {
			next := remaining[0]
			remaining = remaining[1:]

			if pattern == next {
				m.logf("exact match: %q", pattern)
				matched = true
				break
			}
			ok, err := match(next, pattern)
			if err != nil {
				return err
			}
			if ok {
				m.logf("%s: %q", nickname, pattern)
				m.logf("%*s %q", width, "with:", next)
				matched = true
				break
			}

			if consecutive && started {
				return m.fail(fmt.Sprintf("no consecutive match: %q", pattern), fmt.Sprintf("%*s %q", width, "with:", next))
			}
			if !nomatchLogged {
				m.logf("%*s %q", width, "nomatch:", pattern)
				nomatchLogged = true
			}
			m.logf("%*s %q", width, "and:", next)
		}

		if !matched {
			return m.fail(fmt.Sprintf("remains unmatched: %q", pattern))
		}
		started = true
	}

	m.log = nil
	return nil
}

func (m *LineMatcher) matchLinesRandom(patterns []string, match matchFunc) error {
	m.log = nil

	for _, pattern := range patterns {
		found := false
		for _, line := range m.lines {
			if line == pattern {
				found = true
				break
			}
			ok, err := match(line, pattern)
			if err != nil {
				return err
			}
			if ok {
				found = true
				break
			}
		}
		if !found {
			return m.fail(fmt.Sprintf("line %q not found in output", pattern))
		}
		m.logf("matched:  %q", pattern)
	}

	m.log = nil
	return nil
}

func (m *LineMatcher) noMatchLine(pattern string, match matchFunc, nickname string) error {
	m.log = nil
	width := len(nickname) + 1
	nomatchLogged := false

	for _, line := range m.lines {
		ok, err := match(line, pattern)
		if err != nil {
			return err
		}
		if ok {
			return m.fail(fmt.Sprintf("%s: %q", nickname, pattern), fmt.Sprintf("%*s %q", width, "with:", line))
		}
		if !nomatchLogged {
			m.logf("%*s %q", width, "nomatch:", pattern)
			nomatchLogged = true
		}
		m.logf("%*s %q", width, "and:", line)
	}

	m.log = nil
	return nil
}

func (m *LineMatcher) logf(format string, args ...any) {
	m.log = append(m.log, fmt.Sprintf(format, args...))
}

// fail records reason (and any extra lines) and returns the error.
func (m *LineMatcher) fail(reason string, extra ...string) error {
	m.log = append(m.log, reason)
	m.log = append(m.log, extra...)
	return &MatchError{Reason: reason, Log: append([]string(nil), m.log...)}
}

func fnmatchFunc(line, pattern string) (bool, error) {
	re, err := compileGlob(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(line), nil
}

func reMatchFunc(line, pattern string) (bool, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return false, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	return re.MatchString(line), nil
}

// Fnmatch reports whether the whole name matches the shell glob pattern.
//
//	*       matches everything
//	?       matches any single character
//	[seq]   matches any character in seq
//	[!seq]  matches any character not in seq
//
// Unlike path.Match, '*' also matches '/' and an unterminated '[' is a literal.
func Fnmatch(name, pattern string) bool {
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(translateGlob(pattern))
	if err != nil {
		return nil, fmt.Errorf("compiling glob %q: %w", pattern, err)
	}
	return re, nil
}

// translateGlob converts a glob pattern to an anchored regular expression.
func translateGlob(pattern string) string {
	p := []rune(pattern)
	n := len(p)

	var b strings.Builder
	b.WriteString(`(?s)^`)

	for i := 0; i < n; {
		c := p[i]
		i++

		switch c {
		case '*':
			// Collapse runs of '*'.
			for i < n && p[i] == '*' {
				i++
			}
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			j := i
			if j < n && p[j] == '!' {
				j++
			}
			if j < n && p[j] == ']' {
				j++
			}
			for j < n && p[j] != ']' {
				j++
			}
			if j >= n {
				b.WriteString(`\[`)
				continue
			}
			b.WriteString(translateClass(p[i:j]))
			i = j + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	b.WriteString(`\z`)
	return b.String()
}

// noChar is a character class that matches nothing.
const noChar = `[^\x00-\x{10FFFF}]`

// translateClass turns the body of a glob bracket expression into a
// regexp class. Reversed ranges such as z-a match nothing, so a class
// left empty never matches, or matches any character when negated.
func translateClass(class []rune) string {
	negate := len(class) > 0 && class[0] == '!'
	if negate {
		class = class[1:]
	}

	var items strings.Builder
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			lo, hi := class[i], class[i+2]
			i += 2
			if lo > hi {
				continue
			}
			items.WriteString(classChar(lo) + "-" + classChar(hi))
			continue
		}
		items.WriteString(classChar(class[i]))
	}

	switch {
	case items.Len() > 0 && negate:
		return "[^" + items.String() + "]"
	case items.Len() > 0:
		return "[" + items.String() + "]"
	case negate:
		return `(?s:.)`
	default:
		return noChar
	}
}

func classChar(r rune) string {
	if r == '-' {
		return `\-`
	}
	return regexp.QuoteMeta(string(r))
}
