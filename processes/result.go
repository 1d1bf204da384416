package processes

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// MatchString is captured process output with line matching helpers.
type MatchString string

// String returns the raw output.
func (s MatchString) String() string {
	return string(s)
}

// Lines splits the output on \n, \r\n and \r. A trailing line
// terminator does not produce an empty final line.
func (s MatchString) Lines() []string {
	return splitLines(string(s))
}

// Matcher returns a LineMatcher over the output lines.
func (s MatchString) Matcher() *LineMatcher {
	return NewLineMatcher(s.Lines())
}

// ResultOptions are the inputs to NewResult.
type ResultOptions struct {
	Returncode int
	Stdout     string
	Stderr     string
	Cmdline    []string

	// DataKey selects a single top-level member of the decoded JSON object.
	DataKey string

	// Data, when non-nil, is used as is and stdout is not decoded.
	Data any
}

// Result is the outcome of a finished (or terminated) process.
type Result struct {
	Returncode int
	Stdout     MatchString
	Stderr     MatchString
	Cmdline    []string
	DataKey    string

	// Data is stdout decoded as JSON, or nil if stdout is not JSON.
	// JSON numbers decode to float64.
	Data any

	dataErr error
}

// NewResult builds a Result, decoding stdout as JSON when opts.Data is nil.
func NewResult(opts ResultOptions) *Result {
	r := &Result{
		Returncode: opts.Returncode,
		Stdout:     MatchString(opts.Stdout),
		Stderr:     MatchString(opts.Stderr),
		Cmdline:    opts.Cmdline,
		DataKey:    opts.DataKey,
		Data:       opts.Data,
	}
	if r.Data == nil {
		r.Data, r.dataErr = decodeData(opts.Stdout, opts.DataKey)
	}
	return r
}

func decodeData(stdout, dataKey string) (any, error) {
	stdout = strings.TrimSpace(stdout)
	if stdout == "" {
		return nil, nil
	}

	var data any
	if err := json.Unmarshal([]byte(stdout), &data); err != nil {
		return nil, fmt.Errorf("decoding stdout as JSON: %w", err)
	}

	if dataKey != "" {
		if obj, ok := data.(map[string]any); ok {
			if v, ok := obj[dataKey]; ok {
				return v, nil
			}
		}
	}
	return data, nil
}

// DataDecodeError reports why stdout could not be decoded as JSON, if it could not.
func (r *Result) DataDecodeError() error {
	return r.dataErr
}

// String renders the result for failure messages.
//
//	Result
//	 Command Line: ["echo" "hi"]
//	 Returncode: 0
//	 Process Output:
//	   >>>>> STDOUT >>>>>
//	hi
//	   <<<<< STDOUT <<<<<
func (r *Result) String() string {
	var b strings.Builder
	b.WriteString("ProcessResult")

	if len(r.Cmdline) > 0 {
		fmt.Fprintf(&b, "\n Command Line: %q", r.Cmdline)
	}
	fmt.Fprintf(&b, "\n Returncode: %d", r.Returncode)

	stdout := strings.TrimSpace(string(r.Stdout)) != ""
	stderr := strings.TrimSpace(string(r.Stderr)) != ""
	if stdout || stderr {
		b.WriteString("\n Process Output:")
	}
	if stdout {
		fmt.Fprintf(&b, "\n   >>>>> STDOUT >>>>>\n%s\n   <<<<< STDOUT <<<<<", r.Stdout)
	}
	if stderr {
		fmt.Fprintf(&b, "\n   >>>>> STDERR >>>>>\n%s\n   <<<<< STDERR <<<<<", r.Stderr)
	}

	if truthy(r.Data) {
		b.WriteString("\n Parsed JSON Data:\n")
		pretty, err := json.MarshalIndent(r.Data, "", "  ")
		if err != nil {
			pretty = []byte(fmt.Sprintf("%v", r.Data))
		}
		lines := strings.Split(string(pretty), "\n")
		for i, line := range lines {
			lines[i] = "   " + line
		}
		b.WriteString(strings.Join(lines, "\n"))
	}

	b.WriteString("\n")
	return b.String()
}

// truthy reports whether v is a non-empty value: nil, false, zero
// numbers, and empty strings, maps and slices are all treated as absent.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return rv.Len() > 0
	default:
		return !rv.IsZero()
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}

	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			lines = append(lines, s[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, s[start:i])
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
