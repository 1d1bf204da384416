package shell

import (
	"fmt"
	"path"
	"reflect"
	"runtime"
	"strings"
)

// Callback is a function registered to run around a daemon lifecycle
// transition. Args are only used to render the callback in logs.
type Callback struct {
	Name string
	Args []any
	Func func() error
}

// String renders the callback as name(args...).
func (c Callback) String() string {
	if c.Name != "" {
		return FormatCallback(c.Name, c.Args...)
	}
	return FormatCallback(c.Func, c.Args...)
}

// call runs the callback. Panics are recovered and reported as errors.
func (c Callback) call() (err error) {
	if c.Func == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrCallback, c, r)
		}
	}()
	if err := c.Func(); err != nil {
		return fmt.Errorf("%w: %w", ErrCallback, err)
	}
	return nil
}

// FormatCallback renders fn and its arguments the way they would be
// written at the call site. fn is either a name or a function value.
func FormatCallback(fn any, args ...any) string {
	var b strings.Builder
	b.WriteString(funcName(fn))
	b.WriteByte('(')
	for i, arg := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		if s, ok := arg.(string); ok {
			fmt.Fprintf(&b, "%q", s)
		} else {
			fmt.Fprintf(&b, "%v", arg)
		}
	}
	b.WriteByte(')')
	return b.String()
}

func funcName(fn any) string {
	switch f := fn.(type) {
	case string:
		return f
	case nil:
		return "<nil>"
	}

	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return fmt.Sprintf("%v", fn)
	}
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return "<unknown>"
	}

	// github.com/x/y/pkg.(*T).Method-fm -> (*T).Method
	name := path.Base(rf.Name())
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}
