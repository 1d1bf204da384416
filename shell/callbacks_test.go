package shell

import (
	"errors"
	"strings"
	"testing"
)

type sample struct{}

func (sample) Ready() error { return nil }

func helperFunc() error { return nil }

func TestFormatCallback(t *testing.T) {
	tests := []struct {
		name string
		fn   any
		args []any
		want string
	}{
		{"name only", "cleanup", nil, "cleanup()"},
		{"string args are quoted", "connect", []any{"localhost", 8080}, `connect("localhost", 8080)`},
		{"package function", helperFunc, nil, "helperFunc()"},
		{"method value", sample{}.Ready, []any{true}, "sample.Ready(true)"},
		{"nil", nil, nil, "<nil>()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatCallback(tt.fn, tt.args...); got != tt.want {
				t.Errorf("FormatCallback() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCallbackString(t *testing.T) {
	cb := Callback{Name: "addToStats", Args: []any{"x"}}
	if got := cb.String(); got != `addToStats("x")` {
		t.Errorf("String() = %q", got)
	}
	cb = Callback{Func: helperFunc}
	if got := cb.String(); got != "helperFunc()" {
		t.Errorf("String() = %q, want the function name", got)
	}
}

func TestCallbackCall(t *testing.T) {
	errFail := errors.New("fail")

	tests := []struct {
		name    string
		fn      func() error
		wantErr bool
		wantMsg string
	}{
		{"nil func", nil, false, ""},
		{"success", func() error { return nil }, false, ""},
		{"error", func() error { return errFail }, true, "fail"},
		{"panic", func() error { panic("kaboom") }, true, "panicked: kaboom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Callback{Name: "cb", Func: tt.fn}.call()
			if (err != nil) != tt.wantErr {
				t.Fatalf("call() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrCallback) {
				t.Errorf("call() error = %v, want ErrCallback", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("call() error = %q, want it to contain %q", err, tt.wantMsg)
			}
		})
	}
}
