package testhelper

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestEntrypoint_Args(t *testing.T) {
	got := Echo.Args("a", "b")
	want := []string{entryArgPrefix + "echo", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("Args() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Args()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	cmdline := Echo.Cmdline("x")
	if cmdline[0] != Executable() {
		t.Errorf("Cmdline()[0] = %q, want %q", cmdline[0], Executable())
	}
}

func TestNewEntrypoint_Duplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewEntrypoint() with a duplicate name did not panic")
		}
	}()
	NewEntrypoint("echo", echo)
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "exit code", err: ExitCode(7), want: 7},
		{name: "wrapped exit code", err: errors.Join(errors.New("x"), ExitCode(3)), want: 3},
		{name: "other error", err: errors.New("boom"), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitStatus(tt.err); got != tt.want {
				t.Errorf("exitStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRouter_Health(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var h Health
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if h.Status != "ok" || h.PID != os.Getpid() {
		t.Errorf("Health = %+v", h)
	}
}

func TestRouter_Env(t *testing.T) {
	t.Setenv("SHELLKIT_HELPER_TEST", "value")

	tests := []struct {
		path string
		want int
	}{
		{path: "/env/SHELLKIT_HELPER_TEST", want: http.StatusOK},
		{path: "/env/SHELLKIT_HELPER_UNSET", want: http.StatusNotFound},
		{path: "/cwd", want: http.StatusOK},
		{path: "/missing", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		NewRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}
