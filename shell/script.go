package shell

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ScriptSubprocess runs a named CLI script or binary with base arguments.
type ScriptSubprocess struct {
	*Subprocess

	// ScriptName is an absolute path or a name looked up in $PATH.
	ScriptName string

	// BaseScriptArgs precede the arguments of every run.
	BaseScriptArgs []string

	// ScriptArgs, when set, returns arguments placed between the base
	// arguments and the arguments of the run.
	ScriptArgs func() []string

	kind string
}

// NewScriptSubprocess returns a factory for scriptName.
func NewScriptSubprocess(scriptName string, baseArgs []string, opts ...Option) *ScriptSubprocess {
	s := newScript("ScriptSubprocess", scriptName, baseArgs, opts)
	s.owner = s
	return s
}

func newScript(kind, scriptName string, baseArgs []string, opts []Option) *ScriptSubprocess {
	return &ScriptSubprocess{
		Subprocess:     &Subprocess{Factory: newFactory(opts)},
		ScriptName:     scriptName,
		BaseScriptArgs: append([]string(nil), baseArgs...),
		kind:           kind,
	}
}

// DisplayName returns Kind(<script basename>).
func (s *ScriptSubprocess) DisplayName() string {
	return fmt.Sprintf("%s(%s)", s.kind, filepath.Base(s.ScriptName))
}

// ScriptPath resolves ScriptName to an existing file.
func (s *ScriptSubprocess) ScriptPath() (string, error) {
	path := s.ScriptName
	if !filepath.IsAbs(path) {
		found, err := exec.LookPath(path)
		if err != nil {
			return "", &scriptNotFoundError{name: s.ScriptName}
		}
		path = found
	}
	if _, err := os.Stat(path); err != nil {
		return "", &scriptNotFoundError{name: s.ScriptName}
	}
	return path, nil
}

// Cmdline returns the script path, the base arguments, ScriptArgs and args.
func (s *ScriptSubprocess) Cmdline(args ...string) ([]string, error) {
	path, err := s.ScriptPath()
	if err != nil {
		return nil, err
	}
	cmdline := []string{path}
	cmdline = append(cmdline, s.BaseScriptArgs...)
	if s.ScriptArgs != nil {
		cmdline = append(cmdline, s.ScriptArgs()...)
	}
	return append(cmdline, args...), nil
}
