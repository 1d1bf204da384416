package processes

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Markers of the glibc TLS race (https://sourceware.org/bugzilla/show_bug.cgi?id=19329).
const (
	glibcRaceExitCode = 127
	glibcRaceMarkerA  = "Inconsistency detected by ld.so"
	glibcRaceMarkerB  = "_dl_allocate_tls_init"
)

// GlibcRaceMessage is the skip reason for a hit of the glibc TLS race.
const GlibcRaceMessage = "GLIBC race condition bug hit. See https://sourceware.org/bugzilla/show_bug.cgi?id=19329"

// glibcFixedIn is the first glibc release without the race.
var glibcFixedIn = [2]int{2, 34}

var lddVersionRe = regexp.MustCompile(`(?m)(\d+)\.(\d+)\s*$`)

var (
	glibcOnce    sync.Once
	glibcVersion [2]int
	glibcKnown   bool
)

// GlibcVersion returns the system glibc (major, minor) as reported by
// `ldd --version`. ok is false on non-glibc systems.
func GlibcVersion() (major, minor int, ok bool) {
	glibcOnce.Do(func() {
		out, err := exec.CommandContext(context.Background(), "ldd", "--version").CombinedOutput()
		if err != nil && len(out) == 0 {
			return
		}
		glibcVersion, glibcKnown = parseLddVersion(string(out))
	})
	return glibcVersion[0], glibcVersion[1], glibcKnown
}

// parseLddVersion reads the version from the first line of `ldd --version`,
// e.g. "ldd (Ubuntu GLIBC 2.31-0ubuntu9.9) 2.31".
func parseLddVersion(out string) ([2]int, bool) {
	first, _, _ := strings.Cut(out, "\n")
	if !strings.Contains(strings.ToLower(first), "glibc") && !strings.Contains(strings.ToLower(first), "gnu libc") {
		return [2]int{}, false
	}
	m := lddVersionRe.FindStringSubmatch(first)
	if m == nil {
		return [2]int{}, false
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return [2]int{}, false
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return [2]int{}, false
	}
	return [2]int{major, minor}, true
}

// IsGlibcRace reports whether r looks like a process killed by the glibc
// TLS race on an affected glibc.
func IsGlibcRace(r *Result) bool {
	major, minor, ok := GlibcVersion()
	if !ok {
		return false
	}
	return isGlibcRace(r, [2]int{major, minor})
}

func isGlibcRace(r *Result, version [2]int) bool {
	if r == nil || r.Returncode != glibcRaceExitCode {
		return false
	}
	if version[0] > glibcFixedIn[0] || (version[0] == glibcFixedIn[0] && version[1] >= glibcFixedIn[1]) {
		return false
	}
	stderr := string(r.Stderr)
	return strings.Contains(stderr, glibcRaceMarkerA) && strings.Contains(stderr, glibcRaceMarkerB)
}
