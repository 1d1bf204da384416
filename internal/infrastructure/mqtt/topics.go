package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "shellkit"

// Topics builds the shellkit topic hierarchy under a prefix:
//
//	{prefix}/status                       client online/offline (retained)
//	{prefix}/daemon/{name}/{event}        daemon lifecycle events
//	{prefix}/run/{kind}                   completed subprocess runs
//
// Name segments are sanitised with Segment.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// Status returns the client status topic.
//
// Example: shellkit/status
func (t Topics) Status() string {
	return fmt.Sprintf("%s/status", t.prefix())
}

// DaemonEvent returns the topic for one lifecycle event of a daemon.
//
// Example: shellkit/daemon/web-server/started
func (t Topics) DaemonEvent(name, event string) string {
	return fmt.Sprintf("%s/daemon/%s/%s", t.prefix(), Segment(name), Segment(event))
}

// Run returns the topic for completed runs of a factory kind.
//
// Example: shellkit/run/Subprocess
func (t Topics) Run(kind string) string {
	return fmt.Sprintf("%s/run/%s", t.prefix(), Segment(kind))
}

// AllDaemonEvents returns a pattern matching every daemon event.
//
// Pattern: shellkit/daemon/+/+
func (t Topics) AllDaemonEvents() string {
	return fmt.Sprintf("%s/daemon/+/+", t.prefix())
}

// All returns a pattern matching every topic under the prefix.
//
// Pattern: shellkit/#
func (t Topics) All() string {
	return t.prefix() + "/#"
}

// Segment makes s usable as a single topic level: wildcards, separators
// and whitespace become "-", and an empty string becomes "_".
func Segment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ', '\t', '\n', 0:
			return '-'
		}
		return r
	}, s)
	if s == "" {
		return "_"
	}
	return s
}
