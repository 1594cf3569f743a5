// Package logx adapts the service log hooks, which take a format string
// led by a priority word ("err: gpufreq: ..."), to the syslog priority
// arguments of platinasystems/log.
package logx

import (
	"strings"

	"github.com/platinasystems/log"
)

// Facility is the syslog facility every line is logged under.
const Facility = "daemon"

// output is log.Printf; tests swap it.
var output = log.Printf

var priorities = map[string]string{
	"emerg":   "emerg",
	"alert":   "alert",
	"crit":    "crit",
	"err":     "err",
	"error":   "err",
	"warn":    "warn",
	"warning": "warn",
	"note":    "note",
	"notice":  "note",
	"info":    "info",
	"debug":   "debug",
}

// Split takes the leading "word: " off format and returns the syslog
// priority name for it. Lines without a known word are info.
func Split(format string) (pri, rest string) {
	word, tail, ok := strings.Cut(format, ": ")
	if !ok {
		return "info", format
	}
	pri, ok = priorities[word]
	if !ok {
		return "info", format
	}
	return pri, tail
}

// Printf is the default Logf hook.
func Printf(format string, args ...any) {
	pri, rest := Split(format)
	a := make([]any, 0, len(args)+3)
	a = append(a, Facility, pri, rest)
	output(append(a, args...)...)
}

