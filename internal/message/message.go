// Package message parses a single raw TSI request: the command tag,
// the `#TSI_IDENTITY` line, and the `#TSI_DISCARD_OUTPUT` flag, per
// spec.md §4.D. It is a direct re-expression of
// original_source/lib/TSI.py's inline re.search calls as a small parsed
// value type, so internal/dispatch does not repeat regex scanning at
// every call site.
package message

import (
	"regexp"
	"strings"

	"github.com/unicore-eu/tsi/internal/tsierr"
)

var (
	commandTagRE  = regexp.MustCompile(`(?m)^#(TSI_[A-Z_]+)\n`)
	identityRE    = regexp.MustCompile(`(?m).*#TSI_IDENTITY (\S+) (\S+)\n.*`)
	discardLineRE = regexp.MustCompile(`(?m)^#TSI_DISCARD_OUTPUT true\n`)
)

// Message is a parsed TSI request. Raw holds the full unmodified body,
// since several handlers (TSI_EXECUTESCRIPT in particular) need to pass
// the rest of the message through to a shell rather than a further
// parsed representation.
type Message struct {
	Raw     string
	Command string
}

// Parse scans body for the first recognized `#TSI_<CMD>` tag, per
// TSI.py:process's "for cmd in functions" loop. known is the set of
// commands the dispatcher's registry supports; an unrecognized tag (or
// no tag at all) is reported back to the caller as the TSI protocol
// requires ("Unknown command ..."), not treated as a parse failure.
func Parse(body string, known map[string]bool) (Message, bool) {
	for _, m := range commandTagRE.FindAllStringSubmatch(body, -1) {
		if known[m[1]] {
			return Message{Raw: body, Command: m[1]}, true
		}
	}
	return Message{Raw: body}, false
}

// Identity extracts the `#TSI_IDENTITY <user> <group1:group2:...>` line
// required when switch_uid is enabled. ok is false if the line is
// absent, matching TSI.py's "No user/group info given" RuntimeError.
func (m Message) Identity() (user string, groups []string, ok bool) {
	sub := identityRE.FindStringSubmatch(m.Raw)
	if sub == nil {
		return "", nil, false
	}
	return sub[1], strings.Split(sub[2], ":"), true
}

// DiscardOutput reports whether the message asked for its output to be
// suppressed (used by TSI_EXECUTESCRIPT and similar long-running
// commands), per TSI.py:execute_script.
func (m Message) DiscardOutput() bool {
	return discardLineRE.MatchString(m.Raw)
}

// RequireIdentity is a convenience wrapper for handlers/dispatch that
// must have identity information to proceed.
func (m Message) RequireIdentity() (user string, groups []string, err error) {
	user, groups, ok := m.Identity()
	if !ok {
		return "", nil, tsierr.NewProtocolError("no #TSI_IDENTITY line in message")
	}
	return user, groups, nil
}
