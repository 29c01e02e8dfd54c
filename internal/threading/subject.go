package threading

import (
	"regexp"
	"strings"
)

// replyPrefix matches one leading reply/forward marker such as "Re:",
// "FWD :", "Re[2]:" or "AW:".
var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd?|tr|aw)\s*(\[\d+\])?\s*:\s*`)

// StripSubjectPrefixes removes any number of leading reply/forward prefixes
// and collapses internal whitespace.
func StripSubjectPrefixes(subject string) string {
	s := strings.Join(strings.Fields(subject), " ")
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			return s
		}
		s = stripped
	}
}

// ThreadSubject is the subject stored on a new thread: the stripped subject,
// or the raw one when stripping leaves nothing.
func ThreadSubject(subject string) string {
	if stripped := StripSubjectPrefixes(subject); stripped != "" {
		return stripped
	}
	return strings.TrimSpace(subject)
}
