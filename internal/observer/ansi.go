package observer

import (
	"regexp"
	"strings"
)

// ansiPattern matches CSI, OSC, DCS/SOS/PM/APC strings and two-byte escapes.
var ansiPattern = regexp.MustCompile(
	`\x1b\[[0-?]*[ -/]*[@-~]` +
		`|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)` +
		`|\x1b[PX^_][^\x1b]*\x1b\\` +
		`|\x1b[ -/]*[0-~]`,
)

// stripANSI removes escape sequences, turns CRLF into LF and drops the
// remaining C0 control characters other than tab and newline.
func stripANSI(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
}
