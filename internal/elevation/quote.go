package elevation

import "strings"

// PromptText is the prompt sudo is told to print, and the text echoed to the
// operator when it is seen.
const PromptText = "sudo password:"

// Wrap returns cmd run through sudo reading its password from stdin
func Wrap(cmd string) string {
	return "sudo -S -p " + Quote(PromptText) + " sh -c " + Quote(cmd)
}

// Quote quotes an argument for POSIX shells, leaving common safe
// strings bare and single-quoting the rest with the '\'' escape.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return false
		}
		switch r {
		case '-', '_', '.', '/', '@', ',', '+', '=':
			return false
		}
		return true
	}) == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
