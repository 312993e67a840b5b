package protocol

import "strings"

// Wordify splits an operator command line into protocol words.
//
//	Hello World!            -> [Hello World!]
//	Hello "There World!"    -> [Hello, There World!]
//	admin.say "a \"b\"" all -> [admin.say, a "b", all]
//
// Spaces inside double quotes do not split. Backslash escapes \n, \r, \t,
// \" and \\. Every space outside quotes ends a word, so repeated spaces
// produce empty words, and the final word is always emitted.
func Wordify(line string) []string {
	var (
		words   []string
		word    strings.Builder
		quoted  bool
		escaped bool
	)

	for _, c := range line {
		switch {
		case c == ' ':
			if quoted {
				word.WriteRune(' ')
			} else {
				words = append(words, word.String())
				word.Reset()
			}
		case escaped && c == 'n':
			word.WriteRune('\n')
			escaped = false
		case escaped && c == 'r':
			word.WriteRune('\r')
			escaped = false
		case escaped && c == 't':
			word.WriteRune('\t')
			escaped = false
		case c == '"':
			if escaped {
				word.WriteRune('"')
				escaped = false
			} else {
				quoted = !quoted
			}
		case c == '\\':
			if escaped {
				word.WriteRune('\\')
				escaped = false
			} else {
				escaped = true
			}
		default:
			word.WriteRune(c)
			escaped = false
		}
	}

	return append(words, word.String())
}
