package cmd

import (
	"strings"
)

// wrapWidth is the column help text is wrapped at.
const wrapWidth = 50

// WrapString wraps text at wrapWidth columns for flag help.
func WrapString(text string) string {
	var (
		lines []string
		line  strings.Builder
	)
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrapWidth {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}
