package rlm

import (
	"regexp"
	"strings"
)

var (
	tagged = regexp.MustCompile("(?s)```(?:python|starlark|py)[ \\t]*\\r?\\n(.*?)```")
	bare   = regexp.MustCompile("(?s)```(?:[\\w+-]*[ \\t]*\\r?\\n)?(.*?)```")

	// codeLine matches lines that read as statements: calls, assignments
	// and block openers.
	codeLine = regexp.MustCompile(`^\s*(?:[A-Za-z_][\w.]*\(|[A-Za-z_][\w.\[\]"']*\s*(?:\+|-)?=[^=]|(?:def|for|if|while|return)\b)`)
)

// extractCode returns the code in a model response. Tagged blocks are
// joined in order; failing that the first fenced block is used, and failing
// that the whole trimmed text. fenced reports whether a fence was found.
func extractCode(text string) (code string, fenced bool) {
	if matches := tagged.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		blocks := make([]string, 0, len(matches))
		for _, m := range matches {
			if b := strings.TrimSpace(m[1]); b != "" {
				blocks = append(blocks, b)
			}
		}
		return strings.Join(blocks, "\n"), true
	}
	if m := bare.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return strings.TrimSpace(text), false
}

// looksLikeCode reports whether unfenced text reads as code rather than a
// prose answer.
func looksLikeCode(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if codeLine.MatchString(line) {
			return true
		}
	}
	return false
}
