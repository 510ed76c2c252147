package helpers

import (
	"errors"
	"strings"
)

// ExtractJSONBlock pulls the first JSON value out of model output. It
// tolerates ``` and ~~~ fences (with or without a language tag) and prose
// around the value; the value itself is located by balanced-delimiter scan.
func ExtractJSONBlock(s string) (string, error) {
	s = strings.TrimSpace(trimBOM(s))
	if s == "" {
		return "", errors.New("empty input")
	}

	for _, fence := range []string{"```", "~~~"} {
		if inner, ok := stripFence(s, fence); ok {
			s = inner
			break
		}
	}

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", errors.New("no JSON value found")
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", errors.New("unbalanced JSON value")
}

func stripFence(s, fence string) (string, bool) {
	i := strings.Index(s, fence)
	if i == -1 {
		return "", false
	}
	after := i + len(fence)
	nl := strings.IndexByte(s[after:], '\n')
	if nl == -1 {
		return "", false
	}
	contentStart := after + nl + 1
	j := strings.Index(s[contentStart:], fence)
	if j == -1 {
		return "", false
	}
	return s[contentStart : contentStart+j], true
}

func trimBOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}
