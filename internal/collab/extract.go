package collab

import "strings"

// extractJSON pulls the first balanced JSON object or array out of a
// possibly chatty model response.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		start = strings.Index(text, "[")
	}
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	startChar := rune(text[start])
	endChar := '}'
	if startChar == '[' {
		endChar = ']'
	}

	for i := start; i < len(text); i++ {
		ch := rune(text[i])

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if ch == startChar || ch == '{' || ch == '[' {
				depth++
			} else if ch == endChar || ch == '}' || ch == ']' {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
