package bridges

import "strings"

// splitMessage cuts text into chunks of at most maxLen bytes. Each cut
// prefers the last newline inside the window, but only when that lands past
// the midpoint so a stray early newline cannot produce tiny fragments.
// Newline-free text cuts at exactly maxLen. The parts concatenate back to
// the original text.
func splitMessage(content string, maxLen int) []string {
	if content == "" || maxLen <= 0 {
		return nil
	}

	var parts []string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		parts = append(parts, chunk)
	}
	return parts
}
