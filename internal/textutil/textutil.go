// Package textutil holds the text-extraction helpers shared by skill
// executors: delimited-block extraction from LLM output and the
// persistent-memory heading filter.
package textutil

import "strings"

// fencedRanges returns the [start, end) byte ranges of fenced code spans so
// that delimiters quoted inside examples are not mistaken for real output.
// An unterminated fence extends to the end of the text.
func fencedRanges(text string) [][2]int {
	var ranges [][2]int
	rest := text
	offset := 0
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			return ranges
		}
		closing := strings.Index(rest[open+3:], "```")
		if closing < 0 {
			ranges = append(ranges, [2]int{offset + open, len(text)})
			return ranges
		}
		end := open + 3 + closing + 3
		ranges = append(ranges, [2]int{offset + open, offset + end})
		offset += end
		rest = rest[end:]
	}
}

func inRanges(pos int, ranges [][2]int) bool {
	for _, r := range ranges {
		if pos >= r[0] && pos < r[1] {
			return true
		}
	}
	return false
}

// ExtractBlock returns the trimmed text between <tag> and </tag>, ignoring
// occurrences embedded inside fenced code spans. ok is false when no
// complete block exists outside fences.
func ExtractBlock(text, tag string) (inner string, ok bool) {
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	fences := fencedRanges(text)

	searchFrom := 0
	for {
		start := strings.Index(text[searchFrom:], open)
		if start < 0 {
			return "", false
		}
		start += searchFrom
		if inRanges(start, fences) {
			searchFrom = start + len(open)
			continue
		}
		bodyStart := start + len(open)
		rel := strings.Index(text[bodyStart:], closeTag)
		if rel < 0 {
			return "", false
		}
		end := bodyStart + rel
		if inRanges(end, fences) {
			searchFrom = end + len(closeTag)
			continue
		}
		return strings.TrimSpace(text[bodyStart:end]), true
	}
}

// ExtractPersistentMemory pulls the agent-authored memory fragment out of an
// LLM response. The empty string means no fragment was present.
func ExtractPersistentMemory(text string) string {
	inner, _ := ExtractBlock(text, "persistent_memory")
	return inner
}

// SanitizeMemory enforces the persistent-memory text contract: heading lines
// of depth 1 or 2 are dropped silently, depth 3 and deeper pass through.
func SanitizeMemory(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if isShallowHeading(trimmed) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func isShallowHeading(line string) bool {
	if !strings.HasPrefix(line, "#") {
		return false
	}
	depth := 0
	for depth < len(line) && line[depth] == '#' {
		depth++
	}
	if depth >= 3 {
		return false
	}
	return depth == len(line) || line[depth] == ' ' || line[depth] == '\t'
}
