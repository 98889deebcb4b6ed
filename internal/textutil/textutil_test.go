package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractBlock(t *testing.T) {
	text := "preamble\n<planned_step>{\"a\":1}</planned_step>\ntrailer"
	inner, ok := ExtractBlock(text, "planned_step")
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, inner)
}

func TestExtractBlockMissing(t *testing.T) {
	_, ok := ExtractBlock("no delimiters here", "planned_step")
	assert.False(t, ok)

	_, ok = ExtractBlock("<planned_step>unterminated", "planned_step")
	assert.False(t, ok)
}

func TestExtractBlockIgnoresFencedSpans(t *testing.T) {
	text := "example:\n```\n<planned_step>quoted</planned_step>\n```\n" +
		"<planned_step>real</planned_step>"
	inner, ok := ExtractBlock(text, "planned_step")
	assert.True(t, ok)
	assert.Equal(t, "real", inner)
}

func TestExtractBlockOnlyFenced(t *testing.T) {
	text := "```\n<planned_step>quoted</planned_step>\n```"
	_, ok := ExtractBlock(text, "planned_step")
	assert.False(t, ok)
}

func TestExtractPersistentMemory(t *testing.T) {
	text := "reply text <persistent_memory>### note\nkeep going</persistent_memory>"
	assert.Equal(t, "### note\nkeep going", ExtractPersistentMemory(text))
	assert.Equal(t, "", ExtractPersistentMemory("no fragment"))
}

func TestSanitizeMemoryDropsShallowHeadings(t *testing.T) {
	in := "# title\n## section\n### detail\nbody\n#### deep"
	assert.Equal(t, "### detail\nbody\n#### deep", SanitizeMemory(in))
}

func TestSanitizeMemoryKeepsNonHeadingHashes(t *testing.T) {
	assert.Equal(t, "#hashtag not a heading", SanitizeMemory("#hashtag not a heading"))
	assert.Equal(t, "", SanitizeMemory("##\n#"))
}
