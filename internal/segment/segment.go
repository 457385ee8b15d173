// Package segment splits raw input text into bounded-size pieces while
// preserving paragraph and sentence integrity.
//
// DESIGN: Splits are attempted (in order of preference) at:
//  1. Paragraph boundaries (\n\n)
//  2. Sentence-ending punctuation (. ! ? and CJK equivalents)
//  3. Whitespace (word boundary)
//  4. Hard cut at the rune bound if no suitable boundary exists
//
// Segments are exact substrings of the input: concatenating the Text of all
// returned segments reconstructs the original text byte-for-byte. This makes
// segmentation deterministic and safe to rerun when resuming a session.
package segment

import (
	"fmt"
	"strings"
	"unicode"
)

// maxTitleRunes bounds how long a leading line may be and still count as a
// heading. Longer first lines are treated as body text.
const maxTitleRunes = 80

// Segment is one bounded-size piece of the input text.
type Segment struct {
	Text    string
	IsTitle bool
}

// SegmentationError reports input that cannot be segmented under the
// configured bound.
type SegmentationError struct {
	Reason string
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("segmentation failed: %s", e.Reason)
}

// Split divides text into segments of at most maxChars runes each.
//
// A leading short line followed by a blank line is emitted as its own
// segment with IsTitle set, so later pipeline stages can apply
// lighter-touch handling to headings.
//
// Empty (or all-whitespace) input yields no segments. Input that fits
// within maxChars yields exactly one segment. Identical input and bound
// always produce identical segments.
func Split(text string, maxChars int) ([]Segment, error) {
	if maxChars <= 0 {
		return nil, &SegmentationError{Reason: fmt.Sprintf("invalid max chars bound %d", maxChars)}
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	// Input that already fits stays whole; title extraction only matters
	// once the text has to be divided.
	if len([]rune(text)) <= maxChars {
		return []Segment{{Text: text}}, nil
	}

	var segs []Segment
	remaining := text

	if title, rest, ok := splitTitle(remaining); ok {
		segs = append(segs, Segment{Text: title, IsTitle: true})
		remaining = rest
	}

	for len([]rune(remaining)) > maxChars {
		cut := findCut(remaining, maxChars)
		segs = append(segs, Segment{Text: remaining[:cut]})
		remaining = remaining[cut:]
	}
	if remaining != "" {
		segs = append(segs, Segment{Text: remaining})
	}

	return segs, nil
}

// splitTitle detects a heading-like first line: a single short line followed
// by a blank line, without sentence-ending punctuation. Returns the raw
// title slice (including its trailing blank line, so reconstruction stays
// exact), the remainder, and whether a title was found.
func splitTitle(text string) (title, rest string, ok bool) {
	idx := strings.Index(text, "\n\n")
	if idx <= 0 {
		return "", "", false
	}

	line := strings.TrimSpace(text[:idx])
	if line == "" || strings.ContainsRune(line, '\n') {
		return "", "", false
	}
	if len([]rune(line)) > maxTitleRunes {
		return "", "", false
	}
	if r := lastRune(line); isSentenceEnd(r) || r == ',' || r == ';' {
		return "", "", false
	}

	return text[:idx+2], text[idx+2:], true
}

// findCut returns the byte offset at which to split text so that the left
// piece holds at most maxChars runes. It searches backwards through the
// candidate prefix for the best boundary.
func findCut(text string, maxChars int) int {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return len(text)
	}
	candidate := string(runes[:maxChars])

	// 1. Paragraph boundary, consumed into the left piece.
	if idx := strings.LastIndex(candidate, "\n\n"); idx > 0 {
		return idx + 2
	}

	// 2. Sentence-ending punctuation followed by whitespace (or a CJK
	// terminator, which needs no trailing space).
	cr := []rune(candidate)
	for i := len(cr) - 1; i > 0; i-- {
		if !isSentenceEnd(cr[i]) {
			continue
		}
		if isCJKSentenceEnd(cr[i]) || (i+1 < len(cr) && unicode.IsSpace(cr[i+1])) {
			return len(string(cr[:i+1]))
		}
	}

	// 3. Whitespace word boundary.
	for i := len(cr) - 1; i > 0; i-- {
		if unicode.IsSpace(cr[i]) {
			return len(string(cr[:i+1]))
		}
	}

	// 4. Hard cut.
	return len(candidate)
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?':
		return true
	}
	return isCJKSentenceEnd(r)
}

func isCJKSentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？': // 。！？
		return true
	}
	return false
}

func lastRune(s string) rune {
	var last rune
	for _, r := range s {
		last = r
	}
	return last
}
