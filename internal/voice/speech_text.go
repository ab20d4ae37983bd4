package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

const (
	segmentFirstMin  = 24
	segmentNextMin   = 42
	segmentCutWindow = 44
)

// speakableText strips markup, links and symbols that a synthesizer would
// read out literally. The reply sent as gpt_response keeps the original text.
func speakableText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = strings.NewReplacer("*", " ", "_", " ", "\\", " ", "/", " ", "|", " ", "#", " ", "~", " ", "<", " ", ">", " ").Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')', '«', '»':
		return true
	default:
		return false
	}
}

// speechSegments splits a reply into phrase-sized pieces so the synthesizer
// can start on the first clause while later ones are still being sent. The
// first segment is kept short to cut time to first audio.
func speechSegments(text string) []string {
	var out []string
	rest := text
	minChars := segmentFirstMin
	for rest != "" {
		segment, tail := nextSegment(rest, minChars)
		rest = tail
		if segment = strings.Join(strings.Fields(segment), " "); segment != "" {
			out = append(out, segment)
			minChars = segmentNextMin
		}
	}
	return out
}

func nextSegment(input string, minChars int) (segment, rest string) {
	if len(input) <= minChars {
		return input, ""
	}
	if idx := boundaryAfter(input, minChars, ","); idx >= 0 {
		return input[:idx+1], input[idx+1:]
	}
	if idx := boundaryAfter(input, minChars, ".!?;:\n"); idx >= 0 {
		return input[:idx+1], input[idx+1:]
	}
	limit := min(minChars+segmentCutWindow, len(input))
	for i := minChars; i < limit; i++ {
		if input[i] == ' ' || input[i] == '\t' || input[i] == '\n' {
			return input[:i], input[i:]
		}
	}
	if limit == len(input) {
		return input, ""
	}
	// No whitespace nearby; cut at the next space to avoid splitting a
	// multi-byte rune or a word.
	if i := strings.IndexByte(input[limit:], ' '); i >= 0 {
		return input[:limit+i], input[limit+i:]
	}
	return input, ""
}

func boundaryAfter(input string, minChars int, marks string) int {
	for i := minChars - 1; i < len(input); i++ {
		if strings.IndexByte(marks, input[i]) >= 0 {
			return i
		}
	}
	return -1
}
