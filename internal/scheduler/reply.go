package scheduler

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// CleanReply normalizes raw model output into a single chat line: leading
// speaker prefixes like "Mio says:" are stripped, bracketed stage labels are
// removed, and everything after the first newline is discarded.
func CleanReply(raw string) string {
	text := strings.TrimSpace(raw)
	if idx := strings.IndexAny(text, "\r\n"); idx >= 0 {
		text = text[:idx]
	}

	// Speaker prefix: "<name> says:" or "<name>:" before the first clause.
	if idx := strings.Index(text, "says:"); idx >= 0 && idx < 40 {
		text = text[idx+len("says:"):]
	} else if idx := strings.Index(text, ":"); idx > 0 && idx < 20 {
		prefix := text[:idx]
		if !strings.ContainsAny(prefix, ".!?,") {
			text = text[idx+1:]
		}
	}

	text = stripBracketLabels(text)
	return trimQuotes(text)
}

// stripBracketLabels removes [label] and 【label】 segments such as stage
// directions or emotion tags.
func stripBracketLabels(text string) string {
	var b strings.Builder
	depth := 0
	for _, r := range text {
		switch r {
		case '[', '【':
			depth++
		case ']', '】':
			if depth > 0 {
				depth--
				continue
			}
		}
		if depth == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ChunkReply splits a reply into message-sized chunks at sentence
// punctuation. Parenthesized asides stay attached to the preceding chunk so
// they are never sent alone.
func ChunkReply(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder
	parenDepth := 0

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
	}

	for _, r := range text {
		current.WriteRune(r)
		switch r {
		case '(', '（':
			parenDepth++
		case ')', '）':
			if parenDepth > 0 {
				parenDepth--
			}
		}
		if parenDepth > 0 {
			continue
		}
		if isSentenceEnd(r) {
			flush()
		}
	}
	flush()

	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…', ';', '；':
		return true
	}
	return false
}

// DelayFor estimates a human-like typing delay for one chunk, proportional
// to its visible length.
func DelayFor(chunk string) time.Duration {
	n := utf8.RuneCountInString(chunk)
	d := time.Duration(n) * 90 * time.Millisecond
	if d < 600*time.Millisecond {
		return 600 * time.Millisecond
	}
	if d > 4*time.Second {
		return 4 * time.Second
	}
	return d
}

// trimQuotes removes matching surrounding quotation marks models sometimes
// wrap replies in.
func trimQuotes(text string) string {
	text = strings.TrimSpace(text)
	if len(text) < 2 {
		return text
	}
	first, _ := utf8.DecodeRuneInString(text)
	last, _ := utf8.DecodeLastRuneInString(text)
	if (first == '"' && last == '"') ||
		(first == '“' && last == '”') ||
		(unicode.Is(unicode.Quotation_Mark, first) && first == last) {
		return strings.TrimSpace(text[utf8.RuneLen(first) : len(text)-utf8.RuneLen(last)])
	}
	return text
}
