package memory

import (
	"strings"
	"time"
	"unicode"
)

// Segmentation cuts a new segment on a temporal gap, a topic shift, or
// a full segment.
const (
	maxSegmentTurns     = 10
	segmentGap          = 30 * time.Minute
	topicShiftThreshold = 0.2
)

// Topic-shift detection needs enough vocabulary on both sides to mean
// anything; below these floors the turn just joins the segment.
const (
	minSegmentTurnsForShift = 3
	minTokensForShift       = 3
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "his": true,
	"has": true, "had": true, "how": true, "man": true, "new": true,
	"now": true, "old": true, "see": true, "two": true, "way": true,
	"who": true, "did": true, "its": true, "let": true, "she": true,
	"too": true, "use": true, "that": true, "with": true, "have": true,
	"this": true, "will": true, "your": true, "from": true, "they": true,
	"been": true, "were": true, "what": true, "when": true, "just": true,
	"about": true, "would": true, "there": true, "their": true,
	"which": true, "really": true, "think": true, "said": true,
	"like": false, // carries preference signal, keep it
}

type turnSpan struct {
	start int // inclusive turn index
	end   int // inclusive turn index
	turns []Turn
}

// segmentTurns groups consecutive turns into topical segments.
func segmentTurns(turns []Turn) []turnSpan {
	if len(turns) == 0 {
		return nil
	}

	var spans []turnSpan
	start := 0
	vocab := make(map[string]bool)
	addVocab(vocab, turns[0].Content)

	for i := 1; i < len(turns); i++ {
		if cutBefore(turns, start, i, vocab) {
			spans = append(spans, turnSpan{start: start, end: i - 1, turns: turns[start:i]})
			start = i
			vocab = make(map[string]bool)
		}
		addVocab(vocab, turns[i].Content)
	}
	spans = append(spans, turnSpan{start: start, end: len(turns) - 1, turns: turns[start:]})
	return spans
}

func cutBefore(turns []Turn, start, i int, vocab map[string]bool) bool {
	if i-start >= maxSegmentTurns {
		return true
	}
	prev, cur := turns[i-1], turns[i]
	if !prev.Timestamp.IsZero() && !cur.Timestamp.IsZero() && cur.Timestamp.Sub(prev.Timestamp) > segmentGap {
		return true
	}
	if i-start >= minSegmentTurnsForShift {
		incoming := meaningfulTokens(cur.Content)
		if len(incoming) >= minTokensForShift && jaccard(incoming, vocab) < topicShiftThreshold {
			return true
		}
	}
	return false
}

func (s turnSpan) text() string {
	parts := make([]string, len(s.turns))
	for i, t := range s.turns {
		parts[i] = strings.TrimSpace(t.Content)
	}
	return strings.Join(parts, "\n")
}

func (s turnSpan) timestamp() time.Time {
	for _, t := range s.turns {
		if !t.Timestamp.IsZero() {
			return t.Timestamp
		}
	}
	return time.Now().UTC()
}

func addVocab(vocab map[string]bool, text string) {
	for tok := range meaningfulTokens(text) {
		vocab[tok] = true
	}
}

// meaningfulTokens lowercases and drops stopwords and short tokens.
func meaningfulTokens(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range splitWords(text) {
		word := strings.ToLower(field)
		if len(word) < 3 || stopwords[word] {
			continue
		}
		tokens[word] = true
	}
	return tokens
}

func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 1
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

var positiveWords = map[string]bool{
	"love": true, "like": true, "great": true, "good": true,
	"happy": true, "wonderful": true, "enjoy": true, "nice": true,
	"best": true, "awesome": true, "fantastic": true, "glad": true,
}

var negativeWords = map[string]bool{
	"hate": true, "bad": true, "awful": true, "terrible": true,
	"sad": true, "angry": true, "worst": true, "annoying": true,
	"horrible": true, "upset": true, "dislike": true, "worried": true,
}

// sentimentScore is a crude lexicon score in [-1, 1].
func sentimentScore(text string) float64 {
	var pos, neg int
	for _, field := range splitWords(text) {
		word := strings.ToLower(field)
		if positiveWords[word] {
			pos++
		}
		if negativeWords[word] {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return 0
	}
	return float64(pos-neg) / float64(total)
}
