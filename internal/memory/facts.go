package memory

import (
	"regexp"
	"strings"
)

// Candidate facts come from single sentences that speak about the
// user. Classification is first-match over pattern groups; confidence
// is per-type, with the floor applied by the pipeline.
const minFactTokens = 2

type factCandidate struct {
	Content    string
	FactType   string
	Confidence float64
}

var identityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy name is\b`),
	regexp.MustCompile(`(?i)\bi am called\b`),
	regexp.MustCompile(`(?i)\bis named\b`),
	regexp.MustCompile(`(?i)\bcall me\b`),
	regexp.MustCompile(`(?i)\b\d+ years old\b`),
	regexp.MustCompile(`(?i)\bi was born\b`),
	regexp.MustCompile(`(?i)\bi live in\b`),
	regexp.MustCompile(`(?i)\bi work (at|as|for)\b`),
}

var preferencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi (really )?(like|love|enjoy|prefer|hate|dislike)\b`),
	regexp.MustCompile(`(?i)\bmy favou?rite\b`),
	regexp.MustCompile(`(?i)\bcan't stand\b`),
	regexp.MustCompile(`(?i)\bi'?m (a big )?fan of\b`),
}

var relationshipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy (wife|husband|partner|girlfriend|boyfriend|friend|brother|sister|mother|father|mom|dad|son|daughter|colleague|boss|neighbou?r|cat|dog|pet)\b`),
}

var temporalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(yesterday|tomorrow|tonight)\b`),
	regexp.MustCompile(`(?i)\b(last|next) (week|month|year|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
	regexp.MustCompile(`(?i)\bon (monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
	regexp.MustCompile(`(?i)\bin (january|february|march|april|may|june|july|august|september|october|november|december)\b`),
}

var firstPerson = regexp.MustCompile(`(?i)\b(i|i'm|i've|my|we|our|me)\b`)

var sentenceSplit = regexp.MustCompile(`[.!?\n]+`)

// extractFacts pulls typed fact candidates out of segment text.
// Classification priority: identity, preference, relationship,
// temporal, then context as the first-person fallback.
func extractFacts(text string) []factCandidate {
	var facts []factCandidate
	for _, raw := range sentenceSplit.Split(text, -1) {
		sentence := strings.TrimSpace(raw)
		if sentence == "" {
			continue
		}
		if len(meaningfulTokens(sentence)) < minFactTokens {
			continue
		}
		if !firstPerson.MatchString(sentence) {
			continue
		}

		switch {
		case matchesAny(sentence, identityPatterns):
			facts = append(facts, factCandidate{sentence, FactIdentity, 0.9})
		case matchesAny(sentence, preferencePatterns):
			facts = append(facts, factCandidate{sentence, FactPreference, 0.8})
		case matchesAny(sentence, relationshipPatterns):
			facts = append(facts, factCandidate{sentence, FactRelationship, 0.75})
		case matchesAny(sentence, temporalPatterns):
			facts = append(facts, factCandidate{sentence, FactTemporal, 0.6})
		default:
			facts = append(facts, factCandidate{sentence, FactContext, 0.45})
		}
	}
	return facts
}

func matchesAny(sentence string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(sentence) {
			return true
		}
	}
	return false
}
