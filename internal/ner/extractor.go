// Package ner provides named entity extraction for the memory
// pipeline. The extractor is lexical: capitalized spans are grouped
// and classified by honorifics, organization suffixes, location cues,
// and small lexicons. It needs no model weights and no network, and
// its output is deterministic.
package ner

import (
	"log"
	"strings"
	"unicode"
)

// Entity types.
const (
	TypePerson = "PERSON"
	TypeOrg    = "ORG"
	TypeLoc    = "LOC"
	TypeMisc   = "MISC"
)

// Entity is a typed span found in the input text. Start and End are
// byte offsets into the original string.
type Entity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float32 `json:"confidence"`
}

// Request is the payload carried on the ner operation.
type Request struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// Response carries the extracted entities.
type Response struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities"`
	Count    int      `json:"count"`
}

var honorifics = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
}

var orgSuffixes = map[string]bool{
	"inc": true, "corp": true, "ltd": true, "llc": true, "gmbh": true,
	"ag": true, "co": true, "labs": true, "university": true,
	"institute": true, "technologies": true, "systems": true,
	"foundation": true, "bank": true,
}

var locationCues = map[string]bool{
	"in": true, "at": true, "from": true, "near": true,
}

var knownLocations = map[string]bool{
	"berlin": true, "munich": true, "hamburg": true, "paris": true,
	"london": true, "tokyo": true, "york": true, "seattle": true,
	"germany": true, "france": true, "japan": true, "europe": true,
	"california": true, "texas": true, "bavaria": true,
}

var knownFirstNames = map[string]bool{
	"alice": true, "bob": true, "carol": true, "dave": true,
	"john": true, "jane": true, "maria": true, "peter": true,
	"anna": true, "michael": true, "sarah": true, "david": true,
	"emma": true, "tom": true, "lisa": true, "max": true,
}

// sentenceStarters are common words that only look like names when
// they open a sentence.
var sentenceStarters = map[string]bool{
	"the": true, "a": true, "my": true, "i": true, "we": true,
	"this": true, "that": true, "it": true, "he": true, "she": true,
	"they": true, "hello": true, "hi": true, "today": true,
	"yesterday": true, "tomorrow": true, "please": true, "yes": true,
	"no": true, "thanks": true, "so": true, "but": true, "and": true,
	"what": true, "when": true, "where": true, "how": true, "why": true,
	"is": true, "do": true, "can": true, "let": true, "also": true,
}

type token struct {
	text        string
	start       int
	end         int
	sentenceEnd bool // a terminator followed this token
}

// Extractor classifies capitalized spans into typed entities.
type Extractor struct {
	threshold float32
	debug     bool
}

// NewExtractor creates an extractor that drops entities scored below
// threshold. A zero threshold uses the default of 0.5.
func NewExtractor(threshold float32, debug bool) *Extractor {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Extractor{threshold: threshold, debug: debug}
}

// Extract returns the typed entities found in text, in input order.
func (e *Extractor) Extract(text string) []Entity {
	tokens := tokenize(text)

	var entities []Entity
	for i := 0; i < len(tokens); {
		if !candidate(text, tokens, i) {
			i++
			continue
		}

		// Grow the span across consecutive capitalized tokens.
		j := i
		for j+1 < len(tokens) && capitalized(tokens[j+1].text) && adjacent(text, tokens[j], tokens[j+1]) {
			j++
		}
		span := tokens[i : j+1]
		entity := e.classify(text, tokens, i, span)
		if entity.Confidence >= e.threshold {
			entities = append(entities, entity)
		} else if e.debug {
			log.Printf("ner: dropped %q (%s %.2f)", entity.Text, entity.Type, entity.Confidence)
		}
		i = j + 1
	}
	return entities
}

// classify types one capitalized span. Rule priority: organization
// suffix, location lexicon, honorific or first-name lexicon, location
// cue word, all-caps acronym, then MISC.
func (e *Extractor) classify(text string, tokens []token, first int, span []token) Entity {
	ent := Entity{
		Text:  text[span[0].start:span[len(span)-1].end],
		Start: span[0].start,
		End:   span[len(span)-1].end,
	}

	lowered := make([]string, len(span))
	for i, tok := range span {
		lowered[i] = strings.ToLower(tok.text)
	}

	switch {
	case orgSuffixes[lowered[len(lowered)-1]]:
		ent.Type, ent.Confidence = TypeOrg, 0.85
	case anyIn(lowered, knownLocations):
		ent.Type, ent.Confidence = TypeLoc, 0.9
	case first > 0 && honorifics[strings.ToLower(tokens[first-1].text)]:
		ent.Type, ent.Confidence = TypePerson, 0.9
	case knownFirstNames[lowered[0]]:
		ent.Type, ent.Confidence = TypePerson, 0.8
	case acronym(span[0].text):
		ent.Type, ent.Confidence = TypeOrg, 0.8
	case first > 0 && locationCues[strings.ToLower(tokens[first-1].text)]:
		ent.Type, ent.Confidence = TypeLoc, 0.75
	default:
		ent.Type, ent.Confidence = TypeMisc, 0.5
	}
	return ent
}

// candidate reports whether tokens[i] can open an entity span.
// Sentence-initial capitalization carries no signal on its own, so a
// token opening a sentence needs independent evidence: a lexicon hit,
// an acronym shape, a preceding honorific, or a capitalized follower.
func candidate(text string, tokens []token, i int) bool {
	tok := tokens[i]
	if !capitalized(tok.text) {
		return false
	}
	if len([]rune(tok.text)) < 2 && !acronym(tok.text) {
		return false
	}
	lower := strings.ToLower(tok.text)
	if honorifics[lower] {
		return false
	}
	if i > 0 && honorifics[strings.ToLower(tokens[i-1].text)] {
		return true
	}
	if i == 0 || tokens[i-1].sentenceEnd {
		if sentenceStarters[lower] {
			return false
		}
		if knownFirstNames[lower] || knownLocations[lower] || acronym(tok.text) {
			return true
		}
		return i+1 < len(tokens) && capitalized(tokens[i+1].text) && adjacent(text, tok, tokens[i+1])
	}
	return true
}

func tokenize(text string) []token {
	var tokens []token
	start := -1
	flush := func(end int) {
		if start >= 0 {
			tokens = append(tokens, token{text: text[start:end], start: start, end: end})
			start = -1
		}
	}
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
		if (r == '.' || r == '!' || r == '?') && len(tokens) > 0 {
			tokens[len(tokens)-1].sentenceEnd = true
		}
	}
	flush(len(text))
	return tokens
}

func capitalized(word string) bool {
	runes := []rune(word)
	return len(runes) > 0 && unicode.IsUpper(runes[0])
}

func acronym(word string) bool {
	if len(word) < 2 {
		return false
	}
	for _, r := range word {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func adjacent(text string, a, b token) bool {
	gap := text[a.end:b.start]
	return strings.TrimSpace(gap) == "" && !strings.ContainsAny(gap, "\n")
}

func anyIn(words []string, set map[string]bool) bool {
	for _, w := range words {
		if set[w] {
			return true
		}
	}
	return false
}
