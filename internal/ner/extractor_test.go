package ner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extractTypes(t *testing.T, text string) map[string]string {
	t.Helper()
	byText := make(map[string]string)
	for _, e := range NewExtractor(0, false).Extract(text) {
		byText[e.Text] = e.Type
	}
	return byText
}

func TestExtractPerson(t *testing.T) {
	found := extractTypes(t, "My name is Alice and I work with Bob Miller.")
	assert.Equal(t, TypePerson, found["Alice"])
	assert.Equal(t, TypePerson, found["Bob Miller"])
}

func TestExtractHonorific(t *testing.T) {
	found := extractTypes(t, "I met Dr. Weber at the clinic.")
	assert.Equal(t, TypePerson, found["Weber"])
}

func TestExtractOrganization(t *testing.T) {
	found := extractTypes(t, "She joined Acme Corp last year.")
	assert.Equal(t, TypeOrg, found["Acme Corp"])
}

func TestExtractAcronymOrganization(t *testing.T) {
	found := extractTypes(t, "He studies at TUM these days.")
	assert.Equal(t, TypeOrg, found["TUM"])
}

func TestExtractLocation(t *testing.T) {
	found := extractTypes(t, "I grew up in Berlin before moving to New York.")
	assert.Equal(t, TypeLoc, found["Berlin"])
	assert.Equal(t, TypeLoc, found["New York"])
}

func TestLocationCueWithoutLexicon(t *testing.T) {
	found := extractTypes(t, "We stayed in Quedlinburg over the weekend.")
	assert.Equal(t, TypeLoc, found["Quedlinburg"])
}

func TestSentenceInitialCommonWordsIgnored(t *testing.T) {
	entities := NewExtractor(0, false).Extract("The weather is nice. Today was long. Hello there.")
	assert.Empty(t, entities)
}

func TestOffsetsMatchSource(t *testing.T) {
	text := "Say hi to Maria from me."
	entities := NewExtractor(0, false).Extract(text)
	require.Len(t, entities, 1)

	e := entities[0]
	assert.Equal(t, "Maria", text[e.Start:e.End])
	assert.Equal(t, TypePerson, e.Type)
}

func TestThresholdFiltersWeakEntities(t *testing.T) {
	// "Zorblax" matches no lexicon or cue, so it only rates as MISC.
	strict := NewExtractor(0.7, false).Extract("Have you seen Zorblax yet?")
	assert.Empty(t, strict)

	loose := NewExtractor(0.4, false).Extract("Have you seen Zorblax yet?")
	require.Len(t, loose, 1)
	assert.Equal(t, TypeMisc, loose[0].Type)
}

func TestEmptyAndLowercaseText(t *testing.T) {
	ex := NewExtractor(0, false)
	assert.Empty(t, ex.Extract(""))
	assert.Empty(t, ex.Extract("nothing capitalized in here at all"))
}

func TestEntitiesInInputOrder(t *testing.T) {
	entities := NewExtractor(0, false).Extract("Alice met Bob in Berlin.")
	require.Len(t, entities, 3)
	assert.Equal(t, "Alice", entities[0].Text)
	assert.Equal(t, "Bob", entities[1].Text)
	assert.Equal(t, "Berlin", entities[2].Text)
	assert.Less(t, entities[0].Start, entities[1].Start)
	assert.Less(t, entities[1].Start, entities[2].Start)
}
