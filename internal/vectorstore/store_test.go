package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndSearchRanked(t *testing.T) {
	s, err := Open(t.TempDir(), false)
	require.NoError(t, err)

	c := s.Collection("user_facts")
	require.NoError(t, c.Insert("a", []float32{1, 0, 0}, map[string]interface{}{"user_id": "u1"}))
	require.NoError(t, c.Insert("b", []float32{0.9, 0.1, 0}, map[string]interface{}{"user_id": "u1"}))
	require.NoError(t, c.Insert("c", []float32{0, 1, 0}, map[string]interface{}{"user_id": "u1"}))

	results, err := c.Search([]float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-6)
}

func TestSearchMetadataFilter(t *testing.T) {
	s, err := Open(t.TempDir(), false)
	require.NoError(t, err)

	c := s.Collection("user_facts")
	require.NoError(t, c.Insert("mine", []float32{1, 0}, map[string]interface{}{"user_id": "u1", "confidence": 0.8}))
	require.NoError(t, c.Insert("theirs", []float32{1, 0}, map[string]interface{}{"user_id": "u2", "confidence": 0.8}))

	results, err := c.Search([]float32{1, 0}, 10, map[string]interface{}{"user_id": "u1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mine", results[0].ID)
}

func TestNumericFilterSurvivesJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, false)
	require.NoError(t, err)
	c := s.Collection("segments")
	require.NoError(t, c.Insert("s1", []float32{1, 0}, map[string]interface{}{"turn_start": 3}))

	// Reopen: metadata ints come back as float64.
	reopened, err := Open(dir, false)
	require.NoError(t, err)
	results, err := reopened.Collection("segments").Search([]float32{1, 0}, 1, map[string]interface{}{"turn_start": 3})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestDimensionMismatch(t *testing.T) {
	s, err := Open(t.TempDir(), false)
	require.NoError(t, err)

	c := s.Collection("user_facts")
	require.NoError(t, c.Insert("a", []float32{1, 0, 0}, nil))

	err = c.Insert("b", []float32{1, 0}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = c.Search([]float32{1}, 1, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestNonScalarMetadataRejected(t *testing.T) {
	s, err := Open(t.TempDir(), false)
	require.NoError(t, err)

	c := s.Collection("user_facts")
	err = c.Insert("a", []float32{1}, map[string]interface{}{"entities": []string{"Alice"}})
	assert.ErrorIs(t, err, ErrNonScalarMetadata)
}

func TestListFieldRoundTrip(t *testing.T) {
	meta := map[string]interface{}{"user_id": "u1"}
	require.NoError(t, EncodeListField(meta, "entities", []string{"Alice", "Berlin"}))

	s, err := Open(t.TempDir(), false)
	require.NoError(t, err)
	c := s.Collection("user_facts")
	require.NoError(t, c.Insert("a", []float32{1}, meta))

	rec, err := c.Get("a")
	require.NoError(t, err)
	entities, err := DecodeListField(rec.Metadata, "entities")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Berlin"}, entities)

	missing, err := DecodeListField(rec.Metadata, "tags")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPersistenceAcrossOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, false)
	require.NoError(t, err)
	c := s.Collection("conversation_segments")
	require.NoError(t, c.Insert("seg1", []float32{0.5, 0.5}, map[string]interface{}{"user_id": "u1"}))

	reopened, err := Open(dir, false)
	require.NoError(t, err)
	rc := reopened.Collection("conversation_segments")
	assert.Equal(t, 1, rc.Size())

	rec, err := rc.Get("seg1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.Metadata["user_id"])
	assert.InDelta(t, 0.5, float64(rec.Vector[0]), 1e-6)
}

func TestDeleteAndDeleteWhere(t *testing.T) {
	s, err := Open(t.TempDir(), false)
	require.NoError(t, err)

	c := s.Collection("user_facts")
	require.NoError(t, c.Insert("a", []float32{1}, map[string]interface{}{"user_id": "u1"}))
	require.NoError(t, c.Insert("b", []float32{1}, map[string]interface{}{"user_id": "u1"}))
	require.NoError(t, c.Insert("c", []float32{1}, map[string]interface{}{"user_id": "u2"}))

	require.NoError(t, c.Delete("a"))
	require.NoError(t, c.Delete("a"), "double delete is a no-op")

	removed, err := c.DeleteWhere(map[string]interface{}{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Size())

	_, err = c.Get("c")
	assert.NoError(t, err)
}

func TestUpdateMetadata(t *testing.T) {
	s, err := Open(t.TempDir(), false)
	require.NoError(t, err)

	c := s.Collection("user_facts")
	require.NoError(t, c.Insert("a", []float32{1}, map[string]interface{}{"confidence": 0.5}))
	require.NoError(t, c.UpdateMetadata("a", map[string]interface{}{"confidence": 0.9}))

	rec, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 0.9, rec.Metadata["confidence"])

	err = c.UpdateMetadata("missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
