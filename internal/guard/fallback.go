package guard

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// PseudoEmbedding derives a deterministic unit-norm vector of the
// given dimensionality from the text. It is the degraded-mode stand-in
// for a real embedding: stable for identical input, meaningless as
// semantics, but shaped correctly for every downstream consumer.
func PseudoEmbedding(text string, dim int) []float32 {
	vec := make([]float32, dim)

	// Expand SHA-256(text || counter) into as many bytes as needed,
	// four per component, mapped into [-1, 1).
	var block [8]byte
	var counter uint64
	var digest []byte
	for i := 0; i < dim; i++ {
		if len(digest) < 4 {
			binary.BigEndian.PutUint64(block[:], counter)
			counter++
			h := sha256.New()
			h.Write([]byte(text))
			h.Write(block[:])
			digest = h.Sum(nil)
		}
		u := binary.BigEndian.Uint32(digest[:4])
		digest = digest[4:]
		vec[i] = float32(u)/float32(math.MaxUint32)*2 - 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
