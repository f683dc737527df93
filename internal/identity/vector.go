package identity

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Cosine returns the cosine similarity of a and b, or 0 if either is zero.
func Cosine(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// ValidateEmbedding reports an ErrInvalidQuery for an empty, non-finite or
// zero-norm embedding, or one whose length is not dim. A dim of 0 skips the
// length check.
func ValidateEmbedding(e Embedding, dim int) error {
	if len(e) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidQuery)
	}
	if dim > 0 && len(e) != dim {
		return fmt.Errorf("%w: dimension %d, want %d", ErrInvalidQuery, len(e), dim)
	}
	if normalize(e) == nil {
		return fmt.Errorf("%w: zero or non-finite norm", ErrInvalidQuery)
	}
	return nil
}

// normalize returns a unit-length float64 copy of e, or nil for a zero vector.
func normalize(e Embedding) []float64 {
	v := e.Float64()
	n := floats.Norm(v, 2)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil
	}
	floats.Scale(1/n, v)
	return v
}

// SyntheticEmbedding derives a deterministic unit vector from seed. Dev-mode
// scripts and identity seed files use it to stand in for a real face model.
func SyntheticEmbedding(seed string, dim int) Embedding {
	return Perturb(gaussian(seed, dim), 0, seed)
}

// Perturb adds gaussian noise of the given scale to e and re-normalizes.
// The noise is deterministic for a given salt.
func Perturb(e Embedding, scale float64, salt string) Embedding {
	v := e.Float64()
	if scale > 0 {
		noise := gaussian("noise/"+salt, len(v))
		for i := range v {
			v[i] += scale * float64(noise[i])
		}
	}
	if n := floats.Norm(v, 2); n > 0 {
		floats.Scale(1/n, v)
	}
	out := make(Embedding, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func gaussian(seed string, dim int) Embedding {
	h := fnv.New64a()
	h.Write([]byte(seed))
	s := h.Sum64()
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(s, s^0x9e3779b97f4a7c15)}
	out := make(Embedding, dim)
	for i := range out {
		out[i] = float32(dist.Rand())
	}
	return out
}
