package transformer

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/r0llingclouds/llmOx/params"
	"github.com/r0llingclouds/llmOx/utils"
)

func tinyConfig() params.ModelConfig {
	return params.ModelConfig{
		EmbeddingDim:  8,
		ContextLength: 6,
		NumHeads:      2,
		VocabSize:     11,
		NumLayers:     2,
		DropoutRate:   0,
	}
}

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

func randMat(r, c int, rng *rand.Rand) *mat.Dense {
	return mat.NewDense(r, c, utils.RandomArray(r*c, 1, rng))
}

func newTinyModel(t *testing.T, cfg params.ModelConfig) *Model {
	t.Helper()
	m, err := NewModel(cfg, newRNG(42))
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	return m
}

// finiteDiffCheck compares grad[i,j] against a central difference of forward
// with respect to param[i,j].
func finiteDiffCheck(t *testing.T, name string, param, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()

	param.Set(i, j, w0-eps)
	lm := forward()

	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-6+1e-4*math.Abs(numGrad) {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

// checkSampled runs finiteDiffCheck on a few spread-out entries of param.
func checkSampled(t *testing.T, name string, param, grad *mat.Dense, forward func() float64) {
	t.Helper()
	r, c := param.Dims()
	for _, ij := range [][2]int{{0, 0}, {r / 2, c / 2}, {r - 1, c - 1}, {r - 1, 0}} {
		finiteDiffCheck(t, name, param, grad, forward, ij[0], ij[1])
	}
}

// weightedSum is a loss whose gradient with respect to Y is W.
func weightedSum(Y, W *mat.Dense) float64 {
	return mat.Sum(utils.Multiply(Y, W))
}
