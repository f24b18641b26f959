package utils

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// RandomArray draws size values uniformly from ±1/sqrt(fanIn).
func RandomArray(size int, fanIn float64, src rand.Source) []float64 {
	bound := 1.0 / math.Sqrt(fanIn+1e-12)
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	out := make([]float64, size)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// NormalArray draws size values from N(0, std^2).
func NormalArray(size int, std float64, src rand.Source) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: src}
	out := make([]float64, size)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// DropoutMask returns an (r x c) inverted-dropout mask: each entry is 0 with
// probability p and 1/(1-p) otherwise, so the expected activation is unchanged.
func DropoutMask(r, c int, p float64, src rand.Source) *mat.Dense {
	keep := distuv.Bernoulli{P: 1 - p, Src: src}
	scale := 1 / (1 - p)
	data := make([]float64, r*c)
	for i := range data {
		data[i] = keep.Rand() * scale
	}
	return mat.NewDense(r, c, data)
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	data := make([]float64, r*c)
	for i := range data {
		data[i] = 1
	}
	return mat.NewDense(r, c, data)
}

func ZerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

// MatrixNorm is the Frobenius norm.
func MatrixNorm(m *mat.Dense) float64 {
	return mat.Norm(m, 2)
}

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := MatrixNorm(g)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}

// LRSchedule: linear warmup to peak, then cosine decay to zero over decay steps.
func LRSchedule(step int, peak float64, warmup, decay int) float64 {
	if step <= 0 {
		return 0
	}
	if warmup > 0 && step < warmup {
		return peak * float64(step) / float64(warmup)
	}
	if decay > 0 {
		x := float64(step-warmup) / float64(decay)
		x = math.Min(math.Max(x, 0), 1)
		return peak * 0.5 * (1 + math.Cos(math.Pi*x))
	}
	return peak
}

// SampleFromProbs draws an index from probs after top-k and top-p (nucleus)
// filtering. topK <= 0 and topP outside (0,1) disable the filters.
func SampleFromProbs(probs []float64, topK int, topP float64, rng *rand.Rand) int {
	type kv struct {
		id  int
		val float64
	}
	arr := make([]kv, len(probs))
	sum := floats.Sum(probs)
	for i, p := range probs {
		arr[i] = kv{id: i, val: p / sum}
	}

	// Sort descending by prob; stable keeps equal probabilities in id order.
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].val > arr[j].val })

	if topK > 0 && topK < len(arr) {
		arr = arr[:topK]
	}

	if topP > 0 && topP < 1 {
		cum := 0.0
		cut := len(arr)
		for i, kv := range arr {
			cum += kv.val
			if cum >= topP {
				cut = i + 1
				break
			}
		}
		arr = arr[:cut]
	}

	sum = 0.0
	for _, kv := range arr {
		sum += kv.val
	}

	rnd := rng.Float64() * sum
	cum := 0.0
	for _, kv := range arr {
		cum += kv.val
		if rnd < cum {
			return kv.id
		}
	}
	return arr[len(arr)-1].id
}
