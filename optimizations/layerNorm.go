package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/r0llingclouds/llmOx/utils"
)

// LayerNorm normalizes each row (position) of a (T x D) matrix to zero mean and
// unit variance, then applies the learned per-feature scale and shift.
type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *mat.Dense // (1 x D)
	Beta  *mat.Dense // (1 x D)
}

// LayerNormCache holds what Backward needs from one forward call.
type LayerNormCache struct {
	Xhat   *mat.Dense // (T x D)
	InvStd []float64  // per row
}

type LayerNormGrads struct {
	Gamma, Beta *mat.Dense
}

func NewLayerNorm(d int, eps float64) *LayerNorm {
	return &LayerNorm{
		D:     d,
		Eps:   eps,
		Gamma: utils.OnesLike(mat.NewDense(1, d, nil)),
		Beta:  mat.NewDense(1, d, nil),
	}
}

func (ln *LayerNorm) Params() []*mat.Dense { return []*mat.Dense{ln.Gamma, ln.Beta} }

func (ln *LayerNorm) NewGrads() *LayerNormGrads {
	return &LayerNormGrads{Gamma: utils.ZerosLike(ln.Gamma), Beta: utils.ZerosLike(ln.Beta)}
}

func (g *LayerNormGrads) List() []*mat.Dense { return []*mat.Dense{g.Gamma, g.Beta} }

func (ln *LayerNorm) Forward(X *mat.Dense) *mat.Dense {
	out, _ := ln.ForwardCached(X)
	return out
}

func (ln *LayerNorm) ForwardCached(X *mat.Dense) (*mat.Dense, *LayerNormCache) {
	T, d := X.Dims()
	out := mat.NewDense(T, d, nil)
	cache := &LayerNormCache{Xhat: mat.NewDense(T, d, nil), InvStd: make([]float64, T)}
	gamma := ln.Gamma.RawRowView(0)
	beta := ln.Beta.RawRowView(0)
	for t := 0; t < T; t++ {
		x := X.RawRowView(t)
		mu, v := stat.PopMeanVariance(x, nil)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		cache.InvStd[t] = istd
		xhat := cache.Xhat.RawRowView(t)
		y := out.RawRowView(t)
		for i := range x {
			xhat[i] = (x[i] - mu) * istd
			y[i] = gamma[i]*xhat[i] + beta[i]
		}
	}
	return out, cache
}

// Backward returns dX and adds the gamma/beta gradients into grads.
func (ln *LayerNorm) Backward(dY *mat.Dense, cache *LayerNormCache, grads *LayerNormGrads) *mat.Dense {
	T, d := dY.Dims()
	gamma := ln.Gamma.RawRowView(0)
	dGamma := grads.Gamma.RawRowView(0)
	dBeta := grads.Beta.RawRowView(0)
	dX := mat.NewDense(T, d, nil)
	fd := float64(d)
	for t := 0; t < T; t++ {
		g := dY.RawRowView(t)
		xhat := cache.Xhat.RawRowView(t)
		sum1, sum2 := 0.0, 0.0
		for i := range g {
			dGamma[i] += g[i] * xhat[i]
			dBeta[i] += g[i]
			gy := g[i] * gamma[i]
			sum1 += gy
			sum2 += gy * xhat[i]
		}
		istd := cache.InvStd[t]
		dx := dX.RawRowView(t)
		for i := range g {
			gy := g[i] * gamma[i]
			dx[i] = (fd*gy - sum1 - xhat[i]*sum2) * (istd / fd)
		}
	}
	return dX
}
