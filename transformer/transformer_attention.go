package transformer

import (
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/r0llingclouds/llmOx/utils"
)

// Attention is multi-head causal self-attention over a (T x D) sequence.
// Head h owns columns [h*DHead, (h+1)*DHead) of the projected Q, K and V.
type Attention struct {
	H       int
	DModel  int
	DHead   int
	Wquery  *mat.Dense // (D x D)
	Wkey    *mat.Dense // (D x D)
	Wvalue  *mat.Dense // (D x D)
	Woutput *mat.Dense // (D x D)
	Boutput *mat.Dense // (1 x D)
	Dropout float64

	// Parallel computes heads on separate goroutines. Each head writes a
	// disjoint column range of the concatenated output.
	Parallel bool
}

// AttentionCache holds what Backward needs from one forward call.
type AttentionCache struct {
	X          *mat.Dense
	Q, K, V    *mat.Dense   // (T x D)
	A          []*mat.Dense // per head normalized weights (T x T), before dropout
	WeightDrop []*mat.Dense // per head dropout masks, nil outside training
	Ocat       *mat.Dense   // (T x D)
	OutDrop    *mat.Dense   // (T x D) dropout mask on the output, nil outside training
}

type AttentionGrads struct {
	Wquery, Wkey, Wvalue, Woutput, Boutput *mat.Dense
}

func NewAttention(dModel, nHeads int, dropout float64, rng *rand.Rand) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	fd := float64(dModel)
	return &Attention{
		H:       nHeads,
		DModel:  dModel,
		DHead:   dModel / nHeads,
		Wquery:  mat.NewDense(dModel, dModel, utils.RandomArray(dModel*dModel, fd, rng)),
		Wkey:    mat.NewDense(dModel, dModel, utils.RandomArray(dModel*dModel, fd, rng)),
		Wvalue:  mat.NewDense(dModel, dModel, utils.RandomArray(dModel*dModel, fd, rng)),
		Woutput: mat.NewDense(dModel, dModel, utils.RandomArray(dModel*dModel, fd, rng)),
		Boutput: mat.NewDense(1, dModel, nil),
		Dropout: dropout,
	}
}

func (attn *Attention) Forward(X *mat.Dense, train bool, rng *rand.Rand) *mat.Dense {
	Y, _ := attn.ForwardCached(X, train, rng)
	return Y
}

// Weights returns the per-head attention matrices for X in inference mode.
func (attn *Attention) Weights(X *mat.Dense) []*mat.Dense {
	_, c := attn.ForwardCached(X, false, nil)
	return c.A
}

func (attn *Attention) ForwardCached(X *mat.Dense, train bool, rng *rand.Rand) (*mat.Dense, *AttentionCache) {
	T, _ := X.Dims()
	c := &AttentionCache{
		X:    X,
		Q:    utils.Dot(X, attn.Wquery),
		K:    utils.Dot(X, attn.Wkey),
		V:    utils.Dot(X, attn.Wvalue),
		A:    make([]*mat.Dense, attn.H),
		Ocat: mat.NewDense(T, attn.DModel, nil),
	}
	drop := train && attn.Dropout > 0
	if drop {
		// Masks are drawn up front so head-parallel runs stay reproducible.
		c.WeightDrop = make([]*mat.Dense, attn.H)
		for h := range attn.H {
			c.WeightDrop[h] = utils.DropoutMask(T, T, attn.Dropout, rng)
		}
		c.OutDrop = utils.DropoutMask(T, attn.DModel, attn.Dropout, rng)
	}

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	mask := utils.CausalMask(T)

	work := func(h int) {
		lo, hi := h*attn.DHead, (h+1)*attn.DHead
		qh := c.Q.Slice(0, T, lo, hi)
		kh := c.K.Slice(0, T, lo, hi)
		vh := c.V.Slice(0, T, lo, hi)

		// S = Qh Kh^T / sqrt(dHead), then masked row softmax
		S := mat.NewDense(T, T, nil)
		S.Mul(qh, kh.T())
		S.Scale(rescale, S)
		c.A[h] = utils.RowSoftmaxMaskedInPlace(S, S, mask)

		weights := c.A[h]
		if drop {
			weights = utils.Multiply(weights, c.WeightDrop[h])
		}
		dst := c.Ocat.Slice(0, T, lo, hi).(*mat.Dense)
		dst.Mul(weights, vh)
	}
	if attn.Parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := range attn.H {
			go func() { defer wg.Done(); work(h) }()
		}
		wg.Wait()
	} else {
		for h := range attn.H {
			work(h)
		}
	}

	Y := utils.AddBias(utils.Dot(c.Ocat, attn.Woutput), attn.Boutput)
	if drop {
		Y.MulElem(Y, c.OutDrop)
	}
	return Y, c
}

// Backward returns dL/dX and adds parameter gradients into g.
func (attn *Attention) Backward(dY *mat.Dense, c *AttentionCache, g *AttentionGrads) *mat.Dense {
	T, _ := dY.Dims()
	if c.OutDrop != nil {
		dY = utils.Multiply(dY, c.OutDrop)
	}

	// Y = Ocat Wo + bo
	g.Woutput.Add(g.Woutput, utils.Dot(c.Ocat.T(), dY))
	g.Boutput.Add(g.Boutput, utils.ColSums(dY))
	dOcat := utils.Dot(dY, attn.Woutput.T())

	dQ := mat.NewDense(T, attn.DModel, nil)
	dK := mat.NewDense(T, attn.DModel, nil)
	dV := mat.NewDense(T, attn.DModel, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := range attn.H {
		lo, hi := h*attn.DHead, (h+1)*attn.DHead
		dO := dOcat.Slice(0, T, lo, hi)
		qh := c.Q.Slice(0, T, lo, hi)
		kh := c.K.Slice(0, T, lo, hi)
		vh := c.V.Slice(0, T, lo, hi)

		weights := c.A[h]
		if c.WeightDrop != nil {
			weights = utils.Multiply(weights, c.WeightDrop[h])
		}

		// O = weights Vh
		dV.Slice(0, T, lo, hi).(*mat.Dense).Mul(weights.T(), dO)
		dA := utils.Dot(dO, vh.T())
		if c.WeightDrop != nil {
			dA.MulElem(dA, c.WeightDrop[h])
		}

		// A = softmax_row(S); masked entries have A = 0 and so get no gradient.
		dS := utils.SoftmaxBackward(dA, c.A[h])
		dS.Scale(rescale, dS)

		dQ.Slice(0, T, lo, hi).(*mat.Dense).Mul(dS, kh)
		dK.Slice(0, T, lo, hi).(*mat.Dense).Mul(dS.T(), qh)
	}

	g.Wquery.Add(g.Wquery, utils.Dot(c.X.T(), dQ))
	g.Wkey.Add(g.Wkey, utils.Dot(c.X.T(), dK))
	g.Wvalue.Add(g.Wvalue, utils.Dot(c.X.T(), dV))

	dX := utils.Dot(dQ, attn.Wquery.T())
	dX.Add(dX, utils.Dot(dK, attn.Wkey.T()))
	dX.Add(dX, utils.Dot(dV, attn.Wvalue.T()))
	return dX
}

func (attn *Attention) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".wq", Value: attn.Wquery, Decay: true},
		{Name: prefix + ".wk", Value: attn.Wkey, Decay: true},
		{Name: prefix + ".wv", Value: attn.Wvalue, Decay: true},
		{Name: prefix + ".wo", Value: attn.Woutput, Decay: true},
		{Name: prefix + ".bo", Value: attn.Boutput, Decay: false},
	}
}

func (attn *Attention) NewGrads() *AttentionGrads {
	return &AttentionGrads{
		Wquery:  utils.ZerosLike(attn.Wquery),
		Wkey:    utils.ZerosLike(attn.Wkey),
		Wvalue:  utils.ZerosLike(attn.Wvalue),
		Woutput: utils.ZerosLike(attn.Woutput),
		Boutput: utils.ZerosLike(attn.Boutput),
	}
}

func (g *AttentionGrads) List() []*mat.Dense {
	return []*mat.Dense{g.Wquery, g.Wkey, g.Wvalue, g.Woutput, g.Boutput}
}
