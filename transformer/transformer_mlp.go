package transformer

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/r0llingclouds/llmOx/utils"
)

// FeedForward is the position-wise network D -> 4D -> GELU -> D.
type FeedForward struct {
	Inputs, Hiddens           int
	HiddenWeights, HiddenBias *mat.Dense // (D x 4D), (1 x 4D)
	OutputWeights, OutputBias *mat.Dense // (4D x D), (1 x D)
	Dropout                   float64
}

type FeedForwardCache struct {
	X, HiddenPreAct, HiddenOut *mat.Dense
	OutDrop                    *mat.Dense // nil outside training
}

type FeedForwardGrads struct {
	HiddenWeights, HiddenBias *mat.Dense
	OutputWeights, OutputBias *mat.Dense
}

func NewFeedForward(dModel, hidden int, dropout float64, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		Inputs:        dModel,
		Hiddens:       hidden,
		HiddenWeights: mat.NewDense(dModel, hidden, utils.RandomArray(dModel*hidden, float64(dModel), rng)),
		HiddenBias:    mat.NewDense(1, hidden, nil),
		OutputWeights: mat.NewDense(hidden, dModel, utils.RandomArray(hidden*dModel, float64(hidden), rng)),
		OutputBias:    mat.NewDense(1, dModel, nil),
		Dropout:       dropout,
	}
}

func (ff *FeedForward) Forward(X *mat.Dense, train bool, rng *rand.Rand) *mat.Dense {
	Y, _ := ff.ForwardCached(X, train, rng)
	return Y
}

func (ff *FeedForward) ForwardCached(X *mat.Dense, train bool, rng *rand.Rand) (*mat.Dense, *FeedForwardCache) {
	c := &FeedForwardCache{X: X}
	c.HiddenPreAct = utils.AddBias(utils.Dot(X, ff.HiddenWeights), ff.HiddenBias) // (T x 4D)
	c.HiddenOut = utils.Apply(utils.GeluApply, c.HiddenPreAct)
	Y := utils.AddBias(utils.Dot(c.HiddenOut, ff.OutputWeights), ff.OutputBias) // (T x D)
	if train && ff.Dropout > 0 {
		T, d := Y.Dims()
		c.OutDrop = utils.DropoutMask(T, d, ff.Dropout, rng)
		Y.MulElem(Y, c.OutDrop)
	}
	return Y, c
}

// Backward returns dL/dX and adds parameter gradients into g.
func (ff *FeedForward) Backward(dY *mat.Dense, c *FeedForwardCache, g *FeedForwardGrads) *mat.Dense {
	if c.OutDrop != nil {
		dY = utils.Multiply(dY, c.OutDrop)
	}
	g.OutputWeights.Add(g.OutputWeights, utils.Dot(c.HiddenOut.T(), dY))
	g.OutputBias.Add(g.OutputBias, utils.ColSums(dY))

	dHidden := utils.Dot(dY, ff.OutputWeights.T())
	dHidden.MulElem(dHidden, utils.GeluPrime(c.HiddenPreAct))

	g.HiddenWeights.Add(g.HiddenWeights, utils.Dot(c.X.T(), dHidden))
	g.HiddenBias.Add(g.HiddenBias, utils.ColSums(dHidden))
	return utils.Dot(dHidden, ff.HiddenWeights.T())
}

func (ff *FeedForward) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".w1", Value: ff.HiddenWeights, Decay: true},
		{Name: prefix + ".b1", Value: ff.HiddenBias, Decay: false},
		{Name: prefix + ".w2", Value: ff.OutputWeights, Decay: true},
		{Name: prefix + ".b2", Value: ff.OutputBias, Decay: false},
	}
}

func (ff *FeedForward) NewGrads() *FeedForwardGrads {
	return &FeedForwardGrads{
		HiddenWeights: utils.ZerosLike(ff.HiddenWeights),
		HiddenBias:    utils.ZerosLike(ff.HiddenBias),
		OutputWeights: utils.ZerosLike(ff.OutputWeights),
		OutputBias:    utils.ZerosLike(ff.OutputBias),
	}
}

func (g *FeedForwardGrads) List() []*mat.Dense {
	return []*mat.Dense{g.HiddenWeights, g.HiddenBias, g.OutputWeights, g.OutputBias}
}
