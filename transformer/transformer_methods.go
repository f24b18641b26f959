package transformer

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/r0llingclouds/llmOx/optimizations"
	"github.com/r0llingclouds/llmOx/params"
	"github.com/r0llingclouds/llmOx/utils"
)

const layerNormEps = 1e-5

// Block is one pre-norm transformer layer:
//
//	x1  = x + Attn(Ln1(x))
//	out = x1 + FF(Ln2(x1))
type Block struct {
	Attn *Attention
	FF   *FeedForward
	Ln1  *optimizations.LayerNorm
	Ln2  *optimizations.LayerNorm
}

type BlockCache struct {
	ln1, ln2 *optimizations.LayerNormCache
	attn     *AttentionCache
	ff       *FeedForwardCache
}

type BlockGrads struct {
	Attn     *AttentionGrads
	FF       *FeedForwardGrads
	Ln1, Ln2 *optimizations.LayerNormGrads
}

func NewBlock(cfg params.ModelConfig, rng *rand.Rand) *Block {
	return &Block{
		Attn: NewAttention(cfg.EmbeddingDim, cfg.NumHeads, cfg.DropoutRate, rng),
		FF:   NewFeedForward(cfg.EmbeddingDim, cfg.HiddenDim(), cfg.DropoutRate, rng),
		Ln1:  optimizations.NewLayerNorm(cfg.EmbeddingDim, layerNormEps),
		Ln2:  optimizations.NewLayerNorm(cfg.EmbeddingDim, layerNormEps),
	}
}

func (b *Block) Forward(X *mat.Dense, train bool, rng *rand.Rand) *mat.Dense {
	Y, _ := b.ForwardCached(X, train, rng)
	return Y
}

func (b *Block) ForwardCached(X *mat.Dense, train bool, rng *rand.Rand) (*mat.Dense, *BlockCache) {
	c := &BlockCache{}
	n1, ln1 := b.Ln1.ForwardCached(X)
	attended, attn := b.Attn.ForwardCached(n1, train, rng)
	x1 := utils.Add(X, attended)

	n2, ln2 := b.Ln2.ForwardCached(x1)
	ffOut, ff := b.FF.ForwardCached(n2, train, rng)
	out := utils.Add(x1, ffOut)

	c.ln1, c.attn, c.ln2, c.ff = ln1, attn, ln2, ff
	return out, c
}

// Backward returns dL/dX and adds parameter gradients into g.
func (b *Block) Backward(dY *mat.Dense, c *BlockCache, g *BlockGrads) *mat.Dense {
	// out = x1 + FF(Ln2(x1))
	dN2 := b.FF.Backward(dY, c.ff, g.FF)
	dX1 := b.Ln2.Backward(dN2, c.ln2, g.Ln2)
	dX1.Add(dX1, dY)

	// x1 = x + Attn(Ln1(x))
	dN1 := b.Attn.Backward(dX1, c.attn, g.Attn)
	dX := b.Ln1.Backward(dN1, c.ln1, g.Ln1)
	dX.Add(dX, dX1)
	return dX
}

func (b *Block) Params(prefix string) []Param {
	ps := normParams(prefix+".ln1", b.Ln1)
	ps = append(ps, b.Attn.Params(prefix+".attn")...)
	ps = append(ps, normParams(prefix+".ln2", b.Ln2)...)
	return append(ps, b.FF.Params(prefix+".ff")...)
}

func (b *Block) NewGrads() *BlockGrads {
	return &BlockGrads{
		Attn: b.Attn.NewGrads(),
		FF:   b.FF.NewGrads(),
		Ln1:  b.Ln1.NewGrads(),
		Ln2:  b.Ln2.NewGrads(),
	}
}

func (g *BlockGrads) List() []*mat.Dense {
	out := g.Ln1.List()
	out = append(out, g.Attn.List()...)
	out = append(out, g.Ln2.List()...)
	return append(out, g.FF.List()...)
}

func normParams(prefix string, ln *optimizations.LayerNorm) []Param {
	ps := ln.Params()
	names := []string{"gamma", "beta"}
	if len(ps) != len(names) {
		panic(fmt.Sprintf("normParams: LayerNorm has %d params", len(ps)))
	}
	out := make([]Param, len(ps))
	for i, p := range ps {
		out[i] = Param{Name: prefix + "." + names[i], Value: p, Decay: false}
	}
	return out
}
