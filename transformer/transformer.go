package transformer

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"

	"gonum.org/v1/gonum/mat"

	"github.com/r0llingclouds/llmOx/optimizations"
	"github.com/r0llingclouds/llmOx/params"
	"github.com/r0llingclouds/llmOx/utils"
)

var (
	ErrTokenOutOfRange = errors.New("token id out of range")
	ErrSequenceLength  = errors.New("invalid sequence length")
	ErrNoRandomSource  = errors.New("training pass with dropout needs a random source")
	ErrShapeMismatch   = errors.New("shape mismatch")
)

// Param names one trainable tensor. Decay marks tensors that receive weight
// decay (matrices, not biases or norm gains).
type Param struct {
	Name  string
	Value *mat.Dense
	Decay bool
}

// Model is a decoder-only transformer: embedding, Blocks, final norm, and an
// output head that is independent of the token embedding.
type Model struct {
	Config    params.ModelConfig
	Embedding *Embedding
	Blocks    []*Block
	FinalNorm *optimizations.LayerNorm
	Head      *mat.Dense // (D x V)

	// Workers bounds how many sequences of a batch run concurrently.
	// 0 means GOMAXPROCS.
	Workers int
}

type modelCache struct {
	blocks []*BlockCache
	norm   *optimizations.LayerNormCache
	normed *mat.Dense
}

// Grads mirrors the parameters of a Model; List follows Model.Params order.
type Grads struct {
	Embedding *EmbeddingGrads
	Blocks    []*BlockGrads
	FinalNorm *optimizations.LayerNormGrads
	Head      *mat.Dense
}

// NewModel validates cfg and initializes all parameters from rng. A nil rng
// uses a fixed seed.
func NewModel(cfg params.ModelConfig, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(0, 0))
	}
	m := &Model{
		Config:    cfg,
		Embedding: NewEmbedding(cfg.VocabSize, cfg.ContextLength, cfg.EmbeddingDim, rng),
		Blocks:    make([]*Block, cfg.NumLayers),
		FinalNorm: optimizations.NewLayerNorm(cfg.EmbeddingDim, layerNormEps),
		Head: mat.NewDense(cfg.EmbeddingDim, cfg.VocabSize,
			utils.RandomArray(cfg.EmbeddingDim*cfg.VocabSize, float64(cfg.EmbeddingDim), rng)),
	}
	for i := range m.Blocks {
		m.Blocks[i] = NewBlock(cfg, rng)
	}
	return m, nil
}

// Forward maps a batch of token sequences to per-position logits, one (T x V)
// matrix per sequence. Sequences run concurrently and only read parameters.
// With train set, dropout is active and rng must be non-nil when the dropout
// rate is positive; each sequence draws from its own source derived from rng.
func (m *Model) Forward(batch [][]int, train bool, rng *rand.Rand) ([]*mat.Dense, error) {
	rngs, err := m.prepare(batch, train, rng)
	if err != nil {
		return nil, err
	}
	logits := make([]*mat.Dense, len(batch))
	err = forEachSequence(len(batch), m.workers(), func(i int) error {
		out, _ := m.forwardSequence(batch[i], train, rngs[i])
		logits[i] = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logits, nil
}

// prepare validates every sequence up front and derives per-sequence sources.
func (m *Model) prepare(batch [][]int, train bool, rng *rand.Rand) ([]*rand.Rand, error) {
	for i, ids := range batch {
		if err := m.Embedding.Validate(ids); err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
	}
	rngs := make([]*rand.Rand, len(batch))
	if !train || m.Config.DropoutRate == 0 {
		return rngs, nil
	}
	if rng == nil {
		return nil, ErrNoRandomSource
	}
	for i := range rngs {
		rngs[i] = rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))
	}
	return rngs, nil
}

// forwardSequence runs one validated sequence and keeps the caches needed by
// backward.
func (m *Model) forwardSequence(ids []int, train bool, rng *rand.Rand) (*mat.Dense, *modelCache) {
	X, err := m.Embedding.Forward(ids)
	if err != nil {
		panic(err) // ids were validated by prepare
	}
	c := &modelCache{blocks: make([]*BlockCache, len(m.Blocks))}
	for i, b := range m.Blocks {
		X, c.blocks[i] = b.ForwardCached(X, train, rng)
	}
	c.normed, c.norm = m.FinalNorm.ForwardCached(X)
	return utils.Dot(c.normed, m.Head), c
}

// backwardSequence propagates dLogits (T x V) back to every parameter of the
// sequence that produced cache, adding into g.
func (m *Model) backwardSequence(ids []int, dLogits *mat.Dense, c *modelCache, g *Grads) {
	g.Head.Add(g.Head, utils.Dot(c.normed.T(), dLogits))
	dX := utils.Dot(dLogits, m.Head.T())
	dX = m.FinalNorm.Backward(dX, c.norm, g.FinalNorm)
	for i := len(m.Blocks) - 1; i >= 0; i-- {
		dX = m.Blocks[i].Backward(dX, c.blocks[i], g.Blocks[i])
	}
	m.Embedding.Backward(ids, dX, g.Embedding)
}

func (m *Model) workers() int {
	if m.Workers > 0 {
		return m.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// SetHeadParallel toggles head-level goroutines in every attention layer.
func (m *Model) SetHeadParallel(on bool) {
	for _, b := range m.Blocks {
		b.Attn.Parallel = on
	}
}

func (m *Model) Params() []Param {
	ps := m.Embedding.Params()
	for i, b := range m.Blocks {
		ps = append(ps, b.Params(fmt.Sprintf("blocks.%d", i))...)
	}
	ps = append(ps, normParams("ln_f", m.FinalNorm)...)
	return append(ps, Param{Name: "head", Value: m.Head, Decay: true})
}

func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.Params() {
		r, c := p.Value.Dims()
		n += r * c
	}
	return n
}

func (m *Model) NewGrads() *Grads {
	g := &Grads{
		Embedding: m.Embedding.NewGrads(),
		Blocks:    make([]*BlockGrads, len(m.Blocks)),
		FinalNorm: m.FinalNorm.NewGrads(),
		Head:      utils.ZerosLike(m.Head),
	}
	for i, b := range m.Blocks {
		g.Blocks[i] = b.NewGrads()
	}
	return g
}

func (g *Grads) List() []*mat.Dense {
	out := g.Embedding.List()
	for _, b := range g.Blocks {
		out = append(out, b.List()...)
	}
	out = append(out, g.FinalNorm.List()...)
	return append(out, g.Head)
}

// Add accumulates other into g.
func (g *Grads) Add(other *Grads) {
	dst, src := g.List(), other.List()
	for i := range dst {
		dst[i].Add(dst[i], src[i])
	}
}
