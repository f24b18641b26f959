package transformer

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/r0llingclouds/llmOx/utils"
)

// Embedding maps token ids to the sum of a token vector and a position vector.
type Embedding struct {
	VocabSize     int
	ContextLength int
	D             int
	Token         *mat.Dense // (V x D)
	Position      *mat.Dense // (L x D)
}

type EmbeddingGrads struct {
	Token, Position *mat.Dense
}

func NewEmbedding(vocab, contextLength, d int, rng *rand.Rand) *Embedding {
	return &Embedding{
		VocabSize:     vocab,
		ContextLength: contextLength,
		D:             d,
		Token:         mat.NewDense(vocab, d, utils.NormalArray(vocab*d, 0.02, rng)),
		Position:      mat.NewDense(contextLength, d, utils.NormalArray(contextLength*d, 0.02, rng)),
	}
}

// Validate checks every id and the sequence length before any lookup happens.
func (e *Embedding) Validate(ids []int) error {
	if len(ids) == 0 || len(ids) > e.ContextLength {
		return fmt.Errorf("%w: got %d tokens, want 1..%d", ErrSequenceLength, len(ids), e.ContextLength)
	}
	for t, id := range ids {
		if id < 0 || id >= e.VocabSize {
			return fmt.Errorf("%w: id %d at position %d, vocab size %d", ErrTokenOutOfRange, id, t, e.VocabSize)
		}
	}
	return nil
}

// Forward returns the (T x D) matrix whose row t is Token[ids[t]] + Position[t].
func (e *Embedding) Forward(ids []int) (*mat.Dense, error) {
	if err := e.Validate(ids); err != nil {
		return nil, err
	}
	X := mat.NewDense(len(ids), e.D, nil)
	for t, id := range ids {
		floats.AddTo(X.RawRowView(t), e.Token.RawRowView(id), e.Position.RawRowView(t))
	}
	return X, nil
}

// Backward scatters dX into the rows of the token and position tables that
// were read by Forward.
func (e *Embedding) Backward(ids []int, dX *mat.Dense, g *EmbeddingGrads) {
	for t, id := range ids {
		row := dX.RawRowView(t)
		floats.Add(g.Token.RawRowView(id), row)
		floats.Add(g.Position.RawRowView(t), row)
	}
}

func (e *Embedding) Params() []Param {
	return []Param{
		{Name: "emb.token", Value: e.Token, Decay: true},
		{Name: "emb.position", Value: e.Position, Decay: false},
	}
}

func (e *Embedding) NewGrads() *EmbeddingGrads {
	return &EmbeddingGrads{Token: utils.ZerosLike(e.Token), Position: utils.ZerosLike(e.Position)}
}

func (g *EmbeddingGrads) List() []*mat.Dense { return []*mat.Dense{g.Token, g.Position} }
