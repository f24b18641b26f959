package transformer

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/r0llingclouds/llmOx/utils"
)

// Loss is the mean token cross-entropy of logits against targets.
func Loss(logits []*mat.Dense, targets [][]int) (float64, error) {
	if len(logits) != len(targets) {
		return 0, fmt.Errorf("%w: %d logit sequences, %d target sequences", ErrShapeMismatch, len(logits), len(targets))
	}
	total, count := 0.0, 0
	for i, l := range logits {
		T, V := l.Dims()
		if len(targets[i]) != T {
			return 0, fmt.Errorf("%w: sequence %d has %d positions, %d targets", ErrShapeMismatch, i, T, len(targets[i]))
		}
		for t, gold := range targets[i] {
			if gold < 0 || gold >= V {
				return 0, fmt.Errorf("%w: target %d at sequence %d position %d", ErrTokenOutOfRange, gold, i, t)
			}
			loss, _ := utils.CrossEntropyWithIndex(l.RawRowView(t), gold)
			total += loss
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return total / float64(count), nil
}

func (m *Model) checkTargets(inputs, targets [][]int) (int, error) {
	if len(inputs) != len(targets) {
		return 0, fmt.Errorf("%w: %d inputs, %d targets", ErrShapeMismatch, len(inputs), len(targets))
	}
	count := 0
	for i := range inputs {
		if len(inputs[i]) != len(targets[i]) {
			return 0, fmt.Errorf("%w: sequence %d has %d inputs, %d targets",
				ErrShapeMismatch, i, len(inputs[i]), len(targets[i]))
		}
		for t, gold := range targets[i] {
			if gold < 0 || gold >= m.Config.VocabSize {
				return 0, fmt.Errorf("%w: target %d at sequence %d position %d", ErrTokenOutOfRange, gold, i, t)
			}
		}
		count += len(targets[i])
	}
	return count, nil
}

// LossAndGrads runs forward and backward over a batch and returns the mean
// token cross-entropy with its gradient for every parameter. Sequences are
// processed concurrently; their gradients are summed once all have finished.
// Parameters are only read.
func (m *Model) LossAndGrads(inputs, targets [][]int, train bool, rng *rand.Rand) (float64, *Grads, error) {
	count, err := m.checkTargets(inputs, targets)
	if err != nil {
		return 0, nil, err
	}
	rngs, err := m.prepare(inputs, train, rng)
	if err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, m.NewGrads(), nil
	}
	norm := 1.0 / float64(count)

	losses := make([]float64, len(inputs))
	parts := make([]*Grads, len(inputs))
	err = forEachSequence(len(inputs), m.workers(), func(i int) error {
		logits, cache := m.forwardSequence(inputs[i], train, rngs[i])
		T, V := logits.Dims()
		dLogits := mat.NewDense(T, V, nil)
		for t, gold := range targets[i] {
			loss, grad := utils.CrossEntropyWithIndex(logits.RawRowView(t), gold)
			losses[i] += loss
			copy(dLogits.RawRowView(t), grad)
		}
		dLogits.Scale(norm, dLogits)

		g := m.NewGrads()
		m.backwardSequence(inputs[i], dLogits, cache, g)
		parts[i] = g
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	total := 0.0
	for _, l := range losses {
		total += l
	}
	return total * norm, sumGrads(parts), nil
}
