package IO

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"os"
)

var ErrInvalidWindow = errors.New("invalid window")

// Example is one next-token training pair: Target[i] is the corpus token that
// follows Input[i].
type Example struct {
	Input  []int
	Target []int
}

// Batch groups examples for one optimizer step.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

func (b Batch) Len() int { return len(b.Inputs) }

// Dataset is an ordered list of examples in window-start order.
type Dataset struct {
	examples []Example
}

// NewWindowedDataset slides a window of length contextLength over ids, moving
// stride tokens at a time. Each window yields the input ids[i:i+L] and the
// target ids[i+1:i+L+1]. A corpus shorter than L+1 gives an empty dataset.
// ids is never modified; examples hold their own copies.
func NewWindowedDataset(ids []int, contextLength, stride int) (*Dataset, error) {
	if contextLength <= 0 {
		return nil, fmt.Errorf("%w: context length must be positive, got %d", ErrInvalidWindow, contextLength)
	}
	if stride < 1 {
		return nil, fmt.Errorf("%w: stride must be at least 1, got %d", ErrInvalidWindow, stride)
	}
	ds := &Dataset{}
	if n := len(ids); n >= contextLength+1 {
		ds.examples = make([]Example, 0, (n-contextLength-1)/stride+1)
	}
	for i := 0; i+contextLength+1 <= len(ids); i += stride {
		ds.examples = append(ds.examples, Example{
			Input:  append([]int(nil), ids[i:i+contextLength]...),
			Target: append([]int(nil), ids[i+1:i+contextLength+1]...),
		})
	}
	return ds, nil
}

// LoadDataset reads the UTF-8 text file at path, encodes it with tok and
// windows the resulting ids. A file that cannot be read is an error, never an
// empty dataset.
func LoadDataset(path string, tok *Tokenizer, contextLength, stride int) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return NewWindowedDataset(tok.Encode(string(raw)), contextLength, stride)
}

func (ds *Dataset) Len() int { return len(ds.examples) }

func (ds *Dataset) Example(i int) Example { return ds.examples[i] }

// Split cuts the dataset in order: the last valFrac of examples become the
// validation set. Both halves share the underlying examples. valFrac is
// clamped to [0, 1].
func (ds *Dataset) Split(valFrac float64) (train, val *Dataset) {
	valFrac = min(max(valFrac, 0), 1)
	nVal := int(float64(len(ds.examples)) * valFrac)
	cut := len(ds.examples) - nVal
	return &Dataset{examples: ds.examples[:cut]}, &Dataset{examples: ds.examples[cut:]}
}

// Permutation returns a random visiting order for one epoch.
func (ds *Dataset) Permutation(rng *rand.Rand) []int {
	return rng.Perm(len(ds.examples))
}

// Batches yields consecutive batches of at most size examples, visiting
// examples in order (nil means natural order). Each call returns a fresh
// sequence; the final batch may be shorter.
func (ds *Dataset) Batches(size int, order []int) iter.Seq[Batch] {
	if size < 1 {
		size = 1
	}
	return func(yield func(Batch) bool) {
		n := len(ds.examples)
		for start := 0; start < n; start += size {
			end := min(start+size, n)
			b := Batch{
				Inputs:  make([][]int, 0, end-start),
				Targets: make([][]int, 0, end-start),
			}
			for k := start; k < end; k++ {
				idx := k
				if order != nil {
					idx = order[k]
				}
				ex := ds.examples[idx]
				b.Inputs = append(b.Inputs, ex.Input)
				b.Targets = append(b.Targets, ex.Target)
			}
			if !yield(b) {
				return
			}
		}
	}
}
