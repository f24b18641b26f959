package IO

import (
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestWindowedDatasetExample(t *testing.T) {
	ds, err := NewWindowedDataset([]int{1, 2, 3, 4, 5, 6}, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []Example{
		{Input: []int{1, 2, 3}, Target: []int{2, 3, 4}},
		{Input: []int{2, 3, 4}, Target: []int{3, 4, 5}},
		{Input: []int{3, 4, 5}, Target: []int{4, 5, 6}},
	}
	if ds.Len() != len(want) {
		t.Fatalf("Len = %d, want %d", ds.Len(), len(want))
	}
	for i, w := range want {
		got := ds.Example(i)
		if !slices.Equal(got.Input, w.Input) || !slices.Equal(got.Target, w.Target) {
			t.Fatalf("example %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestWindowedDatasetCount(t *testing.T) {
	tests := []struct {
		n, L, S int
		want    int
	}{
		{6, 3, 1, 3},
		{3, 3, 1, 0}, // N == L has no room for the shifted target
		{4, 3, 1, 1},
		{0, 3, 1, 0},
		{10, 3, 2, 4},
		{10, 3, 3, 3},
		{100, 8, 8, 12},
		{9, 8, 100, 1},
	}
	for _, tt := range tests {
		ds, err := NewWindowedDataset(seq(tt.n), tt.L, tt.S)
		if err != nil {
			t.Fatalf("N=%d L=%d S=%d: %v", tt.n, tt.L, tt.S, err)
		}
		want := 0
		if tt.n >= tt.L+1 {
			want = (tt.n-tt.L-1)/tt.S + 1
		}
		if want != tt.want {
			t.Fatalf("table row N=%d L=%d S=%d disagrees with count formula", tt.n, tt.L, tt.S)
		}
		if ds.Len() != tt.want {
			t.Fatalf("N=%d L=%d S=%d: Len = %d, want %d", tt.n, tt.L, tt.S, ds.Len(), tt.want)
		}
	}
}

func TestWindowedDatasetShiftInvariant(t *testing.T) {
	ids := seq(50)
	const L, S = 7, 3
	ds, err := NewWindowedDataset(ids, L, S)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < ds.Len(); k++ {
		ex := ds.Example(k)
		if len(ex.Input) != L || len(ex.Target) != L {
			t.Fatalf("example %d lengths %d/%d", k, len(ex.Input), len(ex.Target))
		}
		start := k * S
		for i := 0; i < L; i++ {
			if ex.Input[i] != ids[start+i] {
				t.Fatalf("example %d starts at wrong window", k)
			}
			if ex.Target[i] != ids[start+i+1] {
				t.Fatalf("example %d target[%d] = %d, want %d", k, i, ex.Target[i], ids[start+i+1])
			}
		}
		for i := 0; i+1 < L; i++ {
			if ex.Target[i] != ex.Input[i+1] {
				t.Fatalf("example %d: target[%d] != input[%d]", k, i, i+1)
			}
		}
	}
}

func TestWindowedDatasetDoesNotAliasSource(t *testing.T) {
	ids := seq(6)
	ds, err := NewWindowedDataset(ids, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	ds.Example(0).Input[0] = 99
	if ids[0] != 1 {
		t.Fatal("dataset example aliases the source ids")
	}
}

func TestWindowedDatasetInvalid(t *testing.T) {
	if _, err := NewWindowedDataset(seq(10), 0, 1); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("L=0: want ErrInvalidWindow, got %v", err)
	}
	if _, err := NewWindowedDataset(seq(10), 3, 0); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("S=0: want ErrInvalidWindow, got %v", err)
	}
}

func TestBatches(t *testing.T) {
	ds, _ := NewWindowedDataset(seq(12), 2, 1) // 10 examples
	var sizes []int
	for b := range ds.Batches(4, nil) {
		sizes = append(sizes, b.Len())
		if len(b.Targets) != b.Len() {
			t.Fatal("inputs and targets differ in length")
		}
	}
	if !slices.Equal(sizes, []int{4, 4, 2}) {
		t.Fatalf("batch sizes = %v", sizes)
	}

	// Restartable: a second pass sees the same first batch.
	var first1, first2 Batch
	for b := range ds.Batches(4, nil) {
		first1 = b
		break
	}
	for b := range ds.Batches(4, nil) {
		first2 = b
		break
	}
	if !slices.Equal(first1.Inputs[0], first2.Inputs[0]) {
		t.Fatal("batches are not restartable")
	}

	order := ds.Permutation(rand.New(rand.NewPCG(1, 1)))
	seen := make(map[int]bool)
	for b := range ds.Batches(3, order) {
		for _, in := range b.Inputs {
			seen[in[0]] = true
		}
	}
	if len(seen) != ds.Len() {
		t.Fatalf("permuted pass visited %d of %d examples", len(seen), ds.Len())
	}
}

func TestSplit(t *testing.T) {
	ds, _ := NewWindowedDataset(seq(12), 2, 1) // 10 examples
	train, val := ds.Split(0.2)
	if train.Len() != 8 || val.Len() != 2 {
		t.Fatalf("split = %d/%d, want 8/2", train.Len(), val.Len())
	}
	if val.Example(0).Input[0] != ds.Example(8).Input[0] {
		t.Fatal("validation must be the tail of the dataset")
	}
}

func TestSplitClampsFraction(t *testing.T) {
	ds, _ := NewWindowedDataset(seq(12), 2, 1)
	for _, tc := range []struct {
		frac           float64
		wantTrain, val int
	}{
		{-0.5, 10, 0},
		{0, 10, 0},
		{1, 0, 10},
		{1.5, 0, 10},
	} {
		train, val := ds.Split(tc.frac)
		if train.Len() != tc.wantTrain || val.Len() != tc.val {
			t.Errorf("Split(%v) = %d/%d, want %d/%d", tc.frac, train.Len(), val.Len(), tc.wantTrain, tc.val)
		}
	}
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.txt")
	if err := os.WriteFile(path, []byte("a b c a b d c"), 0o644); err != nil {
		t.Fatal(err)
	}
	tok := NewTokenizer([]string{"a", "b", "c"})
	ds, err := LoadDataset(path, tok, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	// 7 tokens, L=3, S=2 -> windows at 0 and 2.
	if ds.Len() != 2 {
		t.Fatalf("Len = %d, want 2", ds.Len())
	}
	if got := ds.Example(1).Target[2]; got != tok.UnkID() {
		t.Fatalf("unknown word d encoded as %d, want unk", got)
	}

	if _, err := LoadDataset(filepath.Join(dir, "missing.txt"), tok, 3, 1); err == nil {
		t.Fatal("expected error for unreadable file")
	}
}
