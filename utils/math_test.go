package utils

import (
	"bytes"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestCausalMaskedSoftmax(t *testing.T) {
	T := 5
	rng := rand.New(rand.NewPCG(1, 2))
	scores := mat.NewDense(T, T, RandomArray(T*T, 1, rng))
	A := mat.NewDense(T, T, nil)
	RowSoftmaxMaskedInPlace(A, scores, CausalMask(T))

	for i := 0; i < T; i++ {
		if s := floats.Sum(A.RawRowView(i)); math.Abs(s-1) > 1e-12 {
			t.Fatalf("row %d sums to %v", i, s)
		}
	}
	for i := 0; i < T; i++ {
		for j := i + 1; j < T; j++ {
			if A.At(i, j) != 0 {
				t.Fatalf("masked weight A[%d][%d] = %v, want exactly 0", i, j, A.At(i, j))
			}
		}
	}
	if A.At(0, 0) != 1 {
		t.Fatalf("first row must attend only to itself, got %v", A.At(0, 0))
	}
}

func TestSoftmaxLargeLogits(t *testing.T) {
	p := Softmax([]float64{1000, 1000, -1000})
	want := []float64{0.5, 0.5, 0}
	if !floats.EqualApprox(p, want, 1e-12) {
		t.Fatalf("softmax = %v, want %v", p, want)
	}
}

func TestSoftmaxBackwardMatchesFiniteDiff(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	S := mat.NewDense(2, 4, RandomArray(8, 1, rng))
	G := mat.NewDense(2, 4, RandomArray(8, 1, rng))
	loss := func() float64 {
		A := mat.NewDense(2, 4, nil)
		RowSoftmaxMaskedInPlace(A, S, mat.NewDense(2, 4, nil))
		return mat.Sum(Multiply(A, G))
	}
	A := mat.NewDense(2, 4, nil)
	RowSoftmaxMaskedInPlace(A, S, mat.NewDense(2, 4, nil))
	dS := SoftmaxBackward(G, A)

	const eps = 1e-6
	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			w0 := S.At(i, j)
			S.Set(i, j, w0+eps)
			lp := loss()
			S.Set(i, j, w0-eps)
			lm := loss()
			S.Set(i, j, w0)
			num := (lp - lm) / (2 * eps)
			if math.Abs(num-dS.At(i, j)) > 1e-6 {
				t.Fatalf("dS[%d][%d]: num=%g ana=%g", i, j, num, dS.At(i, j))
			}
		}
	}
}

func TestCrossEntropyWithIndex(t *testing.T) {
	logits := []float64{0, 0, 0, 0}
	loss, grad := CrossEntropyWithIndex(logits, 2)
	if math.Abs(loss-math.Log(4)) > 1e-12 {
		t.Fatalf("loss = %v, want log 4", loss)
	}
	want := []float64{0.25, 0.25, -0.75, 0.25}
	if !floats.EqualApprox(grad, want, 1e-12) {
		t.Fatalf("grad = %v, want %v", grad, want)
	}
}

func TestGeluPrime(t *testing.T) {
	xs := mat.NewDense(1, 5, []float64{-3, -0.5, 0, 0.7, 2.5})
	d := GeluPrime(xs)
	const eps = 1e-6
	for j := 0; j < 5; j++ {
		x := xs.At(0, j)
		num := (GeluApply(0, 0, x+eps) - GeluApply(0, 0, x-eps)) / (2 * eps)
		if math.Abs(num-d.At(0, j)) > 1e-6 {
			t.Fatalf("gelu'(%v): num=%g ana=%g", x, num, d.At(0, j))
		}
	}
}

func TestAddBiasAndColSums(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	AddBias(m, mat.NewDense(1, 3, []float64{10, 20, 30}))
	want := mat.NewDense(2, 3, []float64{11, 22, 33, 14, 25, 36})
	if !mat.Equal(m, want) {
		t.Fatalf("AddBias = %v", mat.Formatted(m))
	}
	cs := ColSums(m)
	if !floats.Equal(cs.RawRowView(0), []float64{25, 47, 69}) {
		t.Fatalf("ColSums = %v", cs.RawRowView(0))
	}
}

func TestDropoutMask(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	m := DropoutMask(50, 50, 0.25, rng)
	zeros := 0
	for _, v := range m.RawMatrix().Data {
		switch {
		case v == 0:
			zeros++
		case math.Abs(v-1/0.75) > 1e-12:
			t.Fatalf("kept entry = %v, want %v", v, 1/0.75)
		}
	}
	frac := float64(zeros) / 2500
	if frac < 0.2 || frac > 0.3 {
		t.Fatalf("dropped fraction %v far from 0.25", frac)
	}
}

func TestClipGrads(t *testing.T) {
	a := mat.NewDense(1, 2, []float64{3, 0})
	b := mat.NewDense(1, 1, []float64{4})
	s := ClipGrads(1, a, b)
	if math.Abs(s-0.2) > 1e-12 {
		t.Fatalf("scale = %v, want 0.2", s)
	}
	if math.Abs(a.At(0, 0)-0.6) > 1e-12 || math.Abs(b.At(0, 0)-0.8) > 1e-12 {
		t.Fatalf("clipped grads = %v %v", a.At(0, 0), b.At(0, 0))
	}
	if s := ClipGrads(0, a); s != 1 {
		t.Fatalf("disabled clip returned %v", s)
	}
}

func TestLRSchedule(t *testing.T) {
	if got := LRSchedule(0, 1, 10, 100); got != 0 {
		t.Fatalf("step 0 lr = %v", got)
	}
	if got := LRSchedule(5, 1, 10, 100); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("warmup lr = %v, want 0.5", got)
	}
	if got := LRSchedule(10, 1, 10, 100); math.Abs(got-1) > 1e-12 {
		t.Fatalf("peak lr = %v, want 1", got)
	}
	if got := LRSchedule(10_000, 1, 10, 100); math.Abs(got) > 1e-12 {
		t.Fatalf("decayed lr = %v, want 0", got)
	}
	if got := LRSchedule(7, 2, 0, 0); got != 2 {
		t.Fatalf("constant lr = %v, want 2", got)
	}
}

func TestSampleFromProbs(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	probs := []float64{0.1, 0.6, 0.3}
	for range 100 {
		if got := SampleFromProbs(probs, 1, 0, rng); got != 1 {
			t.Fatalf("top-1 sample = %d, want 1", got)
		}
	}
	for range 100 {
		got := SampleFromProbs(probs, 0, 0.8, rng)
		if got == 0 {
			t.Fatal("top-p 0.8 must exclude the least likely token")
		}
	}
}

func TestASCIIPlot(t *testing.T) {
	var buf bytes.Buffer
	ASCIIPlot(&buf, []float64{4, 2, 1})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 12 {
		t.Fatalf("plot has %d lines, want 12", len(lines))
	}
	if lines[0] != "█  " {
		t.Fatalf("top row = %q", lines[0])
	}
}
