package utils

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix functions used throughout the model. All matrices are row-major
// (T x D): one row per position.

func Dot(m, n mat.Matrix) *mat.Dense {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Mul(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Scale(s float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Multiply(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

func ToDense(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(m)
}

// AddBias adds the (1 x c) row vector bias to every row of m in place.
func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if rb, cb := bias.Dims(); rb != 1 || cb != c {
		panic(fmt.Sprintf("AddBias: bias must be (1 x %d), got (%d x %d)", c, rb, cb))
	}
	b := bias.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), b)
	}
	return m
}

// ColSums returns the (1 x c) column sums of m; the gradient of a broadcast bias.
func ColSums(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(1, c, nil)
	dst := out.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(dst, m.RawRowView(i))
	}
	return out
}

// -------- GELU activation (GPT-style) --------
// gelu(x) = 0.5 * x * (1 + tanh( sqrt(2/pi) * (x + 0.044715*x^3) ))

const geluK = 0.7978845608028654 // sqrt(2/pi)

func GeluApply(i, j int, x float64) float64 {
	t := geluK * (x + 0.044715*x*x*x)
	return 0.5 * x * (1.0 + math.Tanh(t))
}

// GeluPrime is the elementwise derivative given the pre-activation matrix.
func GeluPrime(m mat.Matrix) *mat.Dense {
	return Apply(func(_, _ int, x float64) float64 {
		t := geluK * (x + 0.044715*x*x*x)
		th := math.Tanh(t)
		sech2 := 1.0 - th*th
		dt := geluK * (1.0 + 3.0*0.044715*x*x)
		return 0.5*(1.0+th) + 0.5*x*sech2*dt
	}, m)
}

// CausalMask returns (T x T) with 0 on and below the diagonal, -Inf above.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	negInf := math.Inf(-1)
	for i := 0; i < T; i++ {
		row := out.RawRowView(i)
		for j := i + 1; j < T; j++ {
			row[j] = negInf
		}
	}
	return out
}

// ---------- Softmax variants ----------

// SoftmaxInPlace replaces row with softmax(row). The row max is subtracted
// first so large logits cannot overflow; -Inf entries become exactly 0.
func SoftmaxInPlace(row []float64) {
	mx := floats.Max(row)
	for j, v := range row {
		row[j] = math.Exp(v - mx)
	}
	floats.Scale(1/floats.Sum(row), row)
}

// RowSoftmaxMaskedInPlace writes softmax(m+mask) into dst row by row.
// dst may alias m.
func RowSoftmaxMaskedInPlace(dst, m, mask *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic("RowSoftmaxMaskedInPlace: dst shape mismatch")
	}
	if mr, mc := mask.Dims(); mr != r || mc != c {
		panic("RowSoftmaxMaskedInPlace: mask shape mismatch")
	}
	for i := 0; i < r; i++ {
		row := dst.RawRowView(i)
		floats.AddTo(row, m.RawRowView(i), mask.RawRowView(i))
		SoftmaxInPlace(row)
	}
	return dst
}

// Softmax returns a fresh probability vector for logits.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	copy(out, logits)
	SoftmaxInPlace(out)
	return out
}

// SoftmaxBackward for row-wise softmax used in attention.
// For each row i: s = sum_k dA[i,k]*A[i,k]; dS[i,j] = A[i,j]*(dA[i,j]-s)
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dAd := ToDense(dA)
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		a := A.RawRowView(i)
		g := dAd.RawRowView(i)
		s := floats.Dot(a, g)
		out := dS.RawRowView(i)
		for j := range out {
			out[j] = a[j] * (g[j] - s)
		}
	}
	return dS
}

// ---------- Loss ----------

// CrossEntropyWithIndex returns -log softmax(logits)[gold] and its gradient
// with respect to the logits, p - onehot(gold).
func CrossEntropyWithIndex(logits []float64, gold int) (float64, []float64) {
	if gold < 0 || gold >= len(logits) {
		panic(fmt.Sprintf("CrossEntropyWithIndex: gold %d out of range [0,%d)", gold, len(logits)))
	}
	loss := floats.LogSumExp(logits) - logits[gold]
	grad := Softmax(logits)
	grad[gold] -= 1.0
	return loss, grad
}

// Argmax returns the index of the largest value; ties resolve to the lowest index.
func Argmax(v []float64) int {
	return floats.MaxIdx(v)
}
