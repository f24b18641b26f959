package optimizations

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/r0llingclouds/llmOx/params"
	"github.com/r0llingclouds/llmOx/utils"
)

// AdamUpdateInPlace applies one AdamW step with bias correction:
// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p)
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("AdamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("AdamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("AdamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		pRow, gRow := p.RawRowView(i), g.RawRowView(i)
		mRow, vRow := m.RawRowView(i), v.RawRowView(i)
		for j := range pRow {
			gij := gRow[j]
			mRow[j] = beta1*mRow[j] + (1.0-beta1)*gij
			vRow[j] = beta2*vRow[j] + (1.0-beta2)*gij*gij
			mhat := mRow[j] * c1
			vhat := vRow[j] * c2
			pRow[j] -= lr * (mhat/(math.Sqrt(vhat)+eps) + weightDecay*pRow[j])
		}
	}
}

// Adam keeps first/second moment state for an ordered parameter list.
type Adam struct {
	Beta1, Beta2, Eps float64
	WeightDecay       float64
	GradClip          float64
	T                 int

	m, v []*mat.Dense
}

func NewAdam(ps []*mat.Dense, cfg params.TrainingConfig) *Adam {
	a := &Adam{
		Beta1:       cfg.AdamBeta1,
		Beta2:       cfg.AdamBeta2,
		Eps:         cfg.AdamEps,
		WeightDecay: cfg.WeightDecay,
		GradClip:    cfg.GradClip,
		m:           make([]*mat.Dense, len(ps)),
		v:           make([]*mat.Dense, len(ps)),
	}
	for i, p := range ps {
		a.m[i] = utils.ZerosLike(p)
		a.v[i] = utils.ZerosLike(p)
	}
	return a
}

// Step clips grads to the global norm GradClip, then updates every parameter.
// decay[i] selects which parameters receive weight decay (matrices, not
// biases or norm gains). Returns the clip scale applied.
func (a *Adam) Step(ps, grads []*mat.Dense, decay []bool, lr float64) (float64, error) {
	if len(ps) != len(a.m) || len(grads) != len(ps) || len(decay) != len(ps) {
		return 0, fmt.Errorf("adam: %d params, %d grads, %d decay flags, state for %d",
			len(ps), len(grads), len(decay), len(a.m))
	}
	scale := utils.ClipGrads(a.GradClip, grads...)
	a.T++
	for i, p := range ps {
		wd := 0.0
		if decay[i] {
			wd = a.WeightDecay
		}
		AdamUpdateInPlace(p, grads[i], a.m[i], a.v[i], a.T, lr, a.Beta1, a.Beta2, a.Eps, wd)
	}
	return scale, nil
}
