package transformer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/mat"

	"github.com/r0llingclouds/llmOx/IO"
	"github.com/r0llingclouds/llmOx/optimizations"
	"github.com/r0llingclouds/llmOx/params"
	"github.com/r0llingclouds/llmOx/utils"
)

type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64 // NaN without a validation set
	LR        float64
	Duration  time.Duration
}

// Trainer owns the optimizer state for one model. Parameters change only in
// Step, after every sequence of the batch has finished its forward and
// backward pass.
type Trainer struct {
	Model *Model
	Cfg   params.TrainingConfig
	Log   *log.Logger

	// CSV, when set, receives one "epoch,train_loss,val_loss,lr" row per epoch.
	CSV io.Writer

	opt   *optimizations.Adam
	rng   *rand.Rand
	ps    []*mat.Dense
	decay []bool
	step  int
}

func NewTrainer(m *Model, cfg params.TrainingConfig, logger *log.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.Discard()
	}
	tr := &Trainer{
		Model: m,
		Cfg:   cfg,
		Log:   logger,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for _, p := range m.Params() {
		tr.ps = append(tr.ps, p.Value)
		tr.decay = append(tr.decay, p.Decay)
	}
	tr.opt = optimizations.NewAdam(tr.ps, cfg)
	if cfg.Workers > 0 {
		m.Workers = cfg.Workers
	}
	if cfg.HeadParallel {
		m.SetHeadParallel(true)
	}
	return tr, nil
}

// Steps is the number of optimizer updates applied so far.
func (tr *Trainer) Steps() int { return tr.step }

func (tr *Trainer) lr() float64 {
	return utils.LRSchedule(tr.step, tr.Cfg.LearningRate, tr.Cfg.WarmupSteps, tr.Cfg.DecaySteps)
}

// Step runs one training forward/backward pass over b and applies AdamW.
func (tr *Trainer) Step(b IO.Batch) (float64, error) {
	loss, grads, err := tr.Model.LossAndGrads(b.Inputs, b.Targets, true, tr.rng)
	if err != nil {
		return 0, err
	}
	tr.step++
	lr := tr.lr()
	scale, err := tr.opt.Step(tr.ps, grads.List(), tr.decay, lr)
	if err != nil {
		return 0, err
	}
	if tr.Cfg.DebugEvery > 0 && tr.step%tr.Cfg.DebugEvery == 0 {
		tr.Log.Debug("step", "n", tr.step, "loss", loss, "lr", lr, "clip", scale)
	}
	return loss, nil
}

// Evaluate returns the mean token cross-entropy of ds in inference mode.
func (tr *Trainer) Evaluate(ds *IO.Dataset) (float64, error) {
	total, count := 0.0, 0
	for b := range ds.Batches(tr.Cfg.BatchSize, nil) {
		logits, err := tr.Model.Forward(b.Inputs, false, nil)
		if err != nil {
			return 0, err
		}
		loss, err := Loss(logits, b.Targets)
		if err != nil {
			return 0, err
		}
		n := 0
		for _, t := range b.Targets {
			n += len(t)
		}
		total += loss * float64(n)
		count += n
	}
	if count == 0 {
		return math.NaN(), nil
	}
	return total / float64(count), nil
}

// Fit trains for up to MaxEpochs epochs of shuffled batches. Early stopping
// watches the validation loss (or the training loss without a validation
// set); when it triggers, the best parameters seen are restored. ctx is
// checked between steps.
func (tr *Trainer) Fit(ctx context.Context, train, val *IO.Dataset) ([]EpochStats, error) {
	if train.Len() == 0 {
		return nil, fmt.Errorf("fit: empty training set")
	}
	var w *csv.Writer
	if tr.CSV != nil {
		w = csv.NewWriter(tr.CSV)
		if err := w.Write([]string{"epoch", "train_loss", "val_loss", "lr"}); err != nil {
			return nil, err
		}
	}

	var history []EpochStats
	best := math.Inf(1)
	var bestParams []*mat.Dense
	noImprovement := 0

	for e := range tr.Cfg.MaxEpochs {
		start := time.Now()
		total, count := 0.0, 0
		for b := range train.Batches(tr.Cfg.BatchSize, train.Permutation(tr.rng)) {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			loss, err := tr.Step(b)
			if err != nil {
				return history, err
			}
			n := 0
			for _, t := range b.Targets {
				n += len(t)
			}
			total += loss * float64(n)
			count += n
		}

		stats := EpochStats{Epoch: e, TrainLoss: total / float64(count), ValLoss: math.NaN(), LR: tr.lr()}
		if val != nil && val.Len() > 0 {
			v, err := tr.Evaluate(val)
			if err != nil {
				return history, err
			}
			stats.ValLoss = v
		}
		stats.Duration = time.Since(start)
		history = append(history, stats)

		tr.Log.Info("epoch", "n", e, "train_loss", stats.TrainLoss, "val_loss", stats.ValLoss,
			"ppl", math.Exp(stats.TrainLoss), "lr", stats.LR, "took", stats.Duration.Round(time.Millisecond))
		if w != nil {
			if err := w.Write([]string{
				strconv.Itoa(e),
				strconv.FormatFloat(stats.TrainLoss, 'f', 6, 64),
				strconv.FormatFloat(stats.ValLoss, 'f', 6, 64),
				strconv.FormatFloat(stats.LR, 'g', 6, 64),
			}); err != nil {
				return history, err
			}
			w.Flush()
			if err := w.Error(); err != nil {
				return history, err
			}
		}

		watched := stats.ValLoss
		if math.IsNaN(watched) {
			watched = stats.TrainLoss
		}
		if watched < best-tr.Cfg.ImprovementThreshold {
			best = watched
			bestParams = tr.snapshot()
			noImprovement = 0
		} else {
			noImprovement++
		}

		if tr.Cfg.Patience > 0 && noImprovement >= tr.Cfg.Patience {
			tr.Log.Info("stopping early, no improvement", "epochs", noImprovement, "best", best)
			tr.restore(bestParams)
			break
		}
		if stats.TrainLoss < tr.Cfg.Epsilon {
			tr.Log.Info("stopping early, loss below epsilon", "loss", stats.TrainLoss)
			break
		}
	}
	return history, nil
}

func (tr *Trainer) snapshot() []*mat.Dense {
	out := make([]*mat.Dense, len(tr.ps))
	for i, p := range tr.ps {
		out[i] = mat.DenseCopyOf(p)
	}
	return out
}

func (tr *Trainer) restore(saved []*mat.Dense) {
	if saved == nil {
		return
	}
	for i, p := range tr.ps {
		p.Copy(saved[i])
	}
}
