package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidConfig is returned for any configuration that cannot describe a model
// or a training run.
var ErrInvalidConfig = errors.New("invalid configuration")

// ModelConfig holds the architectural hyperparameters of the model.
type ModelConfig struct {
	EmbeddingDim  int     `json:"embedding_dim"`  // D, model width
	ContextLength int     `json:"context_length"` // L, max sequence length
	NumHeads      int     `json:"num_heads"`      // H, dHead = D/H
	VocabSize     int     `json:"vocab_size"`     // V
	NumLayers     int     `json:"num_layers"`     // N transformer blocks
	DropoutRate   float64 `json:"dropout_rate"`   // p, training only
}

type TrainingConfig struct {
	LearningRate float64 `json:"learning_rate"` // peak LR
	WarmupSteps  int     `json:"warmup_steps"`  // linear warmup steps
	DecaySteps   int     `json:"decay_steps"`   // cosine decay steps after warmup (0 = none)
	AdamBeta1    float64 `json:"adam_beta1"`
	AdamBeta2    float64 `json:"adam_beta2"`
	AdamEps      float64 `json:"adam_eps"`
	WeightDecay  float64 `json:"weight_decay"` // AdamW-style, 0 disables
	GradClip     float64 `json:"grad_clip"`    // <=0 disables

	MaxEpochs            int     `json:"max_epochs"`
	Patience             int     `json:"patience"` // epochs without val improvement before stopping
	ImprovementThreshold float64 `json:"improvement_threshold"`
	Epsilon              float64 `json:"epsilon"` // stop if train loss < epsilon
	BatchSize            int     `json:"batch_size"`
	Stride               int     `json:"stride"` // window stride over the corpus
	ValFrac              float64 `json:"val_frac"`

	Seed         uint64 `json:"seed"`
	Workers      int    `json:"workers"`       // concurrent sequences per batch, 0 = GOMAXPROCS
	HeadParallel bool   `json:"head_parallel"` // one goroutine per attention head
	DebugEvery   int    `json:"debug_every"`   // log every N optimizer steps at debug level
}

type Config struct {
	Model    ModelConfig    `json:"model"`
	Training TrainingConfig `json:"training"`
}

// Default returns a small configuration that trains on a laptop in minutes.
func Default() Config {
	return Config{
		Model: ModelConfig{
			EmbeddingDim:  64,
			ContextLength: 32,
			NumHeads:      4,
			VocabSize:     2048,
			NumLayers:     2,
			DropoutRate:   0.1,
		},
		Training: TrainingConfig{
			LearningRate: 3e-4,
			WarmupSteps:  100,
			DecaySteps:   10_000,
			AdamBeta1:    0.9,
			AdamBeta2:    0.999,
			AdamEps:      1e-8,
			WeightDecay:  0.01,
			GradClip:     1.0,

			MaxEpochs:            20,
			Patience:             3,
			ImprovementThreshold: 1e-3,
			Epsilon:              1e-4,
			BatchSize:            8,
			Stride:               32,
			ValFrac:              0.1,

			Seed:       123,
			DebugEvery: 50,
		},
	}
}

// HeadDim is the per-head width D/H.
func (c ModelConfig) HeadDim() int {
	return c.EmbeddingDim / c.NumHeads
}

// HiddenDim is the feed-forward expansion width, 4*D.
func (c ModelConfig) HiddenDim() int {
	return 4 * c.EmbeddingDim
}

func (c ModelConfig) Validate() error {
	switch {
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("%w: embedding_dim must be positive, got %d", ErrInvalidConfig, c.EmbeddingDim)
	case c.NumHeads <= 0:
		return fmt.Errorf("%w: num_heads must be positive, got %d", ErrInvalidConfig, c.NumHeads)
	case c.EmbeddingDim%c.NumHeads != 0:
		return fmt.Errorf("%w: embedding_dim (%d) must be divisible by num_heads (%d)",
			ErrInvalidConfig, c.EmbeddingDim, c.NumHeads)
	case c.ContextLength <= 0:
		return fmt.Errorf("%w: context_length must be positive, got %d", ErrInvalidConfig, c.ContextLength)
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size must be positive, got %d", ErrInvalidConfig, c.VocabSize)
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: num_layers must be positive, got %d", ErrInvalidConfig, c.NumLayers)
	case c.DropoutRate < 0 || c.DropoutRate >= 1:
		return fmt.Errorf("%w: dropout_rate must be in [0, 1), got %g", ErrInvalidConfig, c.DropoutRate)
	}
	return nil
}

func (c TrainingConfig) Validate() error {
	switch {
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate must be positive, got %g", ErrInvalidConfig, c.LearningRate)
	case c.AdamBeta1 < 0 || c.AdamBeta1 >= 1:
		return fmt.Errorf("%w: adam_beta1 must be in [0, 1), got %g", ErrInvalidConfig, c.AdamBeta1)
	case c.AdamBeta2 < 0 || c.AdamBeta2 >= 1:
		return fmt.Errorf("%w: adam_beta2 must be in [0, 1), got %g", ErrInvalidConfig, c.AdamBeta2)
	case c.AdamEps <= 0:
		return fmt.Errorf("%w: adam_eps must be positive, got %g", ErrInvalidConfig, c.AdamEps)
	case c.WarmupSteps < 0 || c.DecaySteps < 0:
		return fmt.Errorf("%w: warmup_steps and decay_steps must be non-negative", ErrInvalidConfig)
	case c.MaxEpochs <= 0:
		return fmt.Errorf("%w: max_epochs must be positive, got %d", ErrInvalidConfig, c.MaxEpochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	case c.Stride <= 0:
		return fmt.Errorf("%w: stride must be positive, got %d", ErrInvalidConfig, c.Stride)
	case c.ValFrac < 0 || c.ValFrac >= 1:
		return fmt.Errorf("%w: val_frac must be in [0, 1), got %g", ErrInvalidConfig, c.ValFrac)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must be non-negative, got %d", ErrInvalidConfig, c.Workers)
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := c.Training.Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	return nil
}

// Load reads a JSON config from path on top of Default(). Fields missing from
// the file keep their default value; unknown fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON.
func Save(cfg Config, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
