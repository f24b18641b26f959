package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"

	"github.com/r0llingclouds/llmOx/IO"
	"github.com/r0llingclouds/llmOx/params"
	"github.com/r0llingclouds/llmOx/transformer"
	"github.com/r0llingclouds/llmOx/utils"
)

var (
	dataPath   string
	valPath    string
	configPath string
	saveConfig string
	vocabPath  string
	csvPath    string
	logLevel   string
	prompt     string

	trainFlag    bool
	chatFlag     bool
	headParallel bool

	maxTokens   int
	seed        uint64
	temperature float64
	topK        int
	topP        float64
)

func init() {
	flag.StringVar(&dataPath, "data", "", "UTF-8 training corpus")
	flag.StringVar(&valPath, "val", "", "held-out corpus for validation (default: split -data by val_frac)")
	flag.StringVar(&configPath, "config", "", "JSON config (defaults when empty)")
	flag.StringVar(&saveConfig, "save-config", "", "write the effective config as JSON")
	flag.StringVar(&vocabPath, "vocab", "", "vocab.json to load, or to write after building from -data")
	flag.StringVar(&csvPath, "log-csv", "", "write per-epoch losses as CSV")
	flag.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flag.StringVar(&prompt, "prompt", "", "generate a continuation of this text")

	flag.BoolVar(&trainFlag, "train", false, "train on -data before generating")
	flag.BoolVar(&chatFlag, "chat", false, "interactive prompt loop")
	flag.BoolVar(&headParallel, "head-parallel", false, "compute attention heads concurrently")

	flag.IntVar(&maxTokens, "max-tokens", 50, "max tokens generated per prompt")
	flag.Uint64Var(&seed, "seed", 0, "override the config seed (0 keeps it)")
	flag.Float64Var(&temperature, "temperature", 0.8, "sampling temperature, 0 for greedy")
	flag.IntVar(&topK, "top-k", 10, "keep the k most likely tokens, 0 disables")
	flag.Float64Var(&topP, "top-p", 0.9, "nucleus sampling mass, 0 disables")
}

func main() {
	flag.Parse()

	logger, err := utils.NewLogger(os.Stderr, logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -log-level:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, logger); err != nil {
		stop()
		logger.Fatal("run failed", "err", err)
	}
}

func run(ctx context.Context, logger *log.Logger) error {
	if dataPath == "" && (trainFlag || vocabPath == "") {
		return errors.New("-data is required to train or to build a vocabulary")
	}

	cfg := params.Default()
	if configPath != "" {
		var err error
		if cfg, err = params.Load(configPath); err != nil {
			return err
		}
	}
	if seed != 0 {
		cfg.Training.Seed = seed
	}
	if headParallel {
		cfg.Training.HeadParallel = true
	}

	tok, built, err := IO.LoadOrBuildTokenizer(vocabPath, dataPath, cfg.Model.VocabSize)
	if err != nil {
		return err
	}
	cfg.Model.VocabSize = tok.VocabSize()
	logger.Info("vocabulary ready", "size", tok.VocabSize(), "built", built)
	if saveConfig != "" {
		if err := params.Save(cfg, saveConfig); err != nil {
			return err
		}
		logger.Info("config saved", "path", saveConfig)
	}

	rng := rand.New(rand.NewPCG(cfg.Training.Seed, cfg.Training.Seed+1))
	model, err := transformer.NewModel(cfg.Model, rng)
	if err != nil {
		return err
	}
	if cfg.Training.Workers > 0 {
		model.Workers = cfg.Training.Workers
	}
	model.SetHeadParallel(cfg.Training.HeadParallel)
	logger.Info("model created",
		"params", model.NumParams(),
		"layers", cfg.Model.NumLayers,
		"d_model", cfg.Model.EmbeddingDim,
		"heads", cfg.Model.NumHeads,
		"head_dim", cfg.Model.HeadDim(),
		"head_parallel", cfg.Training.HeadParallel,
		"context", cfg.Model.ContextLength)

	if trainFlag {
		if err := train(ctx, logger, cfg, tok, model); err != nil {
			return err
		}
	} else {
		logger.Warn("generating from an untrained model, pass -train to fit it first")
	}

	opts := generateOptions(tok, rng)
	if prompt != "" {
		text, err := Predict(ctx, model, tok, prompt, opts)
		if err != nil {
			return err
		}
		fmt.Println(text)
	}
	if chatFlag {
		return ChatCLI(ctx, model, tok, opts, os.Stdin, os.Stdout)
	}
	return nil
}

func train(ctx context.Context, logger *log.Logger, cfg params.Config, tok *IO.Tokenizer, model *transformer.Model) error {
	trainSet, valSet, err := loadSplits(cfg, tok, dataPath, valPath)
	if err != nil {
		return err
	}
	logger.Info("dataset loaded", "train", trainSet.Len(), "val", valSet.Len(), "val_file", valPath != "")

	tr, err := transformer.NewTrainer(model, cfg.Training, logger)
	if err != nil {
		return err
	}
	if csvPath != "" {
		f, err := os.Create(csvPath)
		if err != nil {
			return fmt.Errorf("create loss log: %w", err)
		}
		defer f.Close()
		tr.CSV = f
	}

	start := time.Now()
	history, err := tr.Fit(ctx, trainSet, valSet)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("training interrupted", "epochs", len(history), "steps", tr.Steps())
	case err != nil:
		return err
	}
	logger.Info("training done", "epochs", len(history), "steps", tr.Steps(), "took", time.Since(start).Round(time.Second))

	losses := make([]float64, len(history))
	for i, h := range history {
		losses[i] = h.TrainLoss
	}
	utils.ASCIIPlot(os.Stdout, losses)
	return nil
}

// loadSplits returns the training and validation sets. A non-empty valFile is
// windowed on its own and the whole of dataFile is used for training;
// otherwise dataFile is split by cfg.Training.ValFrac.
func loadSplits(cfg params.Config, tok *IO.Tokenizer, dataFile, valFile string) (*IO.Dataset, *IO.Dataset, error) {
	ds, err := IO.LoadDataset(dataFile, tok, cfg.Model.ContextLength, cfg.Training.Stride)
	if err != nil {
		return nil, nil, err
	}
	if valFile == "" {
		trainSet, valSet := ds.Split(cfg.Training.ValFrac)
		return trainSet, valSet, nil
	}
	val, err := IO.LoadDataset(valFile, tok, cfg.Model.ContextLength, cfg.Training.Stride)
	if err != nil {
		return nil, nil, fmt.Errorf("validation set: %w", err)
	}
	return ds, val, nil
}

func generateOptions(tok *IO.Tokenizer, rng *rand.Rand) transformer.GenerateOptions {
	opts := transformer.GenerateOptions{
		MaxNewTokens: maxTokens,
		StopTokens:   []int{tok.EOSID()},
	}
	if temperature > 0 {
		opts.Selector = transformer.Sampler{Temperature: temperature, TopK: topK, TopP: topP, Rng: rng}
	}
	return opts
}
