package main

import (
	"bytes"
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/r0llingclouds/llmOx/IO"
	"github.com/r0llingclouds/llmOx/params"
	"github.com/r0llingclouds/llmOx/transformer"
)

func newChatModel(t *testing.T) (*transformer.Model, *IO.Tokenizer) {
	t.Helper()
	tok := IO.BuildTokenizer("the cat sat on the mat the dog sat on the log", 64)
	cfg := params.ModelConfig{
		EmbeddingDim:  8,
		ContextLength: 8,
		NumHeads:      2,
		VocabSize:     tok.VocabSize(),
		NumLayers:     1,
	}
	m, err := transformer.NewModel(cfg, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatal(err)
	}
	return m, tok
}

func TestPredictReturnsOnlyNewTokens(t *testing.T) {
	m, tok := newChatModel(t)
	opts := transformer.GenerateOptions{MaxNewTokens: 4}
	text, err := Predict(context.Background(), m, tok, "the cat", opts)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(strings.Fields(text)); n != 4 {
		t.Fatalf("got %d generated words (%q), want 4", n, text)
	}
}

func TestChatCLI(t *testing.T) {
	m, tok := newChatModel(t)
	opts := transformer.GenerateOptions{MaxNewTokens: 3, StopTokens: []int{tok.EOSID()}}
	in := strings.NewReader("the dog\n\nsat on\nexit\nthe cat\n")
	var out bytes.Buffer
	if err := ChatCLI(context.Background(), m, tok, opts, in, &out); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(out.String(), "Bot:"); got != 2 {
		t.Fatalf("got %d replies, want 2 before exit:\n%s", got, out.String())
	}
}

func TestChatCLIEndOfInput(t *testing.T) {
	m, tok := newChatModel(t)
	var out bytes.Buffer
	err := ChatCLI(context.Background(), m, tok, transformer.GenerateOptions{MaxNewTokens: 1}, strings.NewReader("the"), &out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Bot:") {
		t.Fatalf("missing reply:\n%s", out.String())
	}
}

func TestChatCLICancelled(t *testing.T) {
	m, tok := newChatModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	if err := ChatCLI(ctx, m, tok, transformer.GenerateOptions{MaxNewTokens: 1}, strings.NewReader(""), &out); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSplits(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "train.txt")
	val := filepath.Join(dir, "val.txt")
	if err := os.WriteFile(data, []byte("a b c a b c a b c a b c"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(val, []byte("c b a c b a"), 0o644); err != nil {
		t.Fatal(err)
	}
	tok := IO.NewTokenizer([]string{"a", "b", "c"})
	cfg := params.Default()
	cfg.Model.ContextLength = 3
	cfg.Training.Stride = 1
	cfg.Training.ValFrac = 0.5

	// 12 tokens -> 9 windows, 6 tokens -> 3 windows
	trainSet, valSet, err := loadSplits(cfg, tok, data, "")
	if err != nil {
		t.Fatal(err)
	}
	if trainSet.Len()+valSet.Len() != 9 || valSet.Len() != 4 {
		t.Fatalf("split = %d/%d, want 5/4", trainSet.Len(), valSet.Len())
	}

	trainSet, valSet, err = loadSplits(cfg, tok, data, val)
	if err != nil {
		t.Fatal(err)
	}
	if trainSet.Len() != 9 || valSet.Len() != 3 {
		t.Fatalf("with val file = %d/%d, want 9/3", trainSet.Len(), valSet.Len())
	}
	if got := valSet.Example(0).Input[0]; got != tok.Lookup("c") {
		t.Fatalf("validation starts with id %d, want %d", got, tok.Lookup("c"))
	}

	if _, _, err := loadSplits(cfg, tok, data, filepath.Join(dir, "missing.txt")); err == nil {
		t.Fatal("expected error for missing validation file")
	}
}
