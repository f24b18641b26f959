package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/r0llingclouds/llmOx/IO"
	"github.com/r0llingclouds/llmOx/transformer"
)

var (
	brand     = lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	userStyle = lipgloss.NewStyle().Bold(true).Foreground(brand)
	botStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "245", Dark: "244"})
)

// ChatCLI reads prompts line by line from in and writes the model's
// continuation of each to out. It returns on "exit", end of input or when
// ctx is cancelled.
func ChatCLI(ctx context.Context, m *transformer.Model, tok *IO.Tokenizer, opts transformer.GenerateOptions, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, dimStyle.Render("llmOx chat. Type 'exit' to quit."))
	for {
		fmt.Fprint(out, userStyle.Render("You:")+" ")
		var input string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			input = strings.TrimSpace(l)
		}
		if input == "exit" {
			return nil
		}
		if input == "" {
			continue
		}

		reply, err := Predict(ctx, m, tok, input, opts)
		if err != nil && ctx.Err() == nil {
			return err
		}
		fmt.Fprintln(out, botStyle.Render("Bot:"), reply)
	}
}

// Predict encodes input, generates up to opts.MaxNewTokens more tokens and
// returns only the generated part as text.
func Predict(ctx context.Context, m *transformer.Model, tok *IO.Tokenizer, input string, opts transformer.GenerateOptions) (string, error) {
	ids := tok.Encode(input)
	out, err := transformer.Generate(ctx, m, ids, opts)
	if len(out) < len(ids) {
		return "", err
	}
	return tok.Decode(out[len(ids):]), err
}
