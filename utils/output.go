package utils

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ASCIIPlot draws a crude vertical bar chart of values scaled to the largest one.
// Used to show the per-epoch loss curve at the end of training.
func ASCIIPlot(w io.Writer, values []float64) {
	const height = 10 // number of text rows
	n := len(values)
	if n == 0 {
		fmt.Fprintln(w, "no data to plot")
		return
	}
	top := floats.Max(values)
	if top <= 0 {
		top = 1
	}
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		var sb strings.Builder
		for _, v := range values {
			if v/top >= threshold {
				sb.WriteString("█")
			} else {
				sb.WriteString(" ")
			}
		}
		fmt.Fprintln(w, sb.String())
	}
	// x-axis with an epoch index every 5 columns
	fmt.Fprintln(w, strings.Repeat("─", n))
	var sb strings.Builder
	for i := range values {
		if i%5 == 0 {
			sb.WriteString(strconv.Itoa(i % 10))
		} else {
			sb.WriteString(" ")
		}
	}
	fmt.Fprintln(w, sb.String())
}
