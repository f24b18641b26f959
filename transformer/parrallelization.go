package transformer

import (
	"sync"
)

// forEachSequence runs fn(i) for every i in [0, n) on at most workers
// goroutines and waits for all of them. The error of the lowest failing index
// is returned.
func forEachSequence(n, workers int, fn func(i int) error) error {
	if workers < 1 {
		workers = 1
	}
	errs := make([]error, n)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = fn(i)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// sumGrads adds per-sequence gradients together. It runs after every worker
// has joined, so it is the only writer.
func sumGrads(parts []*Grads) *Grads {
	if len(parts) == 0 {
		return nil
	}
	total := parts[0]
	for _, g := range parts[1:] {
		total.Add(g)
	}
	return total
}
