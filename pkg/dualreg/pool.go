package dualreg

import (
	"context"
	"fmt"
	"sync"

	"github.com/gilchrisn/tractmodes/pkg/models"
)

// solveFunc computes the solution for one column or row index
type solveFunc func(index int) ([]float64, error)

// indexedResult tags a solution with the index it was computed for
type indexedResult struct {
	index int
	x     []float64
	err   error
}

// solveOrdered evaluates solve for every index in [0, n) on the given number
// of workers and returns the solutions in index order. The first error
// cancels the remaining work.
func solveOrdered(ctx context.Context, n, workers int, solve solveFunc) ([][]float64, error) {
	out := make([][]float64, n)
	if workers <= 1 {
		for i := 0; i < n; i++ {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, fmt.Errorf("dual regression interrupted: %v: %w", err, models.ErrCancelRequested)
				}
			}
			x, err := safeSolve(solve, i)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	indexChannel := make(chan int, workers)
	resultChannel := make(chan indexedResult, workers)
	var wg sync.WaitGroup

	// Start workers
	for workerID := 0; workerID < workers; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case i, ok := <-indexChannel:
					if !ok {
						return
					}
					x, err := safeSolve(solve, i)
					select {
					case resultChannel <- indexedResult{index: i, x: x, err: err}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	// Send indices to workers
	go func() {
		defer close(indexChannel)
		for i := 0; i < n; i++ {
			select {
			case indexChannel <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close results once every worker has exited
	go func() {
		wg.Wait()
		close(resultChannel)
	}()

	received := 0
	var firstErr error
	for res := range resultChannel {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		out[res.index] = res.x
		received++
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if received < n {
		return nil, fmt.Errorf("dual regression interrupted after %d of %d solves: %w", received, n, models.ErrCancelRequested)
	}
	return out, nil
}

// safeSolve turns a panic inside solve into an error
func safeSolve(solve solveFunc, i int) (x []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("solve %d panicked: %v", i, r)
		}
	}()
	return solve(i)
}
