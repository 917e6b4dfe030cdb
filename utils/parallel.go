// Package utils holds small shared helpers for fork-join parallel execution
// and numeric sampling.
package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// FloatFunc is for GetInParallel.
type FloatFunc func(ctx context.Context) (float64, error)

// GetInParallel runs all functions in parallel, return is elapsed time, a list
// of floats, and an error. Results land at the index of their function, so
// callers can fan out scoring work and still make a deterministic pick.
func GetInParallel(ctx context.Context, fs []FloatFunc) (time.Duration, []float64, error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	var bigError error
	var bigErrorMutex sync.Mutex
	storeError := func(err error) {
		bigErrorMutex.Lock()
		defer bigErrorMutex.Unlock()
		if bigError == nil || !errors.Is(err, context.Canceled) {
			bigError = multierr.Combine(bigError, err)
		}
	}

	results := make([]float64, len(fs))

	helper := func(f FloatFunc, i int) {
		defer func() {
			if thePanic := recover(); thePanic != nil {
				storeError(fmt.Errorf("got panic getting something in parallel: %v", thePanic))
				cancel()
			}
			wg.Done()
		}()
		value, err := f(ctx)
		if err != nil {
			storeError(err)
			cancel()
		}
		results[i] = value
	}

	for i, f := range fs {
		wg.Add(1)
		go helper(f, i)
	}

	wg.Wait()
	return time.Since(start), results, bigError
}
