package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.viam.com/test"
	gutils "go.viam.com/utils"
)

func TestGetInParallel(t *testing.T) {
	wait100ms := func(ctx context.Context) (float64, error) {
		gutils.SelectContextOrWait(ctx, 100*time.Millisecond)
		return 7, ctx.Err()
	}

	elapsed, results, err := GetInParallel(context.Background(), []FloatFunc{wait100ms, wait100ms})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, elapsed, test.ShouldBeLessThan, 110*time.Millisecond)
	test.That(t, elapsed, test.ShouldBeGreaterThan, 90*time.Millisecond)
	test.That(t, results, test.ShouldResemble, []float64{7, 7})

	// results stay aligned with their function index
	index := func(i float64) FloatFunc {
		return func(ctx context.Context) (float64, error) { return i, nil }
	}
	_, results, err = GetInParallel(context.Background(), []FloatFunc{index(0), index(1), index(2)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldResemble, []float64{0, 1, 2})

	errFunc := func(ctx context.Context) (float64, error) {
		return 0, errors.New("bad")
	}
	elapsed, _, err = GetInParallel(context.Background(), []FloatFunc{wait100ms, wait100ms, errFunc})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, elapsed, test.ShouldBeLessThan, 10*time.Millisecond)

	panicFunc := func(ctx context.Context) (float64, error) {
		panic(1)
	}
	_, _, err = GetInParallel(context.Background(), []FloatFunc{panicFunc})
	test.That(t, err, test.ShouldNotBeNil)
}
