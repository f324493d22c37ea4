package workload

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ethpandaops/benchflow/pkg/sample"
	"github.com/ethpandaops/benchflow/pkg/spec"
	"github.com/sirupsen/logrus"
)

// matrixOptions is the opaque configuration of the matrix workload.
type matrixOptions struct {
	Size       int `mapstructure:"size"`
	Iterations int `mapstructure:"iterations"`
}

// matrixWorkload multiplies dense square matrices on the local host and
// reports throughput. A CPU-bound synthetic workload for exercising the
// time-boxed run loop with measurable, varying samples.
type matrixWorkload struct {
	log  logrus.FieldLogger
	opts matrixOptions

	a, b []float64
}

// Ensure interface compliance.
var _ spec.Workload = (*matrixWorkload)(nil)

func newMatrixWorkload(log logrus.FieldLogger, options map[string]any) (spec.Workload, error) {
	opts := matrixOptions{
		Size:       128,
		Iterations: 1,
	}

	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}

	if opts.Size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %d", opts.Size)
	}

	if opts.Iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", opts.Iterations)
	}

	return &matrixWorkload{
		log:  log.WithField("workload", "matrix"),
		opts: opts,
	}, nil
}

// Prepare allocates and fills the input matrices.
func (w *matrixWorkload) Prepare(_ context.Context, _ *spec.Spec) error {
	n := w.opts.Size
	w.a = make([]float64, n*n)
	w.b = make([]float64, n*n)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range w.a {
		w.a[i] = rng.Float64()
		w.b[i] = rng.Float64()
	}

	return nil
}

func (w *matrixWorkload) Run(ctx context.Context, s *spec.Spec) ([]sample.Sample, error) {
	if w.a == nil {
		return nil, fmt.Errorf("matrix workload not prepared")
	}

	opts := w.opts
	if err := applyFlagOverrides(s, &opts); err != nil {
		return nil, err
	}

	if opts.Iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", opts.Iterations)
	}

	// The matrices were allocated during prepare; their size cannot
	// change per run.
	if opts.Size != w.opts.Size {
		return nil, fmt.Errorf("matrix size is fixed at prepare time")
	}

	n := opts.Size
	c := make([]float64, n*n)

	start := time.Now()

	for iter := 0; iter < opts.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		multiply(w.a, w.b, c, n)
	}

	elapsed := time.Since(start)

	// 2*n^3 floating point operations per multiplication.
	flops := 2 * float64(n) * float64(n) * float64(n) * float64(opts.Iterations)
	gflops := flops / elapsed.Seconds() / 1e9

	metadata := map[string]string{
		"matrix_size": fmt.Sprintf("%d", n),
		"iterations":  fmt.Sprintf("%d", opts.Iterations),
	}

	return []sample.Sample{
		sample.New("matmul_time", elapsed.Seconds(), "seconds", metadata),
		sample.New("matmul_throughput", gflops, "GFLOPS", metadata),
	}, nil
}

func (w *matrixWorkload) Cleanup(_ context.Context, _ *spec.Spec) error {
	w.a = nil
	w.b = nil

	return nil
}

func multiply(a, b, c []float64, n int) {
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			aik := a[i*n+k]
			for j := 0; j < n; j++ {
				c[i*n+j] += aik * b[k*n+j]
			}
		}
	}
}
