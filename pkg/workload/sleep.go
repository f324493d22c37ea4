package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/benchflow/pkg/sample"
	"github.com/ethpandaops/benchflow/pkg/spec"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

// sleepOptions is the opaque configuration of the sleep workload.
type sleepOptions struct {
	Duration time.Duration `mapstructure:"duration"`
}

// sleepWorkload idles for a configured duration and reports how long it
// actually slept. Useful for exercising the orchestration engine end to end
// without provisioning anything real.
type sleepWorkload struct {
	log  logrus.FieldLogger
	opts sleepOptions
}

// Ensure interface compliance.
var _ spec.Workload = (*sleepWorkload)(nil)

func newSleepWorkload(log logrus.FieldLogger, options map[string]any) (spec.Workload, error) {
	opts := sleepOptions{
		Duration: 100 * time.Millisecond,
	}

	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}

	if opts.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", opts.Duration)
	}

	return &sleepWorkload{
		log:  log.WithField("workload", "sleep"),
		opts: opts,
	}, nil
}

func (w *sleepWorkload) Prepare(_ context.Context, _ *spec.Spec) error {
	return nil
}

func (w *sleepWorkload) Run(ctx context.Context, s *spec.Spec) ([]sample.Sample, error) {
	opts := w.opts
	if err := applyFlagOverrides(s, &opts); err != nil {
		return nil, err
	}

	if opts.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", opts.Duration)
	}

	start := time.Now()

	select {
	case <-time.After(opts.Duration):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	elapsed := time.Since(start)

	return []sample.Sample{
		sample.New("sleep_time", elapsed.Seconds(), "seconds", map[string]string{
			"requested_duration": opts.Duration.String(),
		}),
	}, nil
}

func (w *sleepWorkload) Cleanup(_ context.Context, _ *spec.Spec) error {
	return nil
}

// applyFlagOverrides decodes the spec's scoped per-run overrides on top of
// already-configured options, so one benchmark entry in a batch can deviate
// from the shared workload configuration. A nil spec or an empty override
// map leaves the options untouched.
func applyFlagOverrides(s *spec.Spec, out any) error {
	if s == nil || len(s.FlagOverrides()) == 0 {
		return nil
	}

	if err := decodeOptions(s.FlagOverrides(), out); err != nil {
		return fmt.Errorf("applying flag overrides: %w", err)
	}

	return nil
}

// decodeOptions decodes an opaque option map into a typed struct, honoring
// duration strings.
func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("creating option decoder: %w", err)
	}

	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("decoding options: %w", err)
	}

	return nil
}
