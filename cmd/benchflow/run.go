package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/ethpandaops/benchflow/pkg/abort"
	"github.com/ethpandaops/benchflow/pkg/archive"
	"github.com/ethpandaops/benchflow/pkg/checkpoint"
	"github.com/ethpandaops/benchflow/pkg/config"
	"github.com/ethpandaops/benchflow/pkg/events"
	"github.com/ethpandaops/benchflow/pkg/pipeline"
	"github.com/ethpandaops/benchflow/pkg/resource"
	"github.com/ethpandaops/benchflow/pkg/runid"
	"github.com/ethpandaops/benchflow/pkg/sample"
	"github.com/ethpandaops/benchflow/pkg/scheduler"
	"github.com/ethpandaops/benchflow/pkg/spec"
	"github.com/ethpandaops/benchflow/pkg/sysinfo"
	"github.com/ethpandaops/benchflow/pkg/workload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runFlagStages  []string
	runFlagRunID   string
	runFlagWorkers int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of benchmarks",
	Long: `Run executes the configured benchmarks through the requested lifecycle
stages. By default all five stages run; a subset (e.g. --stages provision,prepare)
leaves resources alive for a later invocation with --run-id.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runFlagStages, "stages", nil,
		"stages to run (provision, prepare, run, cleanup, teardown, or all)")
	runCmd.Flags().StringVar(&runFlagRunID, "run-id", "",
		"run identifier of an earlier invocation to resume")
	runCmd.Flags().IntVar(&runFlagWorkers, "workers", 0,
		"max concurrently running benchmarks (overrides config)")

	rootCmd.AddCommand(runCmd)
}

func runBatch(ctx context.Context) error {
	if cfgFile == "" {
		return fmt.Errorf("no config file specified, use --config")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyRunFlags(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if !rootCmd.PersistentFlags().Changed("log-level") && cfg.Global.LogLevel != "" {
		level, lerr := logrus.ParseLevel(cfg.Global.LogLevel)
		if lerr != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Global.LogLevel, lerr)
		}

		log.SetLevel(level)
	}

	stages, err := pipeline.ParseStages(cfg.Run.Stages)
	if err != nil {
		return err
	}

	store, err := checkpoint.NewFileStore(log, cfg.Run.Dir)
	if err != nil {
		return fmt.Errorf("failed to open run directory: %w", err)
	}

	id, resumed, err := resolveRunID(cfg, stages, store)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"run_id": id,
		"stages": stages.String(),
	}).Info("Starting benchmark batch")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Warn("Received signal, aborting batch")
		cancel()
	}()

	// Fail fast on a misconfigured archive before any resource exists.
	var uploader archive.Uploader

	if cfg.ArchiveEnabled() {
		uploader, err = archive.NewS3Uploader(log, &cfg.Archive.S3)
		if err != nil {
			return fmt.Errorf("failed to set up archive: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("archive preflight failed: %w", err)
		}
	}

	registry := workload.NewRegistry()
	driver := resource.NewNullDriver(log)

	var staticVMs []*resource.Handle

	if cfg.StaticMachinesFile != "" {
		staticVMs, err = resource.LoadStaticMachines(cfg.StaticMachinesFile)
		if err != nil {
			return fmt.Errorf("failed to load static machines: %w", err)
		}

		log.WithField("count", len(staticVMs)).Info("Loaded static machine registry")
	}

	var specs []*spec.Spec

	if resumed {
		specs, err = restoreSpecs(cfg, registry, driver, store, id)
	} else {
		specs, err = buildSpecs(cfg, registry, driver, staticVMs, id)
	}

	if err != nil {
		return err
	}

	bus := events.NewBus()
	subscribeLogListeners(bus)

	if err := bus.Publish(events.Event{Hook: events.InitializationComplete}); err != nil {
		return fmt.Errorf("initialization hook failed: %w", err)
	}

	metadata := sysinfo.Collect(log)
	metadata["owner"] = cfg.Global.Owner
	metadata["run_id"] = id

	sinks, err := buildSinks(cfg, store.RunDir(id))
	if err != nil {
		return err
	}

	newCollector := func() *sample.Collector {
		return sample.NewCollector(log, metadata, sinks...)
	}

	batch := newCollector()
	defer func() {
		if cerr := batch.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close sample sinks")
		}
	}()

	flag := abort.NewFlag()

	pipe := pipeline.New(log, &pipeline.Options{
		Stages:              stages,
		RunStageTime:        cfg.Run.StageTime,
		RunStageRetries:     cfg.Run.StageRetries,
		PublishAfterRun:     cfg.Run.PublishAfterRun,
		RuntimeMeasurements: *cfg.Run.RuntimeMeasurements,
	}, bus, store, flag)

	sched := scheduler.New(log, &scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		StopOnFailure: cfg.Scheduler.StopOnFailure,
		RunID:         id,
	}, pipe, flag, newCollector)

	results, ok := sched.RunBatch(ctx, specs)

	for _, res := range results {
		batch.Extend(res.Samples)
	}

	// Publish whatever was collected, success or not. Per-iteration
	// publication (publish_after_run) already flushed these through the
	// per-worker collectors; flushing again here is intentional so the
	// batch-level report is always complete on its own.
	if perr := batch.PublishSamples(context.Background()); perr != nil {
		log.WithError(perr).Error("Failed to publish samples")
	}

	log.Info("\n" + spec.CreateSummary(specs))

	if !stages.Has(pipeline.StageTeardown) {
		log.WithField("run_id", id).Infof(
			"Resources were left alive, pass --run-id=%s to reuse or tear them down", id)
	}

	if uploader != nil {
		if uerr := uploader.Upload(ctx, store.RunDir(id)); uerr != nil {
			log.WithError(uerr).Error("Failed to archive run directory")
		}
	}

	if !ok {
		return fmt.Errorf("one or more benchmarks did not succeed")
	}

	return nil
}

// applyRunFlags overlays command-line flags onto the loaded config.
func applyRunFlags(cfg *config.Config) {
	if len(runFlagStages) > 0 {
		cfg.Run.Stages = runFlagStages
	}

	if runFlagRunID != "" {
		cfg.Run.RunID = runFlagRunID
	}

	if runFlagWorkers > 0 {
		cfg.Scheduler.Workers = runFlagWorkers
	}
}

// resolveRunID determines the batch run identifier. A fresh identifier is
// generated only when provisioning; otherwise an explicit identifier is
// required, or the most recent checkpointed run is resumed.
func resolveRunID(cfg *config.Config, stages pipeline.StageSet, store checkpoint.Store) (string, bool, error) {
	if cfg.Run.RunID != "" {
		if err := runid.Validate(cfg.Run.RunID); err != nil {
			return "", false, fmt.Errorf("invalid run id: %w", err)
		}

		return cfg.Run.RunID, !stages.Has(pipeline.StageProvision), nil
	}

	if stages.Has(pipeline.StageProvision) {
		return runid.Generate(), false, nil
	}

	id, err := store.LatestRunID()
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return "", false, fmt.Errorf(
				"provision stage not requested and no prior run found, pass --run-id")
		}

		return "", false, err
	}

	log.WithField("run_id", id).Warn("No run id specified, resuming most recent run")

	return id, true, nil
}

// buildSpecs expands the benchmark list into one spec per requested
// instance. UIDs are the benchmark name plus a per-name counter; sequence
// numbers are 1-based across the whole batch.
func buildSpecs(
	cfg *config.Config,
	registry workload.Registry,
	driver resource.Driver,
	staticVMs []*resource.Handle,
	id string,
) ([]*spec.Spec, error) {
	var specs []*spec.Spec

	nameCounter := make(map[string]int)

	total := 0
	for _, b := range cfg.Benchmarks {
		total += b.Count
	}

	for _, b := range cfg.Benchmarks {
		w, err := registry.Build(b.Workload, log, b.Config)
		if err != nil {
			return nil, fmt.Errorf("benchmark %q: %w", b.Name, err)
		}

		for i := 0; i < b.Count; i++ {
			nameCounter[b.Name]++

			var static []*resource.Handle

			if b.UseStaticMachines {
				static = staticVMs
			}

			specs = append(specs, spec.New(log, spec.Config{
				Name:              b.Name,
				UID:               b.Name + strconv.Itoa(nameCounter[b.Name]-1),
				SequenceNumber:    len(specs) + 1,
				TotalCount:        total,
				AlwaysCallCleanup: b.AlwaysCallCleanup,
				RunID:             id,
				FlagOverrides:     b.Flags,
				VMCount:           b.VMCount,
				Services:          b.Services,
				StaticVMs:         static,
			}, b.Workload, w, driver))
		}
	}

	return specs, nil
}

// restoreSpecs rebuilds the batch from the checkpoints of an earlier run.
func restoreSpecs(
	cfg *config.Config,
	registry workload.Registry,
	driver resource.Driver,
	store checkpoint.Store,
	id string,
) ([]*spec.Spec, error) {
	uids, err := store.List(id)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for run %s: %w", id, err)
	}

	resolve := func(name string) (spec.Workload, error) {
		return registry.Build(name, log, workloadOptions(cfg, name))
	}

	specs := make([]*spec.Spec, 0, len(uids))

	for _, uid := range uids {
		data, err := store.Load(id, uid)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint %s: %w", uid, err)
		}

		sp, err := spec.FromSnapshot(log, data, resolve, driver)
		if err != nil {
			return nil, fmt.Errorf("failed to restore spec %s: %w", uid, err)
		}

		specs = append(specs, sp)
	}

	log.WithFields(logrus.Fields{
		"run_id": id,
		"specs":  len(specs),
	}).Info("Restored benchmark specs from checkpoints")

	return specs, nil
}

// workloadOptions finds the configured options for a workload by name. A
// restored spec may reference a workload no longer present in the config;
// it is then rebuilt with defaults.
func workloadOptions(cfg *config.Config, name string) map[string]any {
	for _, b := range cfg.Benchmarks {
		if b.Workload == name {
			return b.Config
		}
	}

	return nil
}

// buildSinks constructs the configured reporting sinks.
func buildSinks(cfg *config.Config, runDir string) ([]sample.Sink, error) {
	sinks := make([]sample.Sink, 0, len(cfg.Publish.Sinks))

	for _, name := range cfg.Publish.Sinks {
		switch name {
		case "console":
			sinks = append(sinks, sample.NewConsoleSink(log))
		case "file":
			path := cfg.Publish.File.Path
			if path == "" {
				path = filepath.Join(runDir, "samples.json")
			}

			sink, err := sample.NewFileSink(log, path)
			if err != nil {
				return nil, fmt.Errorf("failed to open sample file: %w", err)
			}

			sinks = append(sinks, sink)
		case "database":
			db := cfg.Publish.Database
			if db.Driver == "sqlite" && db.SQLite.Path == "" {
				db.SQLite.Path = filepath.Join(runDir, "samples.db")
			}

			sink, err := sample.NewDatabaseSink(log, &db)
			if err != nil {
				return nil, fmt.Errorf("failed to open sample database: %w", err)
			}

			sinks = append(sinks, sink)
		default:
			return nil, fmt.Errorf("unknown sink %q", name)
		}
	}

	return sinks, nil
}

// subscribeLogListeners attaches the built-in instrumentation to the hook
// bus.
func subscribeLogListeners(bus *events.Bus) {
	bus.Subscribe(events.BenchmarkStart, func(ev events.Event) error {
		log.WithField("benchmark", ev.Benchmark).Debug("Benchmark starting")
		return nil
	})

	bus.Subscribe(events.BenchmarkEnd, func(ev events.Event) error {
		log.WithField("benchmark", ev.Benchmark).Debug("Benchmark finished")
		return nil
	})

	bus.Subscribe(events.SamplesCreated, func(ev events.Event) error {
		log.WithFields(logrus.Fields{
			"benchmark": ev.Benchmark,
			"samples":   len(ev.Samples),
		}).Debug("Samples collected")

		return nil
	})
}
