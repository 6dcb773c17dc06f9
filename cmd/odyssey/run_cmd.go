package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/archive"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/artifacts"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/audit"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/config"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/observability"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/publish"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/sim"
)

// autoExport is the --export value meaning "pick a timestamped name".
const autoExport = "auto"

// attestationTTL bounds how long an audit attestation stays valid.
const attestationTTL = 30 * 24 * time.Hour

type runOptions struct {
	seed          int64
	steps         int
	windowSize    int
	targetPresent bool
	scenario      string

	export        string
	eventsOut     string
	storeArtifact bool
	attestKey     string

	archiveDSN  string
	badgerPath  string
	redisAddr   string
	redisStream string
	telemetry   bool
	otlp        string

	tickRate float64
}

func newRunCmd(env *config.Config) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a deterministic simulation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulation(cmd, o)
		},
	}

	f := cmd.Flags()
	f.Int64Var(&o.seed, "seed", sim.DefaultSeed, "RNG seed")
	f.IntVar(&o.steps, "steps", 10, "Number of simulation ticks")
	f.IntVar(&o.windowSize, "window-size", sim.DefaultWindowSize, "Window size in ticks")
	f.BoolVar(&o.targetPresent, "target-present", false, "Simulate target presence")
	f.StringVar(&o.scenario, "scenario", "", "Scenario YAML file")

	f.StringVar(&o.export, "export", "", "Write the audit trail to FILE, as --export=FILE (bare --export picks a timestamped name)")
	f.Lookup("export").NoOptDefVal = autoExport
	f.StringVar(&o.eventsOut, "events-out", "", "Write the event log as JSONL to FILE")
	f.BoolVar(&o.storeArtifact, "store-artifact", false, "Store the audit trail in the artifact store (ODYSSEY_ARTIFACT_*)")
	f.StringVar(&o.attestKey, "attest-key", env.AttestKey, "HMAC key for an audit attestation written next to the export")

	f.StringVar(&o.archiveDSN, "archive", env.ArchiveDSN, "Archive DSN (sqlite file or postgres:// URL)")
	f.StringVar(&o.badgerPath, "badger", env.BadgerPath, "Badger archive directory")
	f.StringVar(&o.redisAddr, "publish", env.RedisAddr, "Redis address for tick publication")
	f.StringVar(&o.redisStream, "publish-stream", env.RedisStream, "Redis stream key")
	f.BoolVar(&o.telemetry, "telemetry", env.TelemetryEnabled, "Export traces and metrics over OTLP")
	f.StringVar(&o.otlp, "otlp-endpoint", env.OTLPEndpoint, "OTLP gRPC endpoint")

	f.Float64Var(&o.tickRate, "tick-rate", 0, "Ticks per second; 0 runs unpaced")
	return cmd
}

// buildConfig merges the scenario file and flags. Flags win when set.
func buildConfig(cmd *cobra.Command, o *runOptions) (sim.Config, *config.Scenario, int, error) {
	cfg := sim.DefaultConfig()
	steps := o.steps
	var sc *config.Scenario
	if o.scenario != "" {
		var err error
		sc, err = config.LoadScenario(o.scenario)
		if err != nil {
			return sim.Config{}, nil, 0, err
		}
		cfg = sc.SimConfig()
		if sc.Steps > 0 && !cmd.Flags().Changed("steps") {
			steps = sc.Steps
		}
	}

	flags := cmd.Flags()
	if sc == nil || flags.Changed("seed") {
		cfg.Seed = o.seed
	}
	if sc == nil || flags.Changed("window-size") {
		cfg.WindowSize = o.windowSize
	}
	if o.targetPresent {
		w := sim.DefaultWorldState()
		if cfg.World != nil {
			w = *cfg.World
		}
		w.TargetPresent = true
		cfg.World = &w
	}
	if steps < 0 {
		return sim.Config{}, nil, 0, fmt.Errorf("--steps must be >= 0")
	}
	return cfg, sc, steps, nil
}

func runSimulation(cmd *cobra.Command, o *runOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	logger := slog.Default().With("component", "cli")

	cfg, sc, steps, err := buildConfig(cmd, o)
	if err != nil {
		return err
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].Close(); cerr != nil {
				logger.Warn("close failed", "error", cerr)
			}
		}
	}()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "odyssey-mesh",
		ServiceVersion: Version,
		Environment:    "cli",
		OTLPEndpoint:   o.otlp,
		SampleRate:     1.0,
		Enabled:        o.telemetry,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()
	tickObs, err := observability.NewTickObserver(telemetry)
	if err != nil {
		return err
	}

	opts := []sim.Option{sim.WithLogger(logger), sim.WithObserver(tickObs)}
	if sc != nil {
		if clock := sc.SimClock(); clock != nil {
			opts = append(opts, sim.WithClock(clock))
		}
	}

	var recorders []archive.Recorder
	if o.archiveDSN != "" {
		a, err := archive.OpenSQL(ctx, o.archiveDSN)
		if err != nil {
			return err
		}
		closers = append(closers, a)
		recorders = append(recorders, a)
	}
	if o.badgerPath != "" {
		a, err := archive.OpenBadger(archive.BadgerConfig{Path: o.badgerPath, Logger: logger})
		if err != nil {
			return err
		}
		closers = append(closers, a)
		recorders = append(recorders, a)
	}
	for _, r := range recorders {
		opts = append(opts, sim.WithObserver(r))
	}
	if o.redisAddr != "" {
		p := publish.NewRedisPublisher(publish.Config{Addr: o.redisAddr, Stream: o.redisStream}, logger)
		closers = append(closers, p)
		if err := p.Ping(ctx); err != nil {
			return err
		}
		opts = append(opts, sim.WithObserver(p))
	}

	s, err := sim.New(cfg, opts...)
	if err != nil {
		return err
	}
	info, err := archive.RunInfoOf(s)
	if err != nil {
		return err
	}
	for _, r := range recorders {
		if err := r.RecordRun(ctx, info); err != nil {
			return err
		}
	}

	var limiter *rate.Limiter
	if o.tickRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.tickRate), 1)
	}
	for i := 0; i < steps; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("pacing: %w", err)
			}
		}
		if sc != nil {
			for _, w := range sc.ChangesAt(s.Tick() + 1) {
				if err := s.SetWorldState(w); err != nil {
					return err
				}
			}
		}
		if _, err := s.Step(ctx); err != nil {
			return err
		}
	}

	if view, rec := s.LastView(), s.LastRecommendation(); view != nil && rec != nil {
		_, _ = fmt.Fprintf(out, "tick=%d window=%d state=%s supporting=%d contradicting=%d absent=%d\n",
			s.Tick(), s.WindowID(), rec.State,
			len(view.SupportingNodes), len(view.ContradictingNodes), len(view.UnknownNodes))
	}

	if o.eventsOut != "" {
		if err := writeEvents(s, o.eventsOut); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "events written to %s\n", o.eventsOut)
	}

	if o.export == "" && !o.storeArtifact {
		return nil
	}
	trail, err := audit.Export(s)
	if err != nil {
		return err
	}
	if o.export != "" {
		filename := o.export
		if filename == autoExport {
			filename = audit.DefaultFilename(time.Now())
		}
		if err := trail.WriteFile(filename); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "audit written to %s\n", filename)

		if o.attestKey != "" {
			token, err := audit.Attest(trail, []byte(o.attestKey), time.Now(), attestationTTL)
			if err != nil {
				return err
			}
			jwtFile := filename + ".jwt"
			if err := os.WriteFile(jwtFile, []byte(token+"\n"), 0o600); err != nil {
				return fmt.Errorf("write attestation: %w", err)
			}
			_, _ = fmt.Fprintf(out, "attestation written to %s\n", jwtFile)
		}
	}
	if o.storeArtifact {
		store, err := artifacts.NewStoreFromEnv(ctx)
		if err != nil {
			return err
		}
		data, err := trail.JSON()
		if err != nil {
			return err
		}
		key, err := store.Store(ctx, data)
		if err != nil {
			return err
		}
		if c, ok := store.(io.Closer); ok {
			closers = append(closers, c)
		}
		_, _ = fmt.Fprintf(out, "audit stored as %s\n", key)
	}
	return nil
}

func writeEvents(s *sim.Simulation, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return s.Log().ExportJSONL(f)
}
