package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/keyframe/internal/config"
	"github.com/banshee-data/keyframe/internal/fixture"
	"github.com/banshee-data/keyframe/internal/keyframe"
	"github.com/banshee-data/keyframe/internal/monitoring"
	"github.com/banshee-data/keyframe/internal/report"
	"github.com/banshee-data/keyframe/internal/security"
	"github.com/banshee-data/keyframe/internal/store"
	"github.com/banshee-data/keyframe/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to tuning config JSON (defaults are built in)")
	verbose     = flag.String("verbose", "", "Log verbosity: quiet, error, warn, info, debug (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var errUsage = errors.New("usage")

// metricTol bounds the entrywise difference between two files' AO overlaps.
const metricTol = 1e-10

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath, *verbose)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()
	if err := run(ctx, cfg, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			printUsage(os.Stderr)
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `keyframe - compare and factorize orbital keyframes

Usage: keyframe [global flags] <command> [options] <files>

Commands:
  compare a.json b.json    MO and CI overlaps between two keyframes
  common a.json b.json     Orbitals shared per block
  kappa a.json b.json      Factorize <a|b> = expm(kappa) rmat
                           [-plot out.png] [-spectrum out.html] [-db path]
  store save a.json        Persist a keyframe (-db path, -label name)
  store runs <id>          List factorizations for a stored keyframe (-db path)
  migrate up|down|version  Manage the store schema (-db path)

Global flags:
  -config <file>   Tuning config JSON
  -verbose <lvl>   quiet, error, warn, info, debug
  -version         Print version`)
}

// loadConfig reads the tuning file, if any, and applies a verbosity
// override.
func loadConfig(path, verbosity string) (*config.TuningConfig, error) {
	cfg := config.DefaultTuningConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(path); err != nil {
			return nil, err
		}
	}
	if verbosity != "" {
		if _, err := monitoring.ParseLevel(verbosity); err != nil {
			return nil, err
		}
		cfg.Verbose = &verbosity
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.TuningConfig, args []string, out io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	command, rest := args[0], args[1:]
	switch command {
	case "compare":
		return handleCompare(cfg, rest, out)
	case "common":
		return handleCommon(cfg, rest, out)
	case "kappa":
		return handleKappa(ctx, cfg, rest, out)
	case "store":
		return handleStore(ctx, rest, out)
	case "migrate":
		return handleMigrate(ctx, rest, out)
	case "version":
		fmt.Fprintln(out, version.String())
		return nil
	case "help":
		printUsage(out)
		return nil
	default:
		return fmt.Errorf("unknown command %q: %w", command, errUsage)
	}
}

// loadPair reads two keyframe files. The second keyframe is built on the
// first one's host so the two share a metric and partition.
func loadPair(paths []string) (*keyframe.Snapshot, *keyframe.Snapshot, error) {
	if len(paths) != 2 {
		return nil, nil, fmt.Errorf("expected two keyframe files, got %d: %w", len(paths), errUsage)
	}
	f1, err := fixture.Load(paths[0])
	if err != nil {
		return nil, nil, err
	}
	f2, err := fixture.Load(paths[1])
	if err != nil {
		return nil, nil, err
	}
	h1, err := f1.Host()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", paths[0], err)
	}
	h2, err := f2.Host()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", paths[1], err)
	}
	// Each file is read on its own host; the two must describe the same
	// molecule and layout to be compared.
	if !h1.Partition().Equal(h2.Partition()) {
		return nil, nil, fmt.Errorf("%s %v vs %s %v: %w",
			paths[0], h1.Partition(), paths[1], h2.Partition(), keyframe.ErrPartitionMismatch)
	}
	if !mat.EqualApprox(h1.OverlapMetric(), h2.OverlapMetric(), metricTol) {
		return nil, nil, fmt.Errorf("%s vs %s: overlap metrics differ: %w",
			paths[0], paths[1], keyframe.ErrPartitionMismatch)
	}
	kf1, err := f1.SnapshotOn(h1)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", paths[0], err)
	}
	kf2, err := f2.SnapshotOn(h2)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", paths[1], err)
	}
	return kf1, kf2, nil
}

func handleCompare(cfg *config.TuningConfig, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	kf1, kf2, err := loadPair(fs.Args())
	if err != nil {
		return err
	}
	ov, err := keyframe.SnapshotOverlap(kf1, kf2)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "mo overlap: %.12f\n", ov.MOOverlap)
	for frag, roots := range ov.CIOverlap {
		for root, v := range roots {
			fmt.Fprintf(out, "fragment %d root %d ci overlap: %.12f\n", frag, root, v)
		}
	}
	if !ov.CIMeaningful(cfg.GetCIMeaningfulTol()) {
		fmt.Fprintln(out, "note: active spaces differ, ci overlaps are not comparable")
	}
	return nil
}

func handleCommon(cfg *config.TuningConfig, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("common", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	kf1, kf2, err := loadPair(fs.Args())
	if err != nil {
		return err
	}
	c, err := keyframe.CountCommonOrbitals(kf1, kf2, keyframe.WithTuning(cfg))
	if err != nil {
		return err
	}

	p := kf1.Partition()
	fmt.Fprintf(out, "Inactive: %d/%d\n", c.Inactive, p.Ncore())
	for i, n := range c.Active {
		fmt.Fprintf(out, "Active %d: %d/%d\n", i, n, p.Fragment(i).Size)
	}
	fmt.Fprintf(out, "Virtual: %d/%d\n", c.Virtual, p.Block(p.Len()-1).Size)
	return nil
}

func handleKappa(ctx context.Context, cfg *config.TuningConfig, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("kappa", flag.ContinueOnError)
	plotPath := fs.String("plot", "", "Write a convergence plot PNG")
	spectrumPath := fs.String("spectrum", "", "Write a singular value chart HTML")
	dbPath := fs.String("db", "", "Record the keyframes and run in this store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, p := range []string{*plotPath, *spectrumPath} {
		if p == "" {
			continue
		}
		if err := security.ValidateOutputPath(p); err != nil {
			return err
		}
	}
	kf1, kf2, err := loadPair(fs.Args())
	if err != nil {
		return err
	}

	f, err := keyframe.Factorize(kf1, kf2, keyframe.WithTuning(cfg))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "iterations: %d\n", f.Iterations)
	fmt.Fprintf(out, "diag error: %e\n", f.DiagErr)
	fmt.Fprintf(out, "final error: %e\n", f.FinalErr)
	fmt.Fprintf(out, "converged: %t\n", f.Converged)

	if *plotPath != "" {
		if err := report.ConvergencePlot(f, cfg.GetTolStrict(), *plotPath); err != nil {
			return fmt.Errorf("convergence plot: %w", err)
		}
	}
	if *spectrumPath != "" {
		if err := writeSpectrum(kf1, kf2, fs.Arg(0)+" vs "+fs.Arg(1), *spectrumPath); err != nil {
			return fmt.Errorf("spectrum chart: %w", err)
		}
	}
	if *dbPath != "" {
		s, err := store.Open(ctx, *dbPath)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.SaveSnapshot(ctx, fs.Arg(0), kf1); err != nil {
			return err
		}
		if err := s.SaveSnapshot(ctx, fs.Arg(1), kf2); err != nil {
			return err
		}
		id, err := s.RecordFactorization(ctx, kf1.ID, kf2.ID, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "run: %s\n", id)
	}
	return nil
}

func writeSpectrum(kf1, kf2 *keyframe.Snapshot, title, path string) error {
	a, err := keyframe.Align(kf1, kf2)
	if err != nil {
		return err
	}
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.SpectrumChart(a, title, fh); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func handleStore(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("store needs save or runs: %w", errUsage)
	}
	fs := flag.NewFlagSet("store "+args[0], flag.ContinueOnError)
	dbPath := fs.String("db", "keyframes.db", "Store path")
	label := fs.String("label", "", "Label for a saved keyframe (defaults to the file name)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("store %s takes one argument: %w", args[0], errUsage)
	}

	switch args[0] {
	case "save":
		f, err := fixture.Load(fs.Arg(0))
		if err != nil {
			return err
		}
		kf, err := f.Snapshot()
		if err != nil {
			return err
		}
		if *label == "" {
			*label = fs.Arg(0)
		}
		s, err := store.Open(ctx, *dbPath)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.SaveSnapshot(ctx, *label, kf); err != nil {
			return err
		}
		fmt.Fprintln(out, kf.ID)
		return nil
	case "runs":
		id, err := uuid.Parse(fs.Arg(0))
		if err != nil {
			return fmt.Errorf("invalid keyframe id: %w", err)
		}
		s, err := store.Open(ctx, *dbPath)
		if err != nil {
			return err
		}
		defer s.Close()
		runs, err := s.Factorizations(ctx, id)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintf(out, "%s %s -> %s iterations=%d diag=%e final=%e converged=%t\n",
				r.ID, r.KF1, r.KF2, r.Iterations, r.DiagErr, r.FinalErr, r.Converged)
		}
		return nil
	default:
		return fmt.Errorf("unknown store command %q: %w", args[0], errUsage)
	}
}

func handleMigrate(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("migrate needs up, down or version: %w", errUsage)
	}
	fs := flag.NewFlagSet("migrate "+args[0], flag.ContinueOnError)
	dbPath := fs.String("db", "keyframes.db", "Store path")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	s, err := store.OpenNoMigrate(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	switch args[0] {
	case "up":
		if err := s.MigrateUp(); err != nil {
			return err
		}
	case "down":
		if err := s.MigrateDown(); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate command %q: %w", args[0], errUsage)
	}
	v, dirty, err := s.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version: %d (dirty: %t)\n", v, dirty)
	return nil
}
