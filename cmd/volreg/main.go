package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"volreg/internal/errdefs"
	"volreg/internal/logging"
	"volreg/pkg/config"
	"volreg/pkg/estimator"
	"volreg/pkg/registration"
)

const usage = `Usage: volreg [flags] moving fixed

Aligns the moving image to the fixed image. Without -r or -a a deformable
transform is estimated.

Flags:
`

// Exit codes.
const (
	exitOK     = 0
	exitFail   = 1
	exitConfig = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("volreg", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	params := &registration.Params{}
	fs.BoolVar(&params.Rigid, "r", false, "Estimate a rigid transform")
	fs.BoolVar(&params.Affine, "a", false, "Estimate an affine transform")
	fs.StringVar(&params.InitPath, "i", "", "Initialize with a 4x4 world-space matrix file (fixed to moving)")
	fs.StringVar(&params.MovedPath, "o", "", "Write the moved image to this path")
	fs.StringVar(&params.TransformPath, "t", "", "Write the transform to this path")
	fs.BoolVar(&params.HeaderOnly, "H", false, "Apply a linear transform by updating the moved image header only")
	fs.StringVar(&params.QCDir, "qc", "", "Write quality-control snapshots into this directory")
	fs.StringVar(&params.IntermediaryDir, "intermediary-dir", "", "Write the network-space inputs into this directory")
	gpu := fs.Bool("g", false, "Use a hardware accelerator if the estimator supports one")
	threads := fs.Int("j", -1, "Number of threads (default from config: all CPUs)")
	weights := fs.String("w", "", "Alternative estimator weights file")
	configPath := fs.String("config", "", "Load configuration from a YAML file")
	writeConfig := fs.String("write-config", "", "Write the default configuration to a YAML file and exit")
	space := fs.String("space", "", "Space of the saved transform: world or voxel")
	verbose := fs.Bool("v", false, "Verbose logging")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	// Flag conflicts are reported before any file is touched.
	if err := params.CheckModes(); err != nil {
		return report(stderr, err)
	}

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFail
		}
		fmt.Fprintf(stdout, "Default configuration written to %s\n", *writeConfig)
		return exitOK
	}

	if fs.NArg() != 2 {
		fs.Usage()
		return report(stderr, fmt.Errorf("expected moving and fixed images, got %d arguments: %w", fs.NArg(), errdefs.ErrConfig))
	}
	params.MovingPath, params.FixedPath = fs.Arg(0), fs.Arg(1)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return report(stderr, err)
		}
	}
	if *threads >= 0 {
		cfg.Runtime.Threads = *threads
	}
	if *gpu {
		cfg.Runtime.GPU = true
	}
	if *weights != "" {
		cfg.Estimator.Weights = *weights
	}
	if *space != "" {
		cfg.Output.TransformSpace = *space
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	params.Config = cfg
	if err := params.Validate(); err != nil {
		return report(stderr, err)
	}

	closer, err := logging.Setup(logging.Config{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		MaxSize: cfg.Log.MaxSize,
		MaxAge:  cfg.Log.MaxAge,
	})
	if err != nil {
		return report(stderr, err)
	}
	defer closer.Close()

	est, err := estimator.Load(params.Mode(), cfg.Estimator, cfg.Runtime.Threads)
	if err != nil {
		return report(stderr, err)
	}
	if cfg.Runtime.GPU {
		log.Warn("Built-in estimators run on the CPU; ignoring GPU request")
	}

	log.WithFields(log.Fields{
		"moving":  params.MovingPath,
		"fixed":   params.FixedPath,
		"mode":    params.Mode(),
		"threads": cfg.Runtime.Threads,
	}).Info("Starting registration")
	startTime := time.Now()

	registrar := registration.NewRegistrar(params, est)
	if err := registrar.Process(ctx); err != nil {
		return report(stderr, fmt.Errorf("registration failed: %w", err))
	}

	fmt.Fprintf(stdout, "Registration completed in %.2f seconds\n", time.Since(startTime).Seconds())
	if params.TransformPath != "" {
		fmt.Fprintf(stdout, "Transform saved to: %s\n", params.TransformPath)
	}
	if params.MovedPath != "" {
		fmt.Fprintf(stdout, "Moved image saved to: %s\n", params.MovedPath)
	}
	if m := registrar.GetMetrics(); m != nil {
		fmt.Fprintf(stdout, "Similarity: %s\n", m)
	}
	return exitOK
}

// report prints err and maps its category to an exit code.
func report(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if errors.Is(err, errdefs.ErrConfig) {
		return exitConfig
	}
	return exitFail
}
