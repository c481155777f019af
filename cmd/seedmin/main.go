package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	internal "github.com/fuzzbed/seedmin/seedmin"
	"github.com/fuzzbed/seedmin/seedmin/config"
	"github.com/fuzzbed/seedmin/seedmin/runner"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s -i corpus_dir -o output_dir [options] -- /path/to/target [args with @@]\n\n",
		internal.DefaultAppName)
	flag.PrintDefaults()
}

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (yaml)")
		inputDir   = flag.String("i", "", "corpus directory with input files")
		outputDir  = flag.String("o", "", "output directory for the minimized corpus")
		tracerPath = flag.String("tracer", "", "coverage tracer binary (default from config)")
		timeoutMs  = flag.Int("t", 0, "per-execution timeout in ms (0 = config default)")
		memLimitMB = flag.Int("m", 0, "target memory limit in MB (0 = config default)")
		edgeOnly   = flag.Bool("e", false, "edge coverage only, ignore hit counts")
		workers    = flag.Int("w", 0, "parallel tracer invocations (0 = config default)")
		useCache   = flag.Bool("cache", false, "reuse traces for unchanged inputs")
	)
	flag.Usage = usage
	flag.Parse()

	logger := internal.GetLogger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Flags override the config file.
	if *inputDir != "" {
		cfg.Corpus.InputDir = *inputDir
	}
	if *outputDir != "" {
		cfg.Corpus.OutputDir = *outputDir
	}
	if *tracerPath != "" {
		cfg.Tracer.Path = *tracerPath
	}
	if *timeoutMs > 0 {
		cfg.Tracer.TimeoutMs = *timeoutMs
	}
	if *memLimitMB > 0 {
		cfg.Tracer.MemoryLimitMB = *memLimitMB
	}
	if *edgeOnly {
		cfg.Tracer.EdgeOnly = true
	}
	if *workers > 0 {
		cfg.Tracer.Workers = *workers
	}
	if *useCache {
		cfg.Cache.Enabled = true
	}
	if args := flag.Args(); len(args) > 0 {
		cfg.Tracer.Target = args
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, summary, err := runner.New(cfg).Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("minimization failed")
	}

	fmt.Println(summary.String())
}
