package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orizon-lang/heapguard/internal/cli"
)

const tool = "heapguard"

var commands = []cli.CommandInfo{
	{
		Name:        "serve",
		Usage:       "heapguard serve [-config heapguard.yaml]",
		Description: "Run periodic trims, the control directory and the debug server",
		Examples:    []string{"heapguard serve -config /etc/heapguard.yaml"},
	},
	{
		Name:        "stress",
		Usage:       "heapguard stress [-n 100000] [-window 256] [-seed 0] [-config heapguard.yaml]",
		Description: "Run a synthetic allocation workload and print the reports",
		Examples:    []string{"heapguard stress -n 1000000 -window 1024"},
	},
	{
		Name:        "version",
		Usage:       "heapguard version [-json]",
		Description: "Show version information",
	},
}

func main() {
	if len(os.Args) < 2 {
		cli.PrintUsage(os.Stderr, tool, commands)
		os.Exit(2)
	}

	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		runServe(args)
	case "stress":
		runStress(args)
	case "version":
		runVersion(args)
	case "-h", "-help", "--help", "help":
		cli.PrintUsage(os.Stdout, tool, commands)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		cli.PrintUsage(os.Stderr, tool, commands)
		os.Exit(2)
	}
}

func flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		for _, c := range commands {
			if c.Name == name {
				cli.PrintCommandUsage(fs.Output(), tool, c)
			}
		}
		fs.PrintDefaults()
	}
	return fs
}

func runServe(args []string) {
	fs := flags("serve")
	configPath := fs.String("config", "heapguard.yaml", "configuration file")
	_ = fs.Parse(args)

	env, err := cli.Bootstrap(*configPath)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	defer func() { _ = env.Logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env.Logger.Info("serving",
		zap.String("heap", env.Config.Heap),
		zap.Bool("tracking", env.Alloc.Tracking()),
		zap.Bool("overflow_check", env.Alloc.OverflowChecking()))
	if err := env.Serve(ctx); err != nil {
		env.Logger.Error("serve failed", zap.Error(err))
		os.Exit(1)
	}
}

func runStress(args []string) {
	fs := flags("stress")
	configPath := fs.String("config", "heapguard.yaml", "configuration file")
	n := fs.Int("n", 100000, "number of operations")
	window := fs.Int("window", 256, "maximum live blocks")
	seed := fs.Int64("seed", 0, "random seed (0=time)")
	_ = fs.Parse(args)

	if *n < 0 || *window < 1 {
		cli.ExitWithError("-n must be >= 0 and -window >= 1")
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	env, err := cli.Bootstrap(*configPath)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	defer func() { _ = env.Logger.Sync() }()

	res := env.Stress(*n, *window, *seed)
	if err := env.WriteStressReport(os.Stdout, res); err != nil {
		cli.ExitWithError("%v", err)
	}
}

func runVersion(args []string) {
	fs := flags("version")
	jsonOutput := fs.Bool("json", false, "output version in JSON format")
	_ = fs.Parse(args)

	if err := cli.PrintVersion(os.Stdout, tool, *jsonOutput); err != nil {
		cli.ExitWithError("%v", err)
	}
}
