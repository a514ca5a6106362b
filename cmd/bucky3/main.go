package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bucky3/bucky3/agent"
	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/logger"
	_ "github.com/bucky3/bucky3/plugins/inputs/all"
	_ "github.com/bucky3/bucky3/plugins/outputs/all"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [config_file]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.Defaults().LogLevel); err != nil {
		return err
	}
	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	// Live reload is deliberately not supported, restart the process
	// instead.
	signal.Ignore(syscall.SIGHUP)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}
