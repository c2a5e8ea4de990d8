package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"kintampo/internal/client"
	"kintampo/internal/config"
	"kintampo/internal/logging"
	"kintampo/internal/version"
)

const (
	programName    = "kintampo-client"
	programSummary = "Subscribes to every directory of a kintampo server and prints change events."
)

type clientFlags struct {
	topologyOnly bool
	exec         string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var extra clientFlags
	cfg, err := config.Load(args, config.LoadOptions{
		Program: programName,
		Summary: programSummary,
		Usage:   stdout,
		Register: func(fs *flag.FlagSet) {
			fs.BoolVar(&extra.topologyOnly, "topology", false, "Print the directory snapshot and exit")
			fs.StringVar(&extra.exec, "exec", "", "Command run with the path of each new file")
		},
	})
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Fprintln(stdout, version.GetVersionInfo().Line(programName))
		return 0
	}

	logger := logging.NewLoggerWithOutput(nil, cfg.LogLevel, stderr)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := client.New(client.Options{
		Host:          cfg.Host,
		PublicPort:    cfg.PublicPort(),
		DiscoveryPort: cfg.DiscoveryPort(),
		IncludeWrites: cfg.IncludeWrites,
		Logger:        logger,
	})
	defer c.Close()

	if extra.topologyOnly {
		return printTopology(ctx, c, stdout, logger)
	}

	handler := printEvents(stdout)
	if command := strings.Fields(extra.exec); len(command) > 0 {
		handler = chain(handler, execOnCreate(ctx, command, stdout, stderr, logger))
	}
	if err := c.Run(ctx, handler); err != nil {
		logger.Error("client stopped", map[string]string{"error": err.Error()})
		return 1
	}
	return 0
}

func printTopology(ctx context.Context, c *client.Client, stdout io.Writer, logger *logging.Logger) int {
	snapshot, err := c.Discover(ctx)
	if err != nil {
		logger.Error("topology request failed", map[string]string{"error": err.Error()})
		return 1
	}
	for _, dir := range snapshot {
		fmt.Fprintln(stdout, dir)
	}
	return 0
}

func printEvents(stdout io.Writer) func(client.Event) {
	return func(e client.Event) {
		fmt.Fprintln(stdout, e.String())
	}
}

func chain(handlers ...func(client.Event)) func(client.Event) {
	return func(e client.Event) {
		for _, handler := range handlers {
			handler(e)
		}
	}
}
