// Command meshd runs one node of the mesh: it loads a YAML configuration,
// assembles the daemon via internal/node, and serves until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arkmesh/meshd/internal/logging"
	"github.com/arkmesh/meshd/internal/node"
	"github.com/arkmesh/meshd/pkg/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the node's YAML configuration file",
		Value:   config.DefaultConfigPath,
	}
	forceTimestampsFlag = &cli.BoolFlag{
		Name:  "force-timestamp-logs",
		Usage: "always emit ISO8601 timestamps in log lines, even when stdout isn't a terminal",
	}
)

func main() {
	app := &cli.App{
		Name:  "meshd",
		Usage: "run a mesh node hosting on-demand services over authenticated circuits",
		Flags: []cli.Flag{configFlag, forceTimestampsFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	configPath := ctx.String("config")
	cfg, err := config.LoadFile(configPath, dirOf(configPath))
	if err != nil {
		return cli.Exit(err, 1)
	}

	log, logLevel, err := logging.Build(cfg.Logger, ctx.Bool("force-timestamp-logs"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer func() { _ = log.Sync() }()

	grace, cancel := context.WithCancel(newGraceContext())
	defer cancel()

	n, err := node.New(cfg, log)
	if err != nil {
		return cli.Exit(fmt.Errorf("meshd: assembling node: %w", err), 1)
	}
	if err := n.Run(grace); err != nil {
		return cli.Exit(fmt.Errorf("meshd: starting node: %w", err), 1)
	}
	defer n.Shutdown()

	log.Info("node started", zap.String("node_id", cfg.NetworkConfiguration.NodeID))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sighup)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-grace.Done():
			log.Info("shutting down")
			return nil
		case sig := <-sigCh:
			log.Info("signal received", zap.Stringer("name", sig))
			handleSighup(log, logLevel, configPath)
		}
	}
}

// handleSighup re-reads the on-disk config and, if its Logger.Level
// differs from the running level, applies the new level without
// restarting the daemon. Every other field is immutable once loaded.
func handleSighup(log *zap.Logger, logLevel *zap.AtomicLevel, configPath string) {
	cfg, err := config.LoadFile(configPath, dirOf(configPath))
	if err != nil {
		log.Warn("can't reread config file, signal ignored", zap.Error(err))
		return
	}
	if cfg.Logger.Level == "" {
		return
	}
	newLevel, err := zapcore.ParseLevel(cfg.Logger.Level)
	if err != nil {
		log.Warn("invalid Logger.Level in reread config, signal ignored", zap.Error(err))
		return
	}
	if newLevel != logLevel.Level() {
		logLevel.SetLevel(newLevel)
		log.Warn("applied new log level", zap.Stringer("level", newLevel))
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func newGraceContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	signal.Notify(stop, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}
