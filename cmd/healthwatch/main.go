package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"healthwatch/internal/app"
	"healthwatch/internal/clock"
	"healthwatch/internal/config"
)

// main parses flags and hands control to run.
// Params: CLI flags (--config-file or --config-dir).
// Returns: process exit code by startup/run result.
func main() {
	if err := run(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "healthwatch:", err.Error())
		os.Exit(1)
	}
}

// run resolves the config source and drives the service to completion.
// Params: raw CLI arguments without the program name.
// Returns: startup or runtime error.
func run(args []string) error {
	flags := flag.NewFlagSet("healthwatch", flag.ExitOnError)
	configFile := flags.String("config-file", "", "single TOML configuration file")
	configDir := flags.String("config-dir", "", "directory of *.toml fragments, merged in name order")
	if err := flags.Parse(args); err != nil {
		return err
	}

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		return err
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := service.Run(context.Background()); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
