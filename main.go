// mpkg is a source-based package manager: it parses build recipes,
// resolves their dependencies, and drives fetch, build, and install
// through a small installed-package database.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"mpkg/pkg/cli"
	"mpkg/pkg/config"
)

func main() {
	verbose := flag.Bool("verbose", false, "enable debug logging")
	configPath := flag.String("config", "", "path to config.toml (overrides "+config.EnvConfigPath+")")
	showVersion := flag.Bool("version", false, "print the build version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(config.GetBuildInfo())
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mpkg: %v\n", err)
		os.Exit(1)
	}

	err = cli.Execute(cfg, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "mpkg: %v\n", err)
	}
	os.Exit(cli.ExitCodeFor(err))
}
