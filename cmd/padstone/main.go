package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
)

const (
	appName   = "padstone"
	envPrefix = "PADSTONE_"
)

var app = &cli.App{
	Name:        appName,
	Usage:       "a tool for managing continuous verification accounts",
	Description: "padstone deploys the CloudFormation stacks of the build tools and proof accounts and promotes snapshots between them",
	Commands: []*cli.Command{
		DeployToolsCommand,
		DeployProofCommand,
		SnapshotCommand,
		PromoteCommand,
		StatusCommand,
	},
	Flags: commonFlags,
}

func main() {
	ctx := context.Background()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func setupLogging() {
	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelWarn)
	if commonOpts.verbose {
		logLevel.Set(slog.LevelInfo)
	}
	if commonOpts.veryverbose {
		logLevel.Set(slog.LevelDebug)
	}

	slog.SetDefault(slog.New(slog.HandlerOptions{Level: logLevel}.NewTextHandler(os.Stdout)))

	if commonOpts.nocolor {
		color.NoColor = true
	}
}

var commonOpts struct {
	verbose     bool
	veryverbose bool
	nocolor     bool
}

var commonFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:        "verbose",
		Aliases:     []string{"v"},
		Usage:       "Set logging level more verbose to include info level logs",
		Value:       true,
		Destination: &commonOpts.verbose,
		EnvVars:     []string{envPrefix + "VERBOSE"},
	},
	&cli.BoolFlag{
		Name:        "veryverbose",
		Aliases:     []string{"vv"},
		Usage:       "Set logging level very verbose to include debug level logs",
		Value:       false,
		Destination: &commonOpts.veryverbose,
		EnvVars:     []string{envPrefix + "VERY_VERBOSE"},
	},
	&cli.BoolFlag{
		Name:        "nocolor",
		Usage:       "Use plain, machine readable output",
		Value:       false,
		Destination: &commonOpts.nocolor,
		EnvVars:     []string{envPrefix + "NOCOLOR"},
	},
}

func flags(fs []cli.Flag) []cli.Flag {
	fs = append(fs, commonFlags...)
	return fs
}
