package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alexschlessinger/toolbridge/internal/log"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:   "toolbridge",
		Usage:  "Expose local and remote tools to LLM providers",
		Flags:  defineFlags(),
		Before: before,
		Commands: []*cli.Command{
			serversCommand(),
			toolsCommand(),
			formatCommand(),
			callCommand(),
			handleCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defineFlags() []cli.Flag {
	return []cli.Flag{
		// Server configuration
		&cli.StringFlag{
			Name:  "config",
			Usage: "Server config file (JSON or YAML), optionally with #name to pick one server",
			Value: defaultConfigPath,
		},
		&cli.StringFlag{
			Name:  "cache",
			Usage: "Discovery cache file (empty disables the cache)",
			Value: defaultCachePath,
		},

		// Execution
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Per-attempt tool timeout",
			Value: defaultTimeout,
		},
		&cli.IntFlag{
			Name:  "parallel",
			Usage: "Maximum concurrent tool calls",
			Value: defaultMaxParallel,
		},
		&cli.IntFlag{
			Name:  "retries",
			Usage: "Maximum attempts for retryable failures",
			Value: 3,
		},

		// Local tools
		&cli.BoolFlag{
			Name:  "builtins",
			Usage: "Register the builtin tools (add, uppercase, wordcount, sleep)",
			Value: true,
		},
		&cli.StringSliceFlag{
			Name:    "shell-tool",
			Aliases: []string{"t"},
			Usage:   "Shell tool executable path (can be specified multiple times)",
		},

		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "Enable debug logging",
		},
	}
}

func before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	log.InitLogger(cmd.Bool("debug"))
	initColors()
	return ctx, nil
}

// withRuntime runs fn against a fully wired runtime and tears it down after
func withRuntime(ctx context.Context, cmd *cli.Command, fn func(context.Context, *runtime) error) error {
	ctx, cancel := setupSignalHandling(ctx)
	defer cancel()

	rt, err := setupRuntime(ctx, parseConfig(cmd))
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(ctx, rt)
}
