package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/matheus3301/wabridge/internal/config"
	"github.com/matheus3301/wabridge/internal/paths"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyClient
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getClient(ctx *cli.Context) *apiClient {
	return ctx.Context.Value(contextKeyClient).(*apiClient)
}

// prepareApp resolves the daemon config the same way the daemon does so
// the default address and socket match.
func prepareApp(ctx *cli.Context) error {
	cfg, err := config.Resolve(ctx.String("data-dir"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	addr := ctx.String("addr")
	if addr == "" {
		addr = baseURL(cfg.Listen)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyClient, newAPIClient(addr, ctx.Duration("timeout")))
	ctx.Context = newCtx
	return nil
}

// baseURL turns a listen address into a URL reachable from this host.
func baseURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

func main() {
	app := &cli.App{
		Name:  "wabridgectl",
		Usage: "Control a running wabridged",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Daemon data directory",
				Value:   paths.BaseDir(),
				EnvVars: []string{paths.EnvDataDir},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Daemon base URL (default: derived from the config listen address)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: defaultTimeout,
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			initCommand,
			statusCommand,
			disconnectCommand,
			sendCommand,
			chatsCommand,
			messagesCommand,
			healthCommand,
			configCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
