package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/matheus3301/wabridge/internal/config"
	"github.com/matheus3301/wabridge/internal/paths"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Inspect or create the daemon configuration",
	Subcommands: []*cli.Command{
		{
			Name:  "init",
			Usage: "Write the default config.toml into the data directory",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
			},
			Action: cmdConfigInit,
		},
		{
			Name:   "show",
			Usage:  "Print the effective configuration",
			Action: cmdConfigShow,
		},
	},
}

func cmdConfigInit(ctx *cli.Context) error {
	dataDir := ctx.String("data-dir")
	path := paths.ConfigPath(dataDir)
	if _, err := os.Stat(path); err == nil && !ctx.Bool("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}

func cmdConfigShow(ctx *cli.Context) error {
	return toml.NewEncoder(os.Stdout).Encode(getConfig(ctx))
}
