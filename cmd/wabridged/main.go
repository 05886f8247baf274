package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/matheus3301/wabridge/internal/daemon"
	"github.com/matheus3301/wabridge/internal/paths"
)

func main() {
	dataDir := flag.String("data-dir", paths.BaseDir(), "data directory (config, databases, logs)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	quiet := flag.Bool("quiet", false, "log to the log file only")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			DataDir: *dataDir,
			Listen:  *listen,
			Console: !*quiet,
		}),
	)

	app.Run()
}
