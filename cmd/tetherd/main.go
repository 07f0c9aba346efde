// tetherd is the tethering coordinator daemon.
//
// It watches the host's networks, picks an upstream to share and
// advertises IPv6 to the downstream interfaces it serves.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/tetherd/pkg/config"
	"github.com/psaab/tetherd/pkg/daemon"
	"github.com/psaab/tetherd/pkg/logging"
)

func main() {
	if len(os.Args) > 2 && os.Args[1] == "check" {
		if _, err := config.Load(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "tetherd: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration check succeeds")
		return
	}

	configFile := flag.String("config", config.DefaultPath, "configuration file path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	h := logging.NewSyslogSlogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(slog.New(h))

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		LogHandler: h,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "tetherd: %v\n", err)
		os.Exit(1)
	}
}
