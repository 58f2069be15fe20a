// Package main provides apivpnctl, the command line client of apivpnd.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/apivpn/apivpn-core/internal/control/server"
	"github.com/apivpn/apivpn-core/internal/keyring"
	"github.com/apivpn/apivpn-core/internal/logging"
)

var (
	version = "dev"
)

const (
	defaultDataDir = "/var/lib/apivpn"
	defaultTunName = "apivpn0"
)

func main() {
	app := newApp(os.Stdout, keyring.NewSystemKeyring(), openTUN)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "apivpnctl: %v\n", err)
		os.Exit(1)
	}
}

// tunOpener creates a TUN device and returns it with its descriptor.
type tunOpener func(name string) (io.Closer, int, error)

func newApp(out io.Writer, tokens keyring.TokenStore, openTun tunOpener) *cli.App {
	return &cli.App{
		Name:    "apivpnctl",
		Usage:   "control the apivpnd tunnel daemon",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "socket",
				Value:   server.DefaultSocketPath,
				Usage:   "path to the apivpnd control socket",
				EnvVars: []string{"APIVPN_SOCKET"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 90 * time.Second,
				Usage: "how long to wait for apivpnd to answer",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			level := logging.LevelFromEnv()
			if c.Bool("debug") {
				level = logging.LevelDebug
			}
			logging.Setup(level)
			return nil
		},
		Commands: []*cli.Command{
			initCommand(tokens),
			forgetCommand(tokens),
			serversCommand(),
			statsCommand(),
			logPathCommand(),
			startCommand(openTun),
			stopCommand(),
			statusCommand(),
			relayCommand(),
			eventsCommand(),
		},
	}
}
