package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/apivpn/apivpn-core/internal/config"
	"github.com/apivpn/apivpn-core/internal/control/client"
	"github.com/apivpn/apivpn-core/internal/control/protocol"
	"github.com/apivpn/apivpn-core/internal/keyring"
	"github.com/apivpn/apivpn-core/internal/model"
	"github.com/apivpn/apivpn-core/internal/stats"
)

// withClient dials apivpnd and runs fn with a context bounded by --timeout.
func withClient(c *cli.Context, fn func(ctx context.Context, cl *client.Client) error) error {
	cl, err := client.DialPath(c.String("socket"))
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	return fn(ctx, cl)
}

func apiServerFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "api-server",
		Value:   config.DefaultAPIServer,
		Usage:   "control-plane base URL",
		EnvVars: []string{"APIVPN_API_SERVER"},
	}
}

func initCommand(tokens keyring.TokenStore) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "authenticate the daemon's session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "token",
				Usage:   "application token; read from the keyring when omitted",
				EnvVars: []string{"APIVPN_APP_TOKEN"},
			},
			apiServerFlag(),
			&cli.StringFlag{
				Name:    "data-dir",
				Value:   defaultDataDir,
				Usage:   "daemon-side directory for configuration, metadata and logs",
				EnvVars: []string{"APIVPN_DATA_DIR"},
			},
			&cli.BoolFlag{
				Name:  "remember",
				Usage: "store the token in the system keyring",
			},
		},
		Action: func(c *cli.Context) error {
			apiServer := config.Credentials{APIServer: c.String("api-server")}.Normalize().APIServer

			token := c.String("token")
			if token == "" {
				stored, err := tokens.Get(apiServer)
				if err != nil {
					if errors.Is(err, keyring.ErrTokenNotFound) {
						return fmt.Errorf("no token given and none stored for %s", apiServer)
					}
					return err
				}
				token = stored
			}

			err := withClient(c, func(ctx context.Context, cl *client.Client) error {
				return cl.Initialize(ctx, protocol.InitializeParams{
					AppToken:  token,
					APIServer: apiServer,
					DataDir:   c.String("data-dir"),
				})
			})
			if err != nil {
				return err
			}

			if c.Bool("remember") && c.String("token") != "" {
				if err := tokens.Save(apiServer, token); err != nil {
					return err
				}
			}
			_, _ = fmt.Fprintln(c.App.Writer, "Initialized")
			return nil
		},
	}
}

func forgetCommand(tokens keyring.TokenStore) *cli.Command {
	return &cli.Command{
		Name:  "forget",
		Usage: "remove the stored token from the system keyring",
		Flags: []cli.Flag{apiServerFlag()},
		Action: func(c *cli.Context) error {
			apiServer := config.Credentials{APIServer: c.String("api-server")}.Normalize().APIServer
			return tokens.Delete(apiServer)
		},
	}
}

func serversCommand() *cli.Command {
	return &cli.Command{
		Name:  "servers",
		Usage: "list available servers",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "ping", Usage: "measure the round trip to each server"},
		},
		Action: func(c *cli.Context) error {
			return withClient(c, func(ctx context.Context, cl *client.Client) error {
				servers, err := cl.Servers(ctx, c.Bool("ping"))
				if err != nil {
					return err
				}
				return printServers(c.App.Writer, servers)
			})
		},
	}
}

func printServers(out io.Writer, servers []model.Server) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tCOUNTRY\tLOCATION\tPING\tPREMIUM")
	for _, s := range servers {
		ping := "-"
		if s.Ping != nil {
			ping = fmt.Sprintf("%d ms", *s.Ping)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\n",
			s.ID, s.Name, s.Country.Code, s.Location, ping, s.Premium)
	}
	return w.Flush()
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "show traffic statistics",
		Action: func(c *cli.Context) error {
			return withClient(c, func(ctx context.Context, cl *client.Client) error {
				s, err := cl.Statistics(ctx)
				if err != nil {
					return err
				}
				printStatistics(c.App.Writer, s)
				return nil
			})
		},
	}
}

func printStatistics(out io.Writer, s model.GlobalStatistics) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "\tRECEIVED\tSENT\tDOWN\tUP")
	_, _ = fmt.Fprintf(w, "proxy\t%s\t%s\t%s\t%s\n",
		stats.FormatBytes(s.TotalProxyBytesRecvd), stats.FormatBytes(s.TotalProxyBytesSent),
		stats.FormatRate(s.ProxyBytesRecvdPerSecond), stats.FormatRate(s.ProxyBytesSentPerSecond))
	_, _ = fmt.Fprintf(w, "direct\t%s\t%s\t%s\t%s\n",
		stats.FormatBytes(s.TotalNonProxyBytesRecvd), stats.FormatBytes(s.TotalNonProxyBytesSent),
		stats.FormatRate(s.NonProxyBytesRecvdPerSecond), stats.FormatRate(s.NonProxyBytesSentPerSecond))
	_ = w.Flush()
}

func logPathCommand() *cli.Command {
	return &cli.Command{
		Name:  "log-path",
		Usage: "print the path of the newest connection log",
		Action: func(c *cli.Context) error {
			return withClient(c, func(ctx context.Context, cl *client.Client) error {
				path, err := cl.LogPath(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(c.App.Writer, path)
				return nil
			})
		},
	}
}

func startCommand(openTun tunOpener) *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "create a TUN device and start the tunnel on it",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "server", Usage: "server id from 'apivpnctl servers'", Required: true},
			&cli.StringFlag{Name: "tun", Value: defaultTunName, Usage: "TUN device name"},
			&cli.StringFlag{Name: "alt-rules", Usage: "routing rules that take precedence over the server's"},
			&cli.PathFlag{Name: "alt-rules-file", Usage: "read alt rules from a file"},
		},
		Action: func(c *cli.Context) error {
			altRules := c.String("alt-rules")
			if path := c.Path("alt-rules-file"); path != "" {
				data, err := os.ReadFile(path) // #nosec G304 -- path supplied by the operator
				if err != nil {
					return fmt.Errorf("failed to read alt rules: %w", err)
				}
				altRules = string(data)
			}

			dev, fd, err := openTun(c.String("tun"))
			if err != nil {
				return fmt.Errorf("failed to create tun device: %w", err)
			}
			// apivpnd holds its own copy of the descriptor while connected.
			defer func() { _ = dev.Close() }()

			err = withClient(c, func(ctx context.Context, cl *client.Client) error {
				return cl.Start(ctx, protocol.StartParams{
					ServerID: int32(c.Int("server")), // #nosec G115 -- server ids are int32
					AltRules: altRules,
				}, fd)
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.App.Writer, "Connected on %s\n", c.String("tun"))
			return nil
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "stop the tunnel",
		Action: func(c *cli.Context) error {
			return withClient(c, func(ctx context.Context, cl *client.Client) error {
				return cl.Stop(ctx)
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the session state",
		Action: func(c *cli.Context) error {
			return withClient(c, func(ctx context.Context, cl *client.Client) error {
				status, err := cl.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(c.App.Writer, status)
				return nil
			})
		},
	}
}

func printStatus(out io.Writer, status protocol.StatusResult) {
	_, _ = fmt.Fprintf(out, "State: %s\n", status.State)
	if status.ConnectedSince != 0 {
		up := time.Since(time.Unix(status.ConnectedSince, 0))
		_, _ = fmt.Fprintf(out, "Connected for %s\n", stats.FormatDuration(up))
	}
	if status.RelayPort != 0 {
		_, _ = fmt.Fprintf(out, "Relay port: %d\n", status.RelayPort)
	}
	if e := status.LastError; e != nil {
		_, _ = fmt.Fprintf(out, "Last error: %s (%d): %s\n", e.Code, e.ErrorCode, e.Message)
	}
}

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "manage the lightweight SOCKS5 relay",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start the relay and print its port",
				Action: func(c *cli.Context) error {
					return withClient(c, func(ctx context.Context, cl *client.Client) error {
						port, err := cl.RelayStart(ctx)
						if err != nil {
							return err
						}
						_, _ = fmt.Fprintln(c.App.Writer, port)
						return nil
					})
				},
			},
			{
				Name:  "stop",
				Usage: "stop the relay",
				Action: func(c *cli.Context) error {
					return withClient(c, func(ctx context.Context, cl *client.Client) error {
						return cl.RelayStop(ctx)
					})
				},
			},
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "print state changes and errors until interrupted",
		Action: func(c *cli.Context) error {
			cl, err := client.DialPath(c.String("socket"))
			if err != nil {
				return err
			}
			defer func() { _ = cl.Close() }()

			out := c.App.Writer
			cl.OnStateChange(func(from, to string) {
				_, _ = fmt.Fprintf(out, "state %s -> %s\n", from, to)
			})
			cl.OnError(func(info protocol.ErrorData) {
				_, _ = fmt.Fprintf(out, "error %s (%d): %s\n", info.Code, info.ErrorCode, info.Message)
			})

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Register with the daemon; events are only sent to known clients.
			if _, err := cl.Status(ctx); err != nil {
				return err
			}
			slog.Debug("Watching apivpnd events", "socket", c.String("socket"))
			<-ctx.Done()
			return nil
		},
	}
}
