// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/netbroker/lib/config"
	"github.com/bureau-foundation/netbroker/lib/logging"
	"github.com/bureau-foundation/netbroker/lib/metrics"
	"github.com/bureau-foundation/netbroker/lib/process"
	"github.com/bureau-foundation/netbroker/lib/service"
	"github.com/bureau-foundation/netbroker/lib/version"
	"github.com/bureau-foundation/netbroker/socketd"
	"github.com/bureau-foundation/netbroker/tproxy"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

// protocols selects which front-ends run.
type protocols struct {
	stream   bool
	datagram bool
}

// parseProtocol maps the protocol argument to the front-ends it enables.
func parseProtocol(name string) (protocols, error) {
	switch name {
	case "tcp":
		return protocols{stream: true}, nil
	case "udp":
		return protocols{datagram: true}, nil
	case "all":
		return protocols{stream: true, datagram: true}, nil
	default:
		return protocols{}, process.Usagef("protocol must be tcp, udp, or all, not %q", name)
	}
}

// withPort replaces the port of the listen address.
func withPort(listen string, port uint16) (string, error) {
	endpoint, err := netip.ParseAddrPort(listen)
	if err != nil {
		return "", err
	}
	return netip.AddrPortFrom(endpoint.Addr(), port).String(), nil
}

func parsePort(value string) (uint16, error) {
	port, err := strconv.ParseUint(value, 10, 16)
	if err != nil || port == 0 {
		return 0, process.Usagef("invalid port %q", value)
	}
	return uint16(port), nil
}

func run() error {
	var (
		configPath    string
		name          string
		socketPath    string
		destination   string
		capacity      int
		noTransparent bool
		metricsListen string
		statusSocket  string
		logLevel      string
		verbose       bool
		showVersion   bool
	)

	flagSet := pflag.NewFlagSet("netbroker-proxy", pflag.ContinueOnError)
	flagSet.StringVarP(&name, "name", "n", os.Getenv("USERNS_NAME"), "sandbox name used to locate the broker socket (default: $USERNS_NAME)")
	flagSet.StringVar(&socketPath, "socket", "", "broker socket path instead of the derived one")
	flagSet.StringVar(&configPath, "config", "", "configuration file, YAML or JSONC (default: $NETBROKER_CONFIG)")
	flagSet.StringVar(&destination, "destination", "", "relay everything to this IPv4 address:port instead of the original destination")
	flagSet.IntVar(&capacity, "capacity", 0, "datagram session table size (default 8)")
	flagSet.BoolVar(&noTransparent, "no-transparent", false, "do not set IP_TRANSPARENT on the datagram listener")
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this TCP address")
	flagSet.StringVar(&statusSocket, "status-socket", "", "answer status queries on this Unix socket")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every connection and session")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return process.Usagef("%v", err)
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		version.Print("netbroker-proxy")
		return nil
	}

	args := flagSet.Args()
	if len(args) < 1 || len(args) > 2 {
		return process.Usagef("usage: netbroker-proxy [flags] tcp|udp|all [PORT]")
	}
	enabled, err := parseProtocol(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("name") || cfg.Socketd.Name == "" {
		cfg.Socketd.Name = name
	}
	if socketPath != "" {
		cfg.Socketd.SocketPath = socketPath
	}
	if len(args) == 2 {
		port, err := parsePort(args[1])
		if err != nil {
			return err
		}
		if cfg.Stream.Listen, err = withPort(cfg.Stream.Listen, port); err != nil {
			return fmt.Errorf("stream.listen: %w", err)
		}
		if cfg.Datagram.Listen, err = withPort(cfg.Datagram.Listen, port); err != nil {
			return fmt.Errorf("datagram.listen: %w", err)
		}
	}
	if destination != "" {
		cfg.Stream.DestinationOverride = destination
		cfg.Datagram.DestinationOverride = destination
	}
	if capacity != 0 {
		cfg.Datagram.Capacity = capacity
	}
	if noTransparent {
		cfg.Datagram.Transparent = false
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if statusSocket != "" {
		cfg.StatusSocket = statusSocket
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, level).With("component", "proxy")
	slog.SetDefault(logger)

	brokerPath, err := cfg.BrokerSocketPath()
	if err != nil {
		return process.Usagef("%v", err)
	}
	broker, err := socketd.Dial(brokerPath)
	if err != nil {
		return err
	}
	defer broker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, enabled, broker, logger)
}

// serve runs the enabled front-ends plus the optional metrics and status
// endpoints until ctx is cancelled or one of them fails.
func serve(ctx context.Context, cfg *config.Config, enabled protocols, broker tproxy.SocketSource, logger *slog.Logger) error {
	streamOverride, err := config.ParseOverride(cfg.Stream.DestinationOverride)
	if err != nil {
		return fmt.Errorf("stream destination override: %w", err)
	}
	datagramOverride, err := config.ParseOverride(cfg.Datagram.DestinationOverride)
	if err != nil {
		return fmt.Errorf("datagram destination override: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	var running proxies

	if enabled.stream {
		running.stream = &tproxy.StreamProxy{
			ListenAddr:          cfg.Stream.Listen,
			Sockets:             broker,
			DestinationOverride: streamOverride,
			Logger:              logger.With("proxy", "stream"),
		}
		if err := running.stream.Start(groupCtx); err != nil {
			return err
		}
		group.Go(func() error {
			running.stream.Wait()
			return nil
		})
	}

	if enabled.datagram {
		running.datagram = &tproxy.DatagramProxy{
			ListenAddr:          cfg.Datagram.Listen,
			Sockets:             broker,
			Capacity:            cfg.Datagram.Capacity,
			Transparent:         cfg.Datagram.Transparent,
			DestinationOverride: datagramOverride,
			Logger:              logger.With("proxy", "datagram"),
		}
		if err := running.datagram.Start(groupCtx); err != nil {
			if running.stream != nil {
				running.stream.Stop()
			}
			return err
		}
		group.Go(func() error {
			running.datagram.Wait()
			return nil
		})
	}

	if cfg.MetricsListen != "" {
		group.Go(func() error {
			return metrics.Serve(groupCtx, cfg.MetricsListen, logger)
		})
	}

	if cfg.StatusSocket != "" {
		server := service.NewServer(cfg.StatusSocket, logger.With("component", "status"))
		server.Handle("status", running.statusAction)
		group.Go(func() error {
			return server.Serve(groupCtx)
		})
	}

	return group.Wait()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `netbroker-proxy - transparent proxy through the socket broker

USAGE
    netbroker-proxy [flags] tcp|udp|all [PORT]

PORT defaults to %d.

FLAGS
%s
EXAMPLES
    # Stream proxy behind: iptables -t nat -A OUTPUT -p tcp -j REDIRECT --to-ports 3128
    netbroker-proxy --name sandbox tcp 3128

    # Both proxies, with metrics and a status socket
    netbroker-proxy --metrics-listen 127.0.0.1:9464 --status-socket /run/netbroker/status all
`, config.DefaultPort, flagSet.FlagUsages())
}
