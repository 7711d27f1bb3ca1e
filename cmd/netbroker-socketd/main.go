// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/netbroker/lib/config"
	"github.com/bureau-foundation/netbroker/lib/logging"
	"github.com/bureau-foundation/netbroker/lib/process"
	"github.com/bureau-foundation/netbroker/lib/version"
	"github.com/bureau-foundation/netbroker/socketd"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		name        string
		socketPath  string
		logLevel    string
		verbose     bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("netbroker-socketd", pflag.ContinueOnError)
	flagSet.StringVarP(&name, "name", "n", os.Getenv("USERNS_NAME"), "sandbox name; the socket is ${XDG_RUNTIME_DIR}/userns/<name>/socketd (default: $USERNS_NAME)")
	flagSet.StringVar(&socketPath, "socket", "", "listen on this socket path instead of the derived one")
	flagSet.StringVar(&configPath, "config", "", "configuration file, YAML or JSONC (default: $NETBROKER_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every connection and transferred socket")
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
		version.Print("netbroker-socketd")
		return nil
	}
	if flagSet.NArg() > 0 {
		return process.Usagef("unexpected arguments: %v", flagSet.Args())
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
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	path, err := cfg.BrokerSocketPath()
	if err != nil {
		return process.Usagef("%v", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, level).With("component", "socketd")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return socketd.NewServer(path, logger).Serve(ctx)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `netbroker-socketd - hand out network sockets to a sandbox

USAGE
    netbroker-socketd [flags]

FLAGS
%s
Each client connection is a stream of one-byte requests (1 = stream,
2 = datagram); every request is answered with one AF_INET socket passed
as SCM_RIGHTS.
`, flagSet.FlagUsages())
}
