// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/netbroker/lib/config"
	"github.com/bureau-foundation/netbroker/lib/process"
	"github.com/bureau-foundation/netbroker/lib/service"
	"github.com/bureau-foundation/netbroker/lib/version"
	"github.com/bureau-foundation/netbroker/tproxy"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath   string
		statusSocket string
		timeout      time.Duration
		jsonOutput   bool
		summary      bool
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("netbroker-status", pflag.ContinueOnError)
	flagSet.StringVar(&statusSocket, "status-socket", "", "the proxy's status socket (default: status_socket from the configuration)")
	flagSet.StringVar(&configPath, "config", "", "configuration file, YAML or JSONC (default: $NETBROKER_CONFIG)")
	flagSet.DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the proxy")
	flagSet.BoolVar(&jsonOutput, "json", false, "print the status as JSON")
	flagSet.BoolVar(&summary, "summary", false, "report session counts without listing sessions")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			fmt.Fprintf(os.Stderr, "usage: netbroker-status [flags]\n\n%s", flagSet.FlagUsages())
			return nil
		}
		return process.Usagef("%v", err)
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "usage: netbroker-status [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if showVersion {
		version.Print("netbroker-status")
		return nil
	}

	if statusSocket == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		statusSocket = cfg.StatusSocket
	}
	if statusSocket == "" {
		return process.Usagef("--status-socket is required when the configuration has no status_socket")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var status tproxy.Status
	if err := service.NewClient(statusSocket).Status(ctx, summary, &status); err != nil {
		return err
	}

	if jsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(status)
	}
	return printStatus(os.Stdout, status)
}

// printStatus writes a human-readable summary of status.
func printStatus(output io.Writer, status tproxy.Status) error {
	writer := tabwriter.NewWriter(output, 0, 4, 2, ' ', 0)

	if status.Stream != nil {
		fmt.Fprintf(writer, "stream\t%s\t%d active connections\n", status.Stream.Listen, status.Stream.ActiveConnections)
	} else {
		fmt.Fprintln(writer, "stream\tnot running")
	}

	if status.Datagram == nil {
		fmt.Fprintln(writer, "datagram\tnot running")
		return writer.Flush()
	}
	fmt.Fprintf(writer, "datagram\t%s\t%d/%d sessions\n",
		status.Datagram.Listen, status.Datagram.Active, status.Datagram.Capacity)
	if len(status.Datagram.Sessions) > 0 {
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "CLIENT\tFD\tLAST ACCESS")
		for _, session := range status.Datagram.Sessions {
			fmt.Fprintf(writer, "%s\t%d\t%d\n", session.Client, session.FD, session.LastAccess)
		}
	}
	return writer.Flush()
}
