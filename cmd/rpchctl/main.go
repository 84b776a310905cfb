// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// rpchctl sends JSON-RPC requests through the HOPR mixnet.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpch/rpch/client"
	"github.com/rpch/rpch/common"
	"github.com/rpch/rpch/core/log"
	"github.com/rpch/rpch/internal/instrument"
	"github.com/rpch/rpch/telemetry"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile  string
	Provider    string
	Body        string
	Timeout     int
	Count       int
	MetricsAddr string
	ReadyWait   int
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpchctl",
		Short: "RPCh command line client",
		Long: `rpchctl routes JSON-RPC requests to an RPC provider through a pair of
HOPR relays. The request is sealed for the exit node, split into segments and
sent through an entry node, and the exit node answers the same way.`,
	}
	cmd.AddCommand(newSendCommand(), newReadyCommand())
	return cmd
}

func newSendCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a JSON-RPC request and print the response",
		Example: `
  # Ask for the latest block number
  rpchctl send -c client.toml --provider https://ethereum-provider.example \
    --body '{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}'

  # Read the body from stdin, send it 10 times and expose metrics
  rpchctl send --provider https://ethereum-provider.example -n 10 \
    --metrics-addr 127.0.0.1:6543 < request.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "c", "",
		"path to the client configuration file (TOML format), defaults are used if omitted")
	cmd.Flags().StringVar(&cfg.Provider, "provider", "", "RPC provider URL")
	cmd.Flags().StringVar(&cfg.Body, "body", "", "JSON-RPC request body, read from stdin if omitted")
	cmd.Flags().IntVar(&cfg.Timeout, "timeout", 0, "request timeout in milliseconds, 0 uses the configured session timeout")
	cmd.Flags().IntVarP(&cfg.Count, "count", "n", 1, "number of times to send the request")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to expose prometheus metrics on")
	cmd.Flags().IntVar(&cfg.ReadyWait, "ready-timeout", 30000, "milliseconds to wait for a usable route")

	cmd.MarkFlagRequired("provider")

	return cmd
}

func newReadyCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "ready",
		Short: "Check whether a usable entry/exit pair can be reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := startClient(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			wait := time.Duration(cfg.ReadyWait) * time.Millisecond
			if !c.IsReady(cmd.Context(), wait) {
				return fmt.Errorf("no usable route within %v", wait)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ready")
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "c", "",
		"path to the client configuration file (TOML format), defaults are used if omitted")
	cmd.Flags().IntVar(&cfg.ReadyWait, "ready-timeout", 30000, "milliseconds to wait for a usable route")

	return cmd
}

func main() {
	rootCmd := newRootCommand()
	common.ExecuteWithFang(rootCmd)
}

// startClient loads the configuration and starts a client.  The returned
// cleanup function shuts it down.
func startClient(cfg Config) (*client.Client, func(), error) {
	clientCfg, err := common.LoadConfig(cfg.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MetricsAddr != "" {
		clientCfg.Metrics.Address = cfg.MetricsAddr
	}

	backend, err := log.New(clientCfg.Logging.File, clientCfg.Logging.Level, clientCfg.Logging.Disable)
	if err != nil {
		return nil, nil, err
	}
	opts := []client.Option{client.WithLogBackend(backend)}

	ctx, cancel := context.WithCancel(context.Background())
	if addr := clientCfg.Metrics.Address; addr != "" {
		prom := instrument.New(nil)
		sinks := telemetry.Multi{
			&telemetry.LogSink{Log: backend.GetLogger("rpchctl/telemetry")},
			prom,
		}
		opts = append(opts, client.WithSink(sinks))
		go func() {
			if err := prom.Serve(ctx, addr, backend.GetGoLogger("rpchctl/metrics", "WARNING")); err != nil {
				backend.GetLogger("rpchctl").Errorf("Metrics endpoint failed: %v", err)
			}
		}()
	}

	c, err := client.New(clientCfg, opts...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if err = c.Start(); err != nil {
		cancel()
		return nil, nil, err
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-haltCh:
			c.Shutdown()
		case <-ctx.Done():
		}
	}()

	// Reopen the log file upon SIGHUP.
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)
	go rotateLogs(ctx, backend, rotateCh)

	cleanup := func() {
		signal.Stop(haltCh)
		signal.Stop(rotateCh)
		c.Shutdown()
		cancel()
	}
	return c, cleanup, nil
}

func rotateLogs(ctx context.Context, backend *log.Backend, rotateCh <-chan os.Signal) {
	for {
		select {
		case <-rotateCh:
			if err := backend.Rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to rotate log file: %v\n", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func runSend(cmd *cobra.Command, cfg Config) error {
	if cfg.Count < 1 {
		return errors.New("invalid argument: count must be positive")
	}
	body := cfg.Body
	if body == "" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		body = strings.TrimSpace(string(b))
	}
	if body == "" {
		return errors.New("invalid argument: empty request body")
	}
	if !json.Valid([]byte(body)) {
		return errors.New("invalid argument: request body is not valid JSON")
	}

	c, cleanup, err := startClient(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	wait := time.Duration(cfg.ReadyWait) * time.Millisecond
	if !c.IsReady(ctx, wait) {
		return fmt.Errorf("no usable route within %v", wait)
	}

	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	var failed int
	for i := 0; i < cfg.Count; i++ {
		resp, err := c.SendRequest(ctx, cfg.Provider, body, timeout)
		if err != nil {
			if errors.Is(err, client.ErrShutdown) {
				return err
			}
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "request %d failed: %v\n", i+1, err)
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Body)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, cfg.Count)
	}
	return nil
}
