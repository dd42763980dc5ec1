// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// sniguard is a reverse proxy that routes TCP connections by TLS server name
// or HTTP Host header, and bans clients that misbehave.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/c2FmZQ/sniguard/proxy"
)

// Version is set with -ldflags="-X main.Version=${VERSION}"
var Version = "dev"

type flags struct {
	configFile    string
	stdout        bool
	debug         bool
	shutdownGrace time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "sniguard",
		Short:         "SNI and Host routing reverse proxy with an admission guard",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.configFile, "config", "", "The config file name.")
	cmd.Flags().BoolVar(&f.stdout, "stdout", false, "Log to STDOUT.")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "Enable debug logging.")
	cmd.Flags().DurationVar(&f.shutdownGrace, "shutdown-grace-period", time.Minute, "The shutdown grace period.")
	cmd.MarkFlagRequired("config")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	})
	return cmd
}

func versionString() string {
	return Version + " " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH
}

func newLogger(f flags) *log.Logger {
	var w io.Writer = os.Stderr
	if f.stdout {
		w = os.Stdout
	}
	level := log.InfoLevel
	if f.debug {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
}

func run(ctx context.Context, f flags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := newLogger(f)
	log.SetDefault(logger)
	logger.Infof("sniguard %s", versionString())

	cfg, err := proxy.ReadConfig(f.configFile)
	if err != nil {
		return err
	}
	p, err := proxy.New(cfg, proxy.WithLogger(logger))
	if err != nil {
		logger.Errorf("%v", err)
		return err
	}
	if err := p.Start(ctx); err != nil {
		logger.Errorf("%v", err)
		return err
	}
	go configLoop(ctx, logger, p, f.configFile)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	logger.Infof("Received signal %d (%s)", sig, sig)

	sctx, canc := context.WithTimeout(ctx, f.shutdownGrace)
	defer canc()
	p.Shutdown(sctx)
	return nil
}

func configLoop(ctx context.Context, logger *log.Logger, p *proxy.Proxy, file string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}
		cfg, err := proxy.ReadConfig(file)
		if err != nil {
			logger.Errorf("%v", err)
			continue
		}
		if err := p.Reconfigure(cfg); err != nil {
			logger.Errorf("%v", err)
		}
	}
}
