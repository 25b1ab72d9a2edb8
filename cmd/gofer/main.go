package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	gofer "github.com/glimte/gofer-go"
	"github.com/glimte/gofer-go/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

// globals holds the persistent flags
type globals struct {
	configPath string
	url        string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "gofer",
		Short: "Invoke methods on remote gofer agents",
		Long: `gofer sends remote method invocations to agents listening on a message
broker and prints their replies.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&g.url, "url", "u", "", "Broker URL, overrides the configuration")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newCallCmd(g), newListenCmd(g), newPendingCmd(g))
	return rootCmd
}

// load reads the configuration and applies the persistent flags
func (g *globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.url != "" {
		cfg.URL = g.url
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, cfg.Logger(), nil
}

// client opens a client for the configuration. reg may be nil.
func (g *globals) client(reg prometheus.Registerer) (*gofer.Client, *config.Config, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	client, err := gofer.NewClient(cfg.URL, cfg.ClientOptions(logger, reg)...)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
