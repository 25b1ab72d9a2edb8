package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	gofer "github.com/glimte/gofer-go"
	"github.com/glimte/gofer-go/config"
	"github.com/glimte/gofer-go/rmi"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		url        string
		ctag       string
		interval   time.Duration
		logPath    string
	)
	cmd := &cobra.Command{
		Use:   "gofer-watch --ctag <tag>",
		Short: "Watch asynchronous replies in a terminal UI",
		Long: `gofer-watch consumes the replies addressed to a correlation tag and shows
the state of every request live. With a Redis tracker configured it also
lists the requests still waiting for a terminal reply.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if url != "" {
				cfg.URL = url
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			// The UI owns the terminal; logs go to --log-file or nowhere
			logger := slog.New(slog.DiscardHandler)
			if logPath != "" {
				f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
				if err != nil {
					return fmt.Errorf("failed to open log file: %w", err)
				}
				defer f.Close()
				logger = cfg.LoggerTo(f)
			}

			client, err := gofer.NewClient(cfg.URL, cfg.ClientOptions(logger, nil)...)
			if err != nil {
				return err
			}
			defer client.Close()

			p := tea.NewProgram(newModel(ctag, client.Tracker(), interval), tea.WithAltScreen())
			rc := client.ReplyConsumer(ctag, forwarder{send: p.Send})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := rc.Start(ctx); err != nil {
				return fmt.Errorf("failed to consume replies: %w", err)
			}

			if _, err := p.Run(); err != nil {
				return fmt.Errorf("error running TUI: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVarP(&url, "url", "u", "", "Broker URL, overrides the configuration")
	cmd.Flags().StringVar(&ctag, "ctag", "", "Correlation tag to watch")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Pending list refresh interval")
	cmd.Flags().StringVar(&logPath, "log-file", "", "Append logs to this file")
	cmd.MarkFlagRequired("ctag")
	return cmd
}

// forwarder turns replies into UI messages
type forwarder struct {
	send func(tea.Msg)
}

func (f forwarder) Status(_ context.Context, r *rmi.Status) error {
	f.send(replyMsg{sn: r.SN(), origin: r.Envelope().Origin, state: stateRunning, detail: r.Value, at: time.Now()})
	return nil
}

func (f forwarder) Succeeded(_ context.Context, r *rmi.Succeeded) error {
	f.send(replyMsg{sn: r.SN(), origin: r.Envelope().Origin, state: stateSucceeded, detail: string(r.Retval), at: time.Now()})
	return nil
}

func (f forwarder) Failed(_ context.Context, r *rmi.Failed) error {
	f.send(replyMsg{sn: r.SN(), origin: r.Envelope().Origin, state: stateFailed, detail: r.Exception.Error(), at: time.Now()})
	return nil
}
