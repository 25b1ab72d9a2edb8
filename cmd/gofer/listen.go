package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/gofer-go/health"
	"github.com/glimte/gofer-go/rmi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newListenCmd(g *globals) *cobra.Command {
	var (
		ctag        string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print asynchronous replies addressed to a correlation tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			client, cfg, err := g.client(reg)
			if err != nil {
				return err
			}
			defer client.Close()

			rc := client.ReplyConsumer(ctag, &printer{w: cmd.OutOrStdout()})
			if err := rc.Start(ctx); err != nil {
				return err
			}

			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.Addr
			}
			if metricsAddr != "" {
				checks := health.NewRegistry()
				checks.Register(health.NewBrokerChecker(client.Broker()))
				checks.Register(health.NewRunnerChecker("replies", rc))
				checks.Register(health.NewGoroutineChecker(500, 1000))

				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           newMux(reg, checks),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						cfg.Logger().Error("metrics server failed", "addr", metricsAddr, "error", err)
						cancel()
					}
				}()
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					srv.Shutdown(shutdownCtx)
				}()
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s... Press Ctrl+C to stop\n", rmi.ReplyQueue(ctag).Name())
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&ctag, "ctag", "", "Correlation tag to listen on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	cmd.MarkFlagRequired("ctag")
	return cmd
}

func newMux(reg *prometheus.Registry, checks *health.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

func newPendingCmd(g *globals) *cobra.Command {
	var ctag string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List asynchronous requests still waiting for a terminal reply",
		Long:  "List the requests tracked in Redis for a correlation tag. Requires redis.addr in the configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			tracker := cfg.Tracker()
			if tracker == nil {
				return errors.New("no tracker configured, set redis.addr or GOFER_REDIS_ADDR")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			pending, err := tracker.List(ctx, ctag)
			if err != nil {
				return err
			}
			printPending(cmd.OutOrStdout(), pending)
			return nil
		},
	}
	cmd.Flags().StringVar(&ctag, "ctag", "", "Correlation tag")
	cmd.MarkFlagRequired("ctag")
	return cmd
}

func printPending(w io.Writer, pending []rmi.Pending) {
	if len(pending) == 0 {
		fmt.Fprintln(w, "No pending requests")
		return
	}
	fmt.Fprintf(w, "%-38s %-20s %-30s %-10s\n", "SN", "Destination", "Method", "Age")
	for _, p := range pending {
		fmt.Fprintf(w, "%-38s %-20s %-30s %-10s\n",
			p.SN,
			truncate(p.Destination, 20),
			truncate(p.Method, 30),
			time.Since(p.SentAt).Truncate(time.Second))
	}
}

// printer is a listener writing one line per reply
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s "+format+"\n", append([]any{time.Now().Format(time.TimeOnly)}, args...)...)
}

func (p *printer) Status(_ context.Context, r *rmi.Status) error {
	p.line("%s %-10s %s", r.SN(), "status", r.Value)
	return nil
}

func (p *printer) Succeeded(_ context.Context, r *rmi.Succeeded) error {
	p.line("%s %-10s %s", r.SN(), "succeeded", truncate(string(r.Retval), 200))
	return nil
}

func (p *printer) Failed(_ context.Context, r *rmi.Failed) error {
	p.line("%s %-10s %v", r.SN(), "failed", r.Exception)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
