package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gofer "github.com/glimte/gofer-go"
	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/rmi"
	"github.com/spf13/cobra"
)

type callFlags struct {
	ctag    string
	async   bool
	timeout []time.Duration
	secret  string
	any     string
	window  time.Duration
	kws     []string
}

func newCallCmd(g *globals) *cobra.Command {
	f := &callFlags{}
	cmd := &cobra.Command{
		Use:   "call <agent>[,<agent>...] <Class.method> [json-args...]",
		Short: "Invoke a method on a remote agent",
		Long: `Invoke Class.method on an agent. Each argument is parsed as JSON and
passed as a string when it is not valid JSON. Several comma separated
agents make a broadcast, which is always asynchronous.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			class, method, err := parseTarget(args[1])
			if err != nil {
				return err
			}
			kws, err := parseKws(f.kws)
			if err != nil {
				return err
			}

			client, _, err := g.client(nil)
			if err != nil {
				return err
			}
			defer client.Close()

			agent, err := newAgent(client, strings.Split(args[0], ","), f)
			if err != nil {
				return err
			}
			out, err := agent.Stub(class).Invoke(ctx, method, parseArgs(args[2:]), kws)
			if err != nil {
				return describe(err)
			}
			return printOutcome(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&f.ctag, "ctag", "", "Correlation tag receiving the replies (implies --async)")
	cmd.Flags().BoolVar(&f.async, "async", false, "Send without waiting for the reply")
	cmd.Flags().DurationSliceVarP(&f.timeout, "timeout", "t", nil, "Start and complete timeouts, e.g. 10s,90s")
	cmd.Flags().StringVar(&f.secret, "secret", "", "Shared secret passed to the agent")
	cmd.Flags().StringVar(&f.any, "any", "", "JSON user data returned unmodified in the replies")
	cmd.Flags().DurationVar(&f.window, "window", 0, "Run only within a window of this length starting now")
	cmd.Flags().StringSliceVarP(&f.kws, "kw", "k", nil, "Keyword argument key=json-value, repeatable")
	return cmd
}

func newAgent(client *gofer.Client, ids []string, f *callFlags) (*gofer.Agent, error) {
	var opts []gofer.AgentOption
	if f.ctag != "" {
		opts = append(opts, gofer.WithCtag(f.ctag))
	}
	if f.async {
		opts = append(opts, gofer.WithAsync(true))
	}
	if len(f.timeout) > 0 {
		opts = append(opts, gofer.WithAgentTimeout(f.timeout...))
	}
	if f.secret != "" {
		opts = append(opts, gofer.WithSecret(f.secret))
	}
	if f.any != "" {
		opts = append(opts, gofer.WithAny(json.RawMessage(f.any)))
	}
	if f.window > 0 {
		now := time.Now()
		w, err := contracts.NewWindow(now, now.Add(f.window))
		if err != nil {
			return nil, err
		}
		opts = append(opts, gofer.WithWindow(w))
	}

	if len(ids) > 1 {
		return client.Agents(ids, opts...), nil
	}
	return client.Agent(ids[0], opts...), nil
}

// parseTarget splits "pkg.Class.method" at the last dot
func parseTarget(s string) (class, method string, err error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("target %q is not Class.method", s)
	}
	return s[:i], s[i+1:], nil
}

// parseArgs decodes each argument as JSON, falling back to the raw string
func parseArgs(args []string) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			v = a
		}
		out = append(out, v)
	}
	return out
}

func parseKws(pairs []string) (map[string]any, error) {
	kws := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("keyword %q is not key=value", p)
		}
		kws[key] = parseArgs([]string{value})[0]
	}
	return kws, nil
}

func printOutcome(w io.Writer, out *rmi.Outcome) error {
	if out.Return == nil {
		for _, m := range out.Members {
			if m.Err != nil {
				fmt.Fprintf(w, "%-30s error: %v\n", m.Destination.Name(), m.Err)
				continue
			}
			fmt.Fprintf(w, "%-30s sn=%s\n", m.Destination.Name(), m.SN)
		}
		return nil
	}

	if out.Return.Pending() {
		fmt.Fprintf(w, "sent sn=%s\n", out.Return.SN)
		return nil
	}

	var v any
	if err := out.Return.Decode(&v); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// describe turns request errors into messages fit for a terminal
func describe(err error) error {
	var ex *contracts.RemoteException
	switch {
	case errors.As(err, &ex):
		return fmt.Errorf("remote exception: %w", ex)
	case contracts.IsTimeout(err):
		return fmt.Errorf("no reply: %w", err)
	}
	return err
}
