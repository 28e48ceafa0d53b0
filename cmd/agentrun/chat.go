package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentrun"
	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/engine"
	"github.com/hupe1980/agentrun/source"
)

type chatFlags struct {
	provider string
	model    string
	system   string
	record   string
}

func newChatCommand(flags *rootFlags) *cobra.Command {
	cf := &chatFlags{}

	cmd := &cobra.Command{
		Use:     "chat <message...>",
		Short:   "Send a message to the configured model provider",
		Args:    cobra.MinimumNArgs(1),
		Example: `agentrun chat --provider openai --record run.jsonl "Explain goroutines"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if cf.provider != "" {
				cfg.Provider.Name = cf.provider
			}
			if cf.model != "" {
				cfg.Provider.Model = cf.model
			}
			if cf.system != "" {
				cfg.Provider.System = cf.system
			}

			out := cmd.OutOrStdout()
			live := flags.output == "text"

			cb := engine.NewCallbackManager()
			if live {
				cb.RegisterCallback(streamPrinter(out))
			}

			a, err := agentrun.FromConfig(cfg, prometheus.NewRegistry(), func(o *agentrun.Options) {
				o.Callbacks = cb
			})
			if err != nil {
				return err
			}
			defer a.Close()

			src := agentrun.NewSource(cfg.Provider, cfg.Engine.EventBufferSize)
			if cf.record != "" {
				f, err := os.Create(cf.record)
				if err != nil {
					return fmt.Errorf("create record file: %w", err)
				}
				defer f.Close()
				src = source.NewRecorder(src, f, func(o *source.JSONLOptions) {
					o.Buffer = cfg.Engine.EventBufferSize
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			h, err := a.Start(ctx, flags.key(), strings.Join(args, " "), src)
			if err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				a.Cancel(flags.key(), "interrupted")
			}()

			st, err := a.Engine().Wait(context.WithoutCancel(ctx), h)
			if err != nil {
				return err
			}

			if live {
				fmt.Fprintln(out)
				if _, ok := st.Result.(core.Success); !ok {
					return fmt.Errorf("run %s: %s", core.ResultName(st.Result), describe(st.Result))
				}
				return nil
			}
			return writeReport(out, flags.output, newReport(h.RunID(), st, h.ToolResults()))
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cf.provider, "provider", "p", "", "model provider: anthropic or openai")
	f.StringVar(&cf.model, "model", "", "model id")
	f.StringVar(&cf.system, "system", "", "system prompt")
	f.StringVar(&cf.record, "record", "", "write the run's events to this JSONL file")

	return cmd
}

// streamPrinter writes assistant text deltas as they are processed.
func streamPrinter(w io.Writer) engine.Callback {
	return engine.NewFunctionCallback(engine.CallbackAfterEvent, func(_ context.Context, cc *engine.CallbackContext) error {
		if ev, ok := cc.Event.(core.TextMessageContentEvent); ok {
			_, err := io.WriteString(w, ev.Delta)
			return err
		}
		return nil
	})
}

func describe(r core.CompletionResult) string {
	switch r := r.(type) {
	case core.FailedResult:
		return r.ErrorMessage
	case core.Cancelled:
		return r.Reason
	}
	return ""
}
