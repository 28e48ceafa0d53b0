package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentrun"
	"github.com/hupe1980/agentrun/engine"
	"github.com/hupe1980/agentrun/source"
)

func newReplayCommand(flags *rootFlags) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:     "replay <events.jsonl>",
		Short:   "Fold a recorded JSONL event log into a conversation",
		Args:    cobra.ExactArgs(1),
		Example: `agentrun replay run.jsonl --message "What is Go?" -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer f.Close()

			logger, syncer, err := agentrun.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			if syncer != nil {
				defer syncer.Close()
			}

			a := agentrun.New(func(o *agentrun.Options) {
				o.Logger = logger
				o.EngineConfig = engine.Config{
					ToolTimeout: cfg.Engine.ToolTimeout,
				}
			})
			defer a.Close()

			h, err := a.Start(cmd.Context(), flags.key(), message, source.NewJSONL(f, func(o *source.JSONLOptions) {
				o.Buffer = cfg.Engine.EventBufferSize
			}))
			if err != nil {
				return err
			}
			st, err := a.Engine().Wait(cmd.Context(), h)
			if err != nil {
				return err
			}

			return writeReport(cmd.OutOrStdout(), flags.output, newReport(h.RunID(), st, h.ToolResults()))
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "user message that started the recorded run")

	return cmd
}
