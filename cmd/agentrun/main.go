// Command agentrun replays recorded run event logs and chats with a model
// provider through the run engine.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentrun/config"
	"github.com/hupe1980/agentrun/core"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	room       string
	thread     string
	output     string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "agentrun",
		Short:         "Run agent conversations from event logs or model providers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "agentrun.yaml", "path to the YAML config file")
	pf.StringVar(&flags.room, "room", "cli", "room id of the thread")
	pf.StringVar(&flags.thread, "thread", "main", "thread id")
	pf.StringVarP(&flags.output, "output", "o", "text", "output format: text, json or yaml")

	cmd.AddCommand(
		newReplayCommand(flags),
		newChatCommand(flags),
	)
	return cmd
}

func (f *rootFlags) key() core.ThreadKey {
	return core.ThreadKey{RoomID: f.room, ThreadID: f.thread}
}

func (f *rootFlags) loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(f.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// report is the printable outcome of a run.
type report struct {
	RunID        string            `json:"run_id" yaml:"run_id"`
	Result       string            `json:"result" yaml:"result"`
	Error        string            `json:"error,omitempty" yaml:"error,omitempty"`
	Reason       string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	Status       string            `json:"status" yaml:"status"`
	ToolResults  []core.ToolResult `json:"tool_results,omitempty" yaml:"tool_results,omitempty"`
	Conversation core.Conversation `json:"conversation" yaml:"conversation"`
}

func newReport(runID string, st core.CompletedState, toolResults []core.ToolResult) report {
	r := report{
		RunID:        runID,
		Result:       core.ResultName(st.Result),
		Status:       core.StatusName(st.Conversation.Status),
		ToolResults:  toolResults,
		Conversation: st.Conversation,
	}
	switch res := st.Result.(type) {
	case core.FailedResult:
		r.Error = res.ErrorMessage
	case core.Cancelled:
		r.Reason = res.Reason
	}
	return r
}

func writeReport(w io.Writer, format string, r report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		for _, m := range r.Conversation.Messages {
			if m.Thinking != "" {
				fmt.Fprintf(w, "[%s thinking] %s\n", m.Role, m.Thinking)
			}
			fmt.Fprintf(w, "[%s] %s\n", m.Role, m.Text)
		}
		for _, tr := range r.ToolResults {
			fmt.Fprintf(w, "[tool %s %s] %s\n", tr.Name, tr.CallID, tr.Content)
		}
		for id, ms := range r.Conversation.MessageStates {
			for _, ref := range ms.SourceReferences {
				fmt.Fprintf(w, "[citation %s] %s\n", id, ref.ChunkID)
			}
		}
		line := "result: " + r.Result
		if r.Error != "" {
			line += " (" + r.Error + ")"
		}
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		_, err := fmt.Fprintln(w, line)
		return err
	}
	return fmt.Errorf("unsupported output format %q", format)
}
