package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"k8s-ai-assistant/internal/llm"
)

func Ask(st *state) *cobra.Command {
	var investigate bool
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the assistant a question",
		Long:  "Ask the assistant a question. Without a reachable LLM server the answer comes from built-in rules.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := st.build(needs{llm: true})
			if err != nil {
				return err
			}

			var answer llm.Answer
			if investigate {
				answer = a.assistant.Investigate(cmd.Context(), args[0])
			} else {
				answer = a.assistant.Ask(cmd.Context(), strings.Join(args, " "))
			}

			source := color.New(color.FgGreen).Sprintf("[%s]", a.assistant.Backend())
			if answer.Source == llm.SourceOffline {
				source = color.New(color.FgYellow).Sprint("[offline]")
			}
			fmt.Fprintln(cmd.OutOrStdout(), source)
			fmt.Fprintln(cmd.OutOrStdout(), answer.Text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&investigate, "investigate", false, "treat the argument as an issue id and ask for a root cause analysis")
	return cmd
}
