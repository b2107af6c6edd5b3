package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"k8s-ai-assistant/internal/classifier"
)

func Classify(st *state) *cobra.Command {
	var record, asJSON bool
	cmd := &cobra.Command{
		Use:   "classify [text|-]",
		Short: "Match log text against the known failure signatures",
		Long:  "Match log text against the known failure signatures. Use - to read the text from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := args[0]
			if text == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				text = string(b)
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("nothing to classify")
			}

			a, err := st.build(needs{})
			if err != nil {
				return err
			}
			rt := a.source.Current()

			var res classifier.Result
			if record && rt.HistoricalLearning {
				res = a.classifier.ClassifyAndRecord(text)
				a.saveHistory()
			} else {
				res = a.classifier.Classify(text)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printClassification(cmd.OutOrStdout(), res, rt.ConfidenceThreshold)
			return nil
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "record the text in the issue history when historical learning is on")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printClassification(w io.Writer, res classifier.Result, threshold int) {
	if !res.Matched {
		fmt.Fprintln(w, "No known issue pattern matched.")
		return
	}
	fmt.Fprintf(w, "%s %s (severity %s)\n", color.New(color.FgCyan, color.Bold).Sprint("Issue:"), res.Key, res.Severity)

	conf := fmt.Sprintf("%.0f%%", res.Confidence*100)
	if res.MeetsThreshold(threshold) {
		conf = color.New(color.FgGreen).Sprint(conf)
	} else {
		conf = color.New(color.FgYellow).Sprint(conf) + fmt.Sprintf(" (below the %d%% threshold)", threshold)
	}
	fmt.Fprintf(w, "Confidence: %s\n", conf)
	if res.RootCause != "" {
		fmt.Fprintf(w, "Likely root cause: %s\n", res.RootCause)
	}
	fmt.Fprintln(w, "Remediation steps:")
	for i, s := range res.Steps {
		fmt.Fprintf(w, "  %d. %s\n", i+1, s)
	}
}
