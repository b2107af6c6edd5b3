package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"k8s-ai-assistant/internal/actions"
	"k8s-ai-assistant/internal/config"
)

var errNotConfirmed = errors.New("aborted")

// mutate builds the cluster components, checks the runtime settings allow
// the action and asks for confirmation when they require it.
func mutate(cmd *cobra.Command, st *state, yes bool, what string, fn func(context.Context, *app) actions.Result) error {
	a, err := st.build(needs{cluster: true})
	if err != nil {
		return err
	}
	rt := a.source.Current()
	if rt.Mode == config.ModeDebug {
		return errors.New("remediation is disabled in debug mode")
	}
	if rt.RequiresConfirmation() && !yes {
		ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), what)
		if err != nil {
			return err
		}
		if !ok {
			return errNotConfirmed
		}
	}

	res := fn(cmd.Context(), a)
	printResult(cmd.OutOrStdout(), res)
	if !res.Success {
		return errors.New("remediation was not applied")
	}
	return nil
}

func confirm(in io.Reader, out io.Writer, what string) (bool, error) {
	fmt.Fprintf(out, "%s? [y/N] ", what)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func printResult(w io.Writer, res actions.Result) {
	if res.Success {
		color.New(color.FgGreen).Fprint(w, "OK ")
	} else {
		color.New(color.FgHiRed).Fprint(w, "FAILED ")
	}
	fmt.Fprintln(w, res.Message)
}

func addYes(cmd *cobra.Command, yes *bool) {
	cmd.Flags().BoolVarP(yes, "yes", "y", false, "do not ask for confirmation")
}

func Remediate(st *state) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "remediate <issue-id>",
		Short: "Apply the automatic remediation for one issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return mutate(cmd, st, yes, "Remediate "+id, func(ctx context.Context, a *app) actions.Result {
				// identifiers resolve best against a fresh scan
				if _, err := a.collector.Scan(ctx); err != nil {
					st.logger.Warn("scan incomplete", zap.Error(err))
				}
				return a.executor.AutoRemediate(ctx, id)
			})
		},
	}
	addYes(cmd, &yes)
	cmd.AddCommand(bulk(st))
	return cmd
}

func bulk(st *state) *cobra.Command {
	var yes bool
	names := make([]string, 0, len(actions.BulkOperations()))
	for _, op := range actions.BulkOperations() {
		names = append(names, strings.ReplaceAll(op, "_", "-"))
	}
	cmd := &cobra.Command{
		Use:       "bulk <operation>",
		Short:     "Run a bulk operation: " + strings.Join(names, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			op := strings.ReplaceAll(args[0], "-", "_")
			var runErr error
			err := mutate(cmd, st, yes, "Run "+args[0], func(ctx context.Context, a *app) actions.Result {
				res, err := a.executor.RunBulk(ctx, op)
				if err != nil {
					runErr = err
					return actions.Result{Message: err.Error()}
				}
				return res
			})
			if runErr != nil {
				return runErr
			}
			return err
		},
	}
	addYes(cmd, &yes)
	return cmd
}

func Scale(st *state) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "scale <namespace/deployment> <replicas>",
		Short: "Set the replica count of a deployment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid replica count %q", args[1])
			}
			return mutate(cmd, st, yes, fmt.Sprintf("Scale %s to %d replicas", args[0], n), func(ctx context.Context, a *app) actions.Result {
				return a.executor.ScaleDeployment(ctx, args[0], int32(n))
			})
		},
	}
	addYes(cmd, &yes)
	return cmd
}

func Drain(st *state) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drain <node>",
		Short: "Cordon a node and evict its pods",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, st, yes, "Drain node "+args[0], func(ctx context.Context, a *app) actions.Result {
				return a.executor.DrainNode(ctx, args[0])
			})
		},
	}
	addYes(cmd, &yes)
	return cmd
}

func Label(st *state) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "label <node> <key=value>...",
		Short: "Add labels to a node",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			labels, err := parseLabels(args[1:])
			if err != nil {
				return err
			}
			return mutate(cmd, st, yes, "Label node "+args[0], func(ctx context.Context, a *app) actions.Result {
				return a.executor.LabelNode(ctx, args[0], labels)
			})
		},
	}
	addYes(cmd, &yes)
	return cmd
}

func parseLabels(args []string) (map[string]string, error) {
	labels := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, expected key=value", arg)
		}
		labels[k] = v
	}
	return labels, nil
}
