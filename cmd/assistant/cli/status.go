package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"k8s-ai-assistant/internal/collector"
	"k8s-ai-assistant/internal/issue"
	"k8s-ai-assistant/internal/storage"
)

func Status(st *state) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Scan the cluster once and print a health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := st.build(needs{cluster: true})
			if err != nil {
				return err
			}
			report := a.collector.RunHealthCheck(cmd.Context())

			var gluster *storage.Summary
			if a.storage != nil {
				_ = a.storage.Refresh(cmd.Context())
				s := a.storage.Summary()
				gluster = &s
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{"health": report, "storage": gluster})
			}
			printReport(cmd.OutOrStdout(), report, gluster)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func statusColor(status string) *color.Color {
	switch status {
	case collector.StatusCritical, storage.StatusUnavailable:
		return color.New(color.FgHiRed, color.Bold)
	case collector.StatusWarning, storage.StatusNeedsAttention:
		return color.New(color.FgYellow, color.Bold)
	}
	return color.New(color.FgGreen, color.Bold)
}

func severityColor(sev issue.Severity) *color.Color {
	if sev == issue.Critical {
		return color.New(color.FgHiRed)
	}
	return color.New(color.FgYellow)
}

func printReport(w io.Writer, report collector.HealthReport, gluster *storage.Summary) {
	heading := color.New(color.FgCyan, color.Bold)

	heading.Fprintln(w, "Cluster health")
	if !report.Connected {
		fmt.Fprintf(w, "  Cluster:  %s\n", color.New(color.FgHiRed).Sprint("not connected"))
	}
	fmt.Fprintf(w, "  Status:   %s\n", statusColor(report.OverallStatus).Sprint(report.OverallStatus))
	fmt.Fprintf(w, "  Issues:   %d (%d critical, %d warning)\n", report.TotalIssues, report.Critical, report.Warning)
	if report.ScanError != "" {
		fmt.Fprintf(w, "  Scan:     %s\n", color.New(color.FgHiRed).Sprint(report.ScanError))
	}

	m := report.Metrics
	heading.Fprintln(w, "\nResources")
	fmt.Fprintf(w, "  Nodes:    %d\n", m.NodeCount)
	fmt.Fprintf(w, "  Pods:     %d running of %d\n", m.RunningPods, m.TotalPods)
	if m.UsageAvailable {
		fmt.Fprintf(w, "  CPU:      %.1f%%\n", m.CPUPercent)
		fmt.Fprintf(w, "  Memory:   %.1f%%\n", m.MemoryPercent)
	} else {
		fmt.Fprintln(w, "  Usage:    metrics API not available")
	}

	if len(report.Issues) > 0 {
		heading.Fprintln(w, "\nIssues")
		for _, r := range report.Issues {
			fmt.Fprintf(w, "  %s %s\n", severityColor(r.Severity).Sprintf("%-8s", r.Severity), r.ID)
			fmt.Fprintf(w, "           %s\n", r.Description)
		}
	}

	if gluster != nil {
		heading.Fprintln(w, "\nGlusterFS")
		fmt.Fprintf(w, "  Status:   %s\n", statusColor(gluster.Status).Sprint(gluster.Status))
		fmt.Fprintf(w, "  Volumes:  %s healthy\n", gluster.VolumesHealthy)
		fmt.Fprintf(w, "  Peers:    %s connected\n", gluster.PeersConnected)
		if gluster.HealPending > 0 || gluster.SplitBrainFiles > 0 {
			fmt.Fprintf(w, "  Heal:     %d pending, %d split-brain\n", gluster.HealPending, gluster.SplitBrainFiles)
		}
	}
}
