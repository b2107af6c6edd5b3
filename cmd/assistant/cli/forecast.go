package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"k8s-ai-assistant/internal/predictor"
)

func Forecast(st *state) *cobra.Command {
	var (
		days     int
		resource string
		optimize bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast hourly resource usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("days") {
				days = st.cfg.Forecasting.Days
			}
			if !cmd.Flags().Changed("resource") {
				resource = st.cfg.Forecasting.Resource
			}
			r, err := predictor.ParseResource(resource)
			if err != nil {
				return err
			}

			a, err := st.build(needs{forecast: true})
			if err != nil {
				return err
			}
			fc, err := a.forecaster.Generate(days, r)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if optimize {
					return enc.Encode(map[string]interface{}{"forecast": fc, "optimization": a.forecaster.Optimize()})
				}
				return enc.Encode(fc)
			}
			printForecast(out, fc)
			if optimize {
				printOptimization(out, a.forecaster.Optimize())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to forecast")
	cmd.Flags().StringVar(&resource, "resource", "cpu", "resource to forecast: cpu, memory or storage")
	cmd.Flags().BoolVar(&optimize, "optimize", false, "also print optimization recommendations")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the forecast as JSON")
	return cmd
}

func printForecast(w io.Writer, fc predictor.Forecast) {
	heading := color.New(color.FgCyan, color.Bold)
	in := fc.Insights

	heading.Fprintf(w, "%s forecast, next %d days\n", fc.Resource, fc.Days)
	fmt.Fprintf(w, "  Max:    %.1f%%\n", in.MaxUsage)
	fmt.Fprintf(w, "  Min:    %.1f%%\n", in.MinUsage)
	fmt.Fprintf(w, "  Avg:    %.1f%%\n", in.AvgUsage)
	fmt.Fprintf(w, "  Trend:  %s (%.2f%%/day)\n", in.Trend, in.SlopePerDay)

	if len(in.PeakPeriods) > 0 {
		heading.Fprintln(w, "Peak periods")
		for _, p := range in.PeakPeriods {
			fmt.Fprintf(w, "  %s - %s\n", p.Start.Format("Mon 02 Jan 15:04"), p.End.Format("Mon 02 Jan 15:04"))
		}
	}
	if len(in.Recommendations) > 0 {
		heading.Fprintln(w, "Recommendations")
		for _, r := range in.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
}

func printOptimization(w io.Writer, o predictor.Optimization) {
	color.New(color.FgCyan, color.Bold).Fprintf(w, "Cluster efficiency score: %.1f\n", o.EfficiencyScore)
	for _, r := range o.Recommendations {
		fmt.Fprintf(w, "  [%s] %s at %s: %s\n", r.Type, r.Resource, r.CurrentUsage, r.Recommendation)
	}
}
