package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"k8s-ai-assistant/internal/config"
	"k8s-ai-assistant/internal/logging"
)

// state is shared by the root command and its subcommands.
type state struct {
	v         *viper.Viper
	cfg       *config.Config
	logger    *zap.Logger
	audit     *zap.Logger
	overrides config.Overrides
	noWatch   bool
}

func RootCmd() *cobra.Command {
	st := &state{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "k8s-ai-assistant",
		Short: "Kubernetes monitoring, issue classification and remediation assistant",
		Long: `Watches a Kubernetes cluster for failing pods, unhealthy nodes and volumes,
matches log text against known failure signatures, answers questions through
an optional local LLM and applies a fixed set of remediations.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.init(cmd.Flags())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if st.logger != nil {
				_ = st.logger.Sync()
			}
		},
	}

	f := cmd.PersistentFlags()
	f.String("config", "", "path to the configuration file")
	f.String("kubeconfig", "", "path to a kubeconfig, used when not running in a cluster")
	f.String("runtime-config", "", "path to the runtime configuration JSON file")
	f.Bool("no-watch", false, "do not reload the runtime configuration when the file changes")
	f.Bool("dry-run", false, "send every cluster mutation with server-side dry run")
	f.String("mode", "", "operating mode: debug, remediation, interactive, monitoring or hybrid")
	f.String("automation", "", "automation level: manual, semi_auto or full_auto")
	f.Int("confidence-threshold", config.DefaultConfidenceThreshold, "confidence percentage a classification needs to be acted on")
	f.Bool("historical-learning", true, "record classified text to learn repeat issues")
	f.Bool("predictive-analysis", true, "sample usage and forecast resource needs")
	f.Bool("continuous-monitor", false, "log an alert for every critical issue a scan finds")
	f.Bool("auto-remediate", false, "remediate allow-listed issues without confirmation")
	f.Bool("debug", false, "root cause analysis only, never remediate")
	f.BoolP("verbose", "v", false, "log at debug level")

	cmd.AddCommand(
		Run(st),
		Status(st),
		Classify(st),
		Ask(st),
		Remediate(st),
		Scale(st),
		Drain(st),
		Label(st),
		Forecast(st),
	)
	return cmd
}

func InitAndExecute() {
	if err := RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// init binds the flags into viper, loads the static configuration and
// builds the loggers.
func (st *state) init(flags *pflag.FlagSet) error {
	for key, flag := range map[string]string{
		"kubernetes.kubeconfig": "kubeconfig",
		"kubernetes.dry_run":    "dry-run",
		"runtime.file":          "runtime-config",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := st.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	configFile, _ := flags.GetString("config")
	cfg, err := config.Load(st.v, configFile)
	if err != nil {
		return err
	}
	st.cfg = cfg

	if st.overrides, err = overridesFrom(flags); err != nil {
		return err
	}
	st.noWatch, _ = flags.GetBool("no-watch")

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.File = cfg.Logging.File
	logCfg.AuditFile = cfg.Logging.AuditFile
	if st.overrides.Mode != nil || st.overrides.Debug {
		logCfg.Level = st.overrides.Apply(config.DefaultRuntime()).LogLevel()
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		logCfg.Level = "debug"
	}

	if st.logger, err = logging.New(logCfg); err != nil {
		return err
	}
	st.audit = logging.NewAudit(logCfg)
	logging.RedirectKlog(st.logger)
	return nil
}

// overridesFrom keeps only the runtime flags the user actually gave.
func overridesFrom(flags *pflag.FlagSet) (config.Overrides, error) {
	var o config.Overrides
	if flags.Changed("mode") {
		s, _ := flags.GetString("mode")
		m := config.Mode(s)
		o.Mode = &m
	}
	if flags.Changed("automation") {
		s, _ := flags.GetString("automation")
		a := config.Automation(s)
		o.Automation = &a
	}
	if flags.Changed("confidence-threshold") {
		n, _ := flags.GetInt("confidence-threshold")
		if n < 0 || n > 100 {
			return o, fmt.Errorf("--confidence-threshold must be between 0 and 100, got %d", n)
		}
		o.ConfidenceThreshold = &n
	}
	for flag, dst := range map[string]**bool{
		"historical-learning": &o.HistoricalLearning,
		"predictive-analysis": &o.PredictiveAnalysis,
		"continuous-monitor":  &o.ContinuousMonitoring,
	} {
		if flags.Changed(flag) {
			b, _ := flags.GetBool(flag)
			*dst = &b
		}
	}
	o.AutoRemediate, _ = flags.GetBool("auto-remediate")
	o.Debug, _ = flags.GetBool("debug")
	return o, nil
}
