package config

import (
	"fmt"
)

type Mode string

const (
	ModeDebug       Mode = "debug"
	ModeRemediation Mode = "remediation"
	ModeInteractive Mode = "interactive"
	ModeMonitoring  Mode = "monitoring"
	ModeHybrid      Mode = "hybrid"
)

var Modes = []Mode{ModeDebug, ModeRemediation, ModeInteractive, ModeMonitoring, ModeHybrid}

type Automation string

const (
	AutomationManual   Automation = "manual"
	AutomationSemiAuto Automation = "semi_auto"
	AutomationFullAuto Automation = "full_auto"
)

var Automations = []Automation{AutomationManual, AutomationSemiAuto, AutomationFullAuto}

// DefaultConfidenceThreshold is a percentage.
const DefaultConfidenceThreshold = 80

// Runtime holds the settings an operator may change while the assistant
// runs.
type Runtime struct {
	Mode                 Mode       `json:"mode" mapstructure:"mode"`
	Automation           Automation `json:"automation_level" mapstructure:"automation_level"`
	ConfidenceThreshold  int        `json:"confidence_threshold" mapstructure:"confidence_threshold"`
	HistoricalLearning   bool       `json:"historical_learning" mapstructure:"historical_learning"`
	PredictiveAnalysis   bool       `json:"predictive_analysis" mapstructure:"predictive_analysis"`
	ContinuousMonitoring bool       `json:"continuous_monitoring" mapstructure:"continuous_monitoring"`
	AutoRemediation      bool       `json:"auto_remediation" mapstructure:"auto_remediation"`
}

type profile struct {
	autoRemediation      bool
	continuousMonitoring bool
	logLevel             string
}

var profiles = map[Mode]profile{
	ModeDebug:       {logLevel: "debug"},
	ModeRemediation: {autoRemediation: true, continuousMonitoring: true, logLevel: "info"},
	ModeInteractive: {logLevel: "info"},
	ModeMonitoring:  {continuousMonitoring: true, logLevel: "warn"},
	ModeHybrid:      {autoRemediation: true, continuousMonitoring: true, logLevel: "info"},
}

var modeDescriptions = map[Mode]string{
	ModeDebug:       "Root cause analysis only, no remediation actions",
	ModeRemediation: "Automatic issue remediation when issues are detected",
	ModeInteractive: "Interactive use with confirmation before every action",
	ModeMonitoring:  "Continuous monitoring with alerts",
	ModeHybrid:      "Monitoring and remediation combined",
}

// ForMode returns the runtime settings a mode starts with.
func ForMode(m Mode) Runtime {
	p := profiles[m]
	return Runtime{
		Mode:                 m,
		Automation:           AutomationSemiAuto,
		ConfidenceThreshold:  DefaultConfidenceThreshold,
		HistoricalLearning:   true,
		PredictiveAnalysis:   true,
		ContinuousMonitoring: p.continuousMonitoring,
		AutoRemediation:      p.autoRemediation,
	}
}

func DefaultRuntime() Runtime { return ForMode(ModeInteractive) }

// WithMode switches mode and resets the mode dependent toggles to the new
// mode's profile. Automation level and threshold are kept.
func (r Runtime) WithMode(m Mode) Runtime {
	next := ForMode(m)
	next.Automation = r.Automation
	next.ConfidenceThreshold = r.ConfidenceThreshold
	next.HistoricalLearning = r.HistoricalLearning
	next.PredictiveAnalysis = r.PredictiveAnalysis
	return next
}

func (r Runtime) Validate() error {
	if _, ok := profiles[r.Mode]; !ok {
		return fmt.Errorf("invalid mode %q", r.Mode)
	}
	switch r.Automation {
	case AutomationManual, AutomationSemiAuto, AutomationFullAuto:
	default:
		return fmt.Errorf("invalid automation level %q", r.Automation)
	}
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 100 {
		return fmt.Errorf("confidence threshold %d outside 0-100", r.ConfidenceThreshold)
	}
	return nil
}

// AllowsUnattendedRemediation reports whether remediation may run without
// an operator. Debug mode never remediates.
func (r Runtime) AllowsUnattendedRemediation() bool {
	return r.AutoRemediation && r.Automation == AutomationFullAuto && r.Mode != ModeDebug
}

// RequiresConfirmation reports whether an operator must approve actions.
func (r Runtime) RequiresConfirmation() bool {
	if r.Automation == AutomationFullAuto {
		return false
	}
	return r.Mode != ModeRemediation
}

// LogLevel is the level implied by the mode.
func (r Runtime) LogLevel() string {
	if p, ok := profiles[r.Mode]; ok {
		return p.logLevel
	}
	return "info"
}

func (r Runtime) Description() string { return modeDescriptions[r.Mode] }

// Overrides carries command line settings. Nil fields were not given.
type Overrides struct {
	Mode                 *Mode
	Automation           *Automation
	ConfidenceThreshold  *int
	HistoricalLearning   *bool
	PredictiveAnalysis   *bool
	ContinuousMonitoring *bool
	AutoRemediate        bool
	Debug                bool
}

// Apply layers o over r. --debug selects debug mode. --auto-remediate
// turns on remediation at full_auto, switching an interactive session to
// remediation mode. Explicit toggles win over the mode profile.
func (o Overrides) Apply(r Runtime) Runtime {
	if o.Mode != nil && *o.Mode != r.Mode {
		r = r.WithMode(*o.Mode)
	}
	if o.Debug && r.Mode != ModeDebug {
		r = r.WithMode(ModeDebug)
	}
	if o.Automation != nil {
		r.Automation = *o.Automation
	}
	if o.ConfidenceThreshold != nil {
		r.ConfidenceThreshold = *o.ConfidenceThreshold
	}
	if o.AutoRemediate {
		if r.Mode == ModeInteractive {
			r = r.WithMode(ModeRemediation)
		}
		r.AutoRemediation = true
		r.Automation = AutomationFullAuto
	}
	if o.HistoricalLearning != nil {
		r.HistoricalLearning = *o.HistoricalLearning
	}
	if o.PredictiveAnalysis != nil {
		r.PredictiveAnalysis = *o.PredictiveAnalysis
	}
	if o.ContinuousMonitoring != nil {
		r.ContinuousMonitoring = *o.ContinuousMonitoring
	}
	return r
}
