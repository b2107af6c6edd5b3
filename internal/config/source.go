package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"k8s-ai-assistant/internal/store"
)

// ConfigSource hands out the current runtime settings and tells
// subscribers when they change.
type ConfigSource interface {
	Current() Runtime
	Subscribe(func(Runtime))
}

// Updater is a ConfigSource that accepts changes.
type Updater interface {
	ConfigSource
	Set(Runtime) error
}

type notifier struct {
	mu      sync.RWMutex
	current Runtime
	subs    []func(Runtime)
}

func (n *notifier) Current() Runtime {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current
}

func (n *notifier) Subscribe(fn func(Runtime)) {
	n.mu.Lock()
	n.subs = append(n.subs, fn)
	n.mu.Unlock()
}

// publish stores r and calls subscribers in registration order when it
// differs from the previous value.
func (n *notifier) publish(r Runtime) bool {
	n.mu.Lock()
	if r == n.current {
		n.mu.Unlock()
		return false
	}
	n.current = r
	subs := append([]func(Runtime){}, n.subs...)
	n.mu.Unlock()

	for _, fn := range subs {
		fn(r)
	}
	return true
}

// StaticSource is an in-memory ConfigSource.
type StaticSource struct {
	notifier
}

func NewStaticSource(r Runtime) *StaticSource {
	s := &StaticSource{}
	s.current = r
	return s
}

func (s *StaticSource) Set(r Runtime) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.publish(r)
	return nil
}

// WatchedSource reads the runtime settings from a JSON file and reloads
// them when the file changes. Command line overrides apply to the initial
// load only, so later edits to the file always take effect.
type WatchedSource struct {
	notifier
	path   string
	v      *viper.Viper
	logger *zap.Logger
}

// NewWatchedSource loads path, writing the defaults there when it does not
// exist yet. A malformed file is logged and the defaults are used.
func NewWatchedSource(path string, overrides Overrides, logger *zap.Logger) (*WatchedSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WatchedSource{path: path, logger: logger.Named("config")}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runtime config directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := store.Save(path, seedFile(DefaultRuntime())); err != nil {
			s.logger.Warn("could not write default runtime config", zap.String("path", path), zap.Error(err))
		}
	}

	s.v = viper.New()
	s.v.SetConfigFile(path)
	s.v.SetConfigType("json")

	r := DefaultRuntime()
	if err := s.v.ReadInConfig(); err != nil {
		s.logger.Warn("could not read runtime config, using defaults", zap.String("path", path), zap.Error(err))
	} else if parsed, err := fromViper(s.v); err != nil {
		s.logger.Warn("invalid runtime config, using defaults", zap.String("path", path), zap.Error(err))
	} else {
		r = parsed
	}

	r = overrides.Apply(r)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	s.current = r
	return s, nil
}

// Watch starts following file changes.
func (s *WatchedSource) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		r, err := fromViper(s.v)
		if err != nil {
			s.logger.Warn("ignoring invalid runtime config change", zap.String("path", e.Name), zap.Error(err))
			return
		}
		if s.publish(r) {
			s.logger.Info("runtime config reloaded",
				zap.String("mode", string(r.Mode)),
				zap.String("automation", string(r.Automation)),
				zap.Bool("auto_remediation", r.AutoRemediation))
		}
	})
	s.v.WatchConfig()
}

// Set validates r, writes it to the file and publishes it.
func (s *WatchedSource) Set(r Runtime) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := store.Save(s.path, r); err != nil {
		return err
	}
	s.publish(r)
	return nil
}

func (s *WatchedSource) Path() string { return s.path }

// seedFile is what a fresh runtime file holds. Toggles are left out so a
// later mode edit brings in that mode's profile.
func seedFile(r Runtime) map[string]interface{} {
	return map[string]interface{}{
		"mode":                 r.Mode,
		"automation_level":     r.Automation,
		"confidence_threshold": r.ConfidenceThreshold,
	}
}

// fromViper builds settings from the keys present in v. Toggles the file
// omits come from the profile of its mode.
func fromViper(v *viper.Viper) (Runtime, error) {
	mode := ModeInteractive
	if v.IsSet("mode") {
		mode = Mode(v.GetString("mode"))
	}
	r := ForMode(mode)
	r.Mode = mode

	if v.IsSet("automation_level") {
		r.Automation = Automation(v.GetString("automation_level"))
	}
	if v.IsSet("confidence_threshold") {
		r.ConfidenceThreshold = v.GetInt("confidence_threshold")
	}
	if v.IsSet("historical_learning") {
		r.HistoricalLearning = v.GetBool("historical_learning")
	}
	if v.IsSet("predictive_analysis") {
		r.PredictiveAnalysis = v.GetBool("predictive_analysis")
	}
	if v.IsSet("continuous_monitoring") {
		r.ContinuousMonitoring = v.GetBool("continuous_monitoring")
	}
	if v.IsSet("auto_remediation") {
		r.AutoRemediation = v.GetBool("auto_remediation")
	}
	return r, r.Validate()
}
