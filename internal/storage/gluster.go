// Package storage reports GlusterFS health by shelling out to the gluster
// CLI. A missing or failing CLI yields an unavailable summary, never an error
// to the caller's loop.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"k8s-ai-assistant/internal/metrics"
)

const (
	versionTimeout = 10 * time.Second
	queryTimeout   = 30 * time.Second
	healTimeout    = 60 * time.Second
)

const (
	StatusHealthy        = "healthy"
	StatusNeedsAttention = "needs_attention"
	StatusUnavailable    = "unavailable"
)

var (
	ErrVolumeNotFound = errors.New("volume not found")
	ErrPeerNotFound   = errors.New("peer not found")
)

type Summary struct {
	VolumesHealthy  string    `json:"volumes_healthy"`
	PeersConnected  string    `json:"peers_connected"`
	HealPending     int       `json:"heal_pending"`
	SplitBrainFiles int       `json:"split_brain_files"`
	Status          string    `json:"overall_status"`
	LastUpdated     time.Time `json:"last_updated,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// VolumeHeal is the heal state of one volume.
type VolumeHeal struct {
	Volume string `json:"volume_name"`
	HealInfo
}

type PeerAnalysis struct {
	Peer
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// Report is everything known after the last refresh.
type Report struct {
	Summary Summary        `json:"summary"`
	Volumes []Volume       `json:"volumes"`
	Peers   []PeerAnalysis `json:"peers"`
	Heal    []VolumeHeal   `json:"heal"`
}

type Option func(*Monitor)

func WithRunner(r CommandRunner) Option { return func(m *Monitor) { m.runner = r } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

type Monitor struct {
	command string
	runner  CommandRunner
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	available bool
	lastErr   error
	updated   time.Time
	volumes   []Volume
	peers     []Peer
	heal      map[string]HealInfo
}

func New(command string, logger *zap.Logger, opts ...Option) *Monitor {
	if command == "" {
		command = "gluster"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		command: command,
		runner:  ExecRunner{},
		logger:  logger.Named("glusterfs"),
		now:     time.Now,
		heal:    map[string]HealInfo{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Available checks that the gluster binary answers.
func (m *Monitor) Available(ctx context.Context) bool {
	_, err := m.runner.Run(ctx, versionTimeout, m.command, "--version")
	return err == nil
}

// Refresh re-reads volumes, peers and per-volume heal info. A failed volume
// or peer query marks storage unavailable; failed heal queries are reported
// but keep the rest of the refresh.
func (m *Monitor) Refresh(ctx context.Context) error {
	volumes, err := m.queryVolumes(ctx)
	if err != nil {
		m.markUnavailable(err)
		return err
	}
	peers, err := m.queryPeers(ctx)
	if err != nil {
		m.markUnavailable(err)
		return err
	}

	var result *multierror.Error
	heal := make(map[string]HealInfo, len(volumes))
	for _, v := range volumes {
		out, err := m.runner.Run(ctx, healTimeout, m.command, "volume", "heal", v.Name, "info")
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to get heal info for %s: %w", v.Name, err))
			continue
		}
		heal[v.Name] = ParseHealInfo(out)
	}

	m.mu.Lock()
	m.available = true
	m.lastErr = nil
	m.updated = m.now()
	m.volumes = volumes
	m.peers = peers
	m.heal = heal
	m.mu.Unlock()

	if err := result.ErrorOrNil(); err != nil {
		m.logger.Warn("partial heal information", zap.Error(err))
		m.metrics.ScanCompleted("glusterfs", "partial")
		return err
	}
	m.metrics.ScanCompleted("glusterfs", "ok")
	m.logger.Debug("refreshed glusterfs status", zap.Int("volumes", len(volumes)), zap.Int("peers", len(peers)))
	return nil
}

func (m *Monitor) queryVolumes(ctx context.Context) ([]Volume, error) {
	out, err := m.runner.Run(ctx, queryTimeout, m.command, "volume", "info", "--xml")
	if err != nil {
		return nil, fmt.Errorf("failed to get volume info: %w", err)
	}
	return ParseVolumeInfo(out)
}

func (m *Monitor) queryPeers(ctx context.Context) ([]Peer, error) {
	out, err := m.runner.Run(ctx, queryTimeout, m.command, "peer", "status", "--xml")
	if err != nil {
		return nil, fmt.Errorf("failed to get peer status: %w", err)
	}
	return ParsePeerStatus(out)
}

func (m *Monitor) markUnavailable(err error) {
	m.logger.Warn("glusterfs unavailable", zap.Error(err))
	m.metrics.ScanCompleted("glusterfs", "error")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = false
	m.lastErr = err
	m.updated = m.now()
	m.volumes = nil
	m.peers = nil
	m.heal = map[string]HealInfo{}
}

// Summary aggregates the last refresh. Storage is healthy when every volume
// is started, every peer connected and no file is in split-brain.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summary()
}

func (m *Monitor) summary() Summary {
	if !m.available {
		s := Summary{VolumesHealthy: "0/0", PeersConnected: "0/0", Status: StatusUnavailable, LastUpdated: m.updated}
		if m.lastErr != nil {
			s.Error = m.lastErr.Error()
		}
		return s
	}

	started := 0
	for _, v := range m.volumes {
		if v.Started() {
			started++
		}
	}
	connected := 0
	for _, p := range m.peers {
		if p.Connected {
			connected++
		}
	}
	s := Summary{
		VolumesHealthy: fmt.Sprintf("%d/%d", started, len(m.volumes)),
		PeersConnected: fmt.Sprintf("%d/%d", connected, len(m.peers)),
		LastUpdated:    m.updated,
		Status:         StatusHealthy,
	}
	for _, h := range m.heal {
		s.HealPending += h.Pending
		s.SplitBrainFiles += h.SplitBrain
	}
	if started < len(m.volumes) || connected < len(m.peers) || s.SplitBrainFiles > 0 {
		s.Status = StatusNeedsAttention
	}
	return s
}

// HealMap lists heal state per volume, sorted by volume name.
func (m *Monitor) HealMap() []VolumeHeal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healMap()
}

func (m *Monitor) healMap() []VolumeHeal {
	out := make([]VolumeHeal, 0, len(m.heal))
	for name, h := range m.heal {
		out = append(out, VolumeHeal{Volume: name, HealInfo: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Volume < out[j].Volume })
	return out
}

// AnalyzePeers attaches issues and recommendations to disconnected peers.
func (m *Monitor) AnalyzePeers() []PeerAnalysis {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.analyzePeers()
}

func (m *Monitor) analyzePeers() []PeerAnalysis {
	out := make([]PeerAnalysis, 0, len(m.peers))
	for _, p := range m.peers {
		a := PeerAnalysis{Peer: p, Issues: []string{}, Recommendations: []string{}}
		if !p.Connected {
			a.Issues = append(a.Issues, "Peer is disconnected from cluster")
			a.Recommendations = append(a.Recommendations,
				"Check network connectivity and firewall rules",
				"Verify GlusterFS daemon is running",
			)
		}
		out = append(out, a)
	}
	return out
}

func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	volumes := append([]Volume{}, m.volumes...)
	return Report{
		Summary: m.summary(),
		Volumes: volumes,
		Peers:   m.analyzePeers(),
		Heal:    m.healMap(),
	}
}

// StartHeal triggers a self-heal on a known volume.
func (m *Monitor) StartHeal(ctx context.Context, volume string) error {
	if !m.hasVolume(volume) {
		return fmt.Errorf("%w: %s", ErrVolumeNotFound, volume)
	}
	if _, err := m.runner.Run(ctx, healTimeout, m.command, "volume", "heal", volume); err != nil {
		return fmt.Errorf("failed to start heal on %s: %w", volume, err)
	}
	m.logger.Info("heal started", zap.String("volume", volume))
	return nil
}

func (m *Monitor) hasVolume(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.volumes {
		if v.Name == name {
			return true
		}
	}
	return false
}

// ReconnectPeer probes a known peer by hostname and refreshes peer state.
func (m *Monitor) ReconnectPeer(ctx context.Context, uuid string) (string, error) {
	m.mu.RLock()
	hostname := ""
	for _, p := range m.peers {
		if p.UUID == uuid {
			hostname = p.Hostname
		}
	}
	m.mu.RUnlock()
	if hostname == "" {
		return "", fmt.Errorf("%w: %s", ErrPeerNotFound, uuid)
	}

	if _, err := m.runner.Run(ctx, queryTimeout, m.command, "peer", "probe", hostname); err != nil {
		return "", fmt.Errorf("failed to probe peer %s: %w", hostname, err)
	}
	if peers, err := m.queryPeers(ctx); err == nil {
		m.mu.Lock()
		m.peers = peers
		m.mu.Unlock()
	} else {
		m.logger.Warn("could not refresh peers after probe", zap.Error(err))
	}
	return fmt.Sprintf("Successfully probed peer %s", hostname), nil
}
