package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"k8s-ai-assistant/internal/issue"
)

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

type HealthReport struct {
	OverallStatus string         `json:"overall_status"`
	Connected     bool           `json:"cluster_connected"`
	TotalIssues   int            `json:"total_issues"`
	Critical      int            `json:"critical_issues"`
	Warning       int            `json:"warning_issues"`
	Issues        []issue.Record `json:"issues"`
	Metrics       ClusterMetrics `json:"metrics"`
	Timestamp     time.Time      `json:"timestamp"`
	ScanError     string         `json:"scan_error,omitempty"`
}

// RunHealthCheck scans once and summarizes the result. Scan errors are
// reported in the report rather than returned.
func (c *Collector) RunHealthCheck(ctx context.Context) HealthReport {
	records, err := c.Scan(ctx)
	counts := issue.CountBySeverity(records)

	report := HealthReport{
		OverallStatus: StatusHealthy,
		Connected:     c.Connected(),
		TotalIssues:   len(records),
		Critical:      counts[issue.Critical],
		Warning:       counts[issue.Warning],
		Issues:        records,
		Metrics:       c.Metrics(ctx),
		Timestamp:     c.now(),
	}
	if report.Issues == nil {
		report.Issues = []issue.Record{}
	}
	switch {
	case report.Critical > 0:
		report.OverallStatus = StatusCritical
	case report.Warning > 0:
		report.OverallStatus = StatusWarning
	}
	if err != nil {
		c.logger.Warn("health check scan incomplete", zap.Error(err))
		report.ScanError = err.Error()
	}
	return report
}
